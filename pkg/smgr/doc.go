/*
Package smgr implements the storage manager layer from spec.md §4.2: a
segmented on-disk format (relation "name", "name.1", "name.2", … each
SegmentBlocks pages) built on pkg/vfs, and an optional shadow log used for
crash recovery via full-page-image replay.

	mgr := smgr.New(dataDir, vfdTable, opts.NoFsync)
	mgr.Create(smgr.Info{Rel: relID, DBName: "main", Name: "accounts"})
	mgr.Extend(relID)
	mgr.WriteBlock(relID, 0, pageBuf)
	mgr.Commit(relID)

The shadow log is independent of any one relation: it records whichever
pages a transaction dirtied, across relations, and is replayed in full at
startup before any client connects (ReplayLogs). Replay uses
github.com/edsrzf/mmap-go to map the log file rather than issuing one read
syscall per page image, since startup replay is the one place in the
engine that reads a large, mostly-sequential file end to end.
*/
package smgr
