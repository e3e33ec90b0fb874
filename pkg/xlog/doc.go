/*
Package xlog implements spec.md §4.3: the variable relation (next-xid,
next-oid, baseline, checkpoint, per-database low-water records) and the
packed 2-bit transaction status log, plus the prefetch-batched id
allocator and the TransRecover crash-recovery sweep.

	mgr := smgr.New(dataDir, table, false)
	alloc, _ := xlog.Bootstrap(mgr, xlog.Config{})
	xid, _ := alloc.NewTransactionID()
	// ... do work ...
	alloc.HardCommit(xid, func() error { return mgr.SyncAll() })

On a restart following an unclean shutdown, call Recover before accepting
any client: it rewrites every soft-committed or in-progress id between the
last checkpoint and the current next-xid to aborted, since soft commits
were never durably acknowledged.
*/
package xlog
