/*
Package vfs implements the virtual file descriptor layer described in
spec.md §4.1: a growable array of fixed-size blocks of entries, a free list
threaded through index 0, and a kernel-fd budget enforced by evicting the
least-recently-used idle entry.

	table := vfs.NewTable(vfs.Config{OpenMax: 1024, VFDAllocation: 0.75})
	h, err := table.Open("base/1/16401", vfs.OpenOptions{Flags: os.O_RDWR})
	table.Pin(h)
	table.ReadAt(h, buf, 0)
	table.Unpin(h)
	table.Close(h)

Handles are not *os.File values: the underlying kernel descriptor may be
closed and reopened transparently between calls whenever the table is under
fd pressure. Callers that need the descriptor open across a read-modify-
write sequence should Pin before the sequence and Unpin after.

The data directory's exclusive lock file is handled separately by
LockDataDir/DataDirLock, backed by github.com/gofrs/flock rather than a
hand-rolled O_EXCL open.
*/
package vfs
