/*
Package heap implements spec.md §4.4: tuple insert/delete/update/
mark-for-update/scan/fetch-by-tid/get-latest-tid over pkg/page-formatted
blocks, placed via pkg/freespace and made visible through pkg/tqual.

	store := heap.New(sm, fsm, alloc)
	tid, err := store.Insert(info, encodedRow, xid, cid, false)
	h, data, visible, err := store.FetchVisible(info, tid, snap, alloc)

Delete, Update and MarkForUpdate all return a types.UpdateResult alongside
any error: only UpdateMayBeUpdated actually mutates the tuple, the other
four outcomes (Invisible/SelfUpdated/Updated/BeingUpdated) are reported for
the caller to retry, wait on the concurrent writer, or raise a conflict.
*/
package heap
