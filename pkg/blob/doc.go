/*
Package blob implements spec.md §4.5: out-of-line storage for attributes
too large to fit in an ordinary heap tuple, as a chain of blob-segment
tuples written through pkg/heap.

	mgr := blob.New(store, 1024)
	w := mgr.OpenWrite(info, xid, cid)
	w.Write(payload)
	header, err := w.CloseWrite() // header embeds in the owning tuple

	r := mgr.OpenRead(info, header)
	for !r.Done() {
		chunk, err := r.Read(512)
		...
	}

The chain is built back-to-front so it exists completely on disk before
any external reference (the owning tuple's attribute bytes) is written,
and each segment's own ctid doubles as its forward pointer: the chain's
last segment has ctid equal to itself, matching an ordinary unmodified
heap tuple, and every other segment's ctid is the next segment's tid.
*/
package blob
