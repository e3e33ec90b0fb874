/*
Package types defines the core data structures shared across weaverdb's
storage engine.

This package contains the fundamental, I/O-free types that every other engine
package builds on: relation identifiers, block numbers and item pointers,
tuple headers and infomask bits, transaction ids and status, and MVCC
snapshots. Types here are intentionally dumb — no locking, no disk access —
so that vfs, smgr, xlog, page, tqual, heap, blob, freespace and vacuum can all
depend on them without import cycles.

# Core Types

Addressing:
  - RelID: (database id, relation id) pair identifying one relation.
  - BlockNumber: page index within a relation.
  - ItemPointer: (block, offset) tuple address, aka "tid".

Tuples:
  - TupleHeader: xmin/xmax, the cmin/cmax-or-vacuum-xid union, ctid, infomask.
  - Infomask: packed flag bits (commit/abort hints, moved-in/out, blob markers).
  - BlobHeader: in-place placeholder for an out-of-line attribute.

Transactions:
  - TransactionID, TransactionStatus: id allocation and 2-bit log status.
  - Snapshot: MVCC visibility window (xmin, xmax, in-progress set).

Result enums:
  - UpdateResult: HeapTupleSatisfiesUpdate's five outcomes.
  - VacuumClass: HeapTupleSatisfiesVacuum's six outcomes.
*/
package types
