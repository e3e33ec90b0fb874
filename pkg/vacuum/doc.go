// Package vacuum reclaims dead tuples and repairs page fragmentation for a
// single relation, following spec.md §4.7 (mtpgsql's vacuumlazy.c).
//
// A run has two scan-bound passes over the heap:
//
//  1. lazy_scan_heap classifies every tuple via pkg/tqual.SatisfiesVacuum and
//     accumulates dead item pointers per block in a roaring bitmap. When the
//     accumulator grows past Config.MaxDeadTids mid-scan, the accumulated
//     dead tids are flushed early: indexes get a bulk-delete call and the
//     affected pages are reclaimed, before the heap scan resumes. This bounds
//     memory on a relation with far more dead tuples than fit in one pass.
//  2. reclaim marks each dead line pointer unused, compacts the page, and
//     records the freed space with pkg/freespace so future inserts can reuse
//     it.
//
// After the scan, trailing fully-empty blocks are truncated away (subject to
// the relation's extent policy) and relpages/reltuples/relhasindex are
// updated on the existing catalog row in place, without a new MVCC version.
//
// Fragmentation repair (Repair, mtpgsql's lazy_repair_fragmentation) is a
// separate, independently bounded step: it walks blocks from the tail
// backward and relocates tuples to wherever freespace places them (not
// necessarily a lower-numbered block), tagging the moved-in copy and
// the moved-out original the same way pkg/heap.MoveTuple does for an
// ordinary update chain. Blob-bearing tuples are relocated through pkg/blob's
// chain-duplication path instead of a plain copy.
package vacuum
