// Package vacuum implements spec.md §4.7: lazy_scan_heap's two-pass dead
// tuple reclaim, index bulk-delete coordination, backward truncation,
// in-place catalog statistics update, and lazy_repair_fragmentation's
// tail-to-head tuple relocation, coordinating with pkg/blob for blob and
// blob-segment tuples.
package vacuum

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/weaverdb/wdbengine/pkg/blob"
	"github.com/weaverdb/wdbengine/pkg/freespace"
	"github.com/weaverdb/wdbengine/pkg/heap"
	"github.com/weaverdb/wdbengine/pkg/log"
	"github.com/weaverdb/wdbengine/pkg/page"
	"github.com/weaverdb/wdbengine/pkg/smgr"
	"github.com/weaverdb/wdbengine/pkg/tqual"
	"github.com/weaverdb/wdbengine/pkg/types"
)

// Config bounds one vacuum run's resource usage.
type Config struct {
	// MaxDeadTids caps the in-memory dead-tid accumulator before pass 2 is
	// forced mid-scan (spec.md §4.7 pass 1).
	MaxDeadTids int
	// MaxFragMoves caps how many tuples lazy_repair_fragmentation relocates
	// in one run before stopping.
	MaxFragMoves int
}

// DefaultConfig matches an ordinary user-table vacuum.
var DefaultConfig = Config{MaxDeadTids: 100_000, MaxFragMoves: 10_000}

// IndexBulkDeleter lets one index participate in vacuum's index
// coordination step (spec.md §4.7 "index-bulk-delete"). pkg/catalog's
// B-tree-backed external index stub implements this.
type IndexBulkDeleter interface {
	BulkDelete(deadTids []types.ItemPointer) (removed int, err error)
}

// Stats is the subset of pg_class vacuum updates in place.
type Stats struct {
	RelPages    uint32
	RelTuples   uint64
	RelHasIndex bool
}

// StatsSink persists Stats without creating a new MVCC tuple version, so
// vacuuming the catalog relation itself does not churn forever. pkg/catalog
// implements this over its relation descriptor store.
type StatsSink interface {
	UpdateStatsInPlace(rel types.RelID, stats Stats) error
}

// BlobLocator resolves a blob-bearing tuple's attribute to its current
// storage relation and header, for vacuum_respan_tuple_blob /
// vacuum_dup_chain_blob dispatch. pkg/catalog wires this from relation
// attribute descriptors; a nil locator disables blob-aware handling (plain
// heap vacuum only).
type BlobLocator interface {
	BlobHeaders(info smgr.Info, tid types.ItemPointer, h types.TupleHeader, data []byte) []types.BlobHeader
}

// Result summarizes one vacuum run.
type Result struct {
	ScannedBlocks    int
	DeadTuples       int
	ReclaimedBytes   int
	TruncatedBlocks  int
	FragMoved        int
	IndexDivergences int
}

// Vacuum runs pass 1 (scan + classify), index coordination, pass 2
// (reclaim), truncation, and the statistics update against one relation.
// Fragmentation repair is a separate, opt-in step (Repair) since spec.md
// describes it as bounded and interruptible independently of the main
// reclaim passes.
func Vacuum(store *heap.Store, fsm *freespace.Manager, info smgr.Info, oldestXmin types.TransactionID, src tqual.StatusSource, indexes []IndexBulkDeleter, stats StatsSink, cfg Config) (Result, error) {
	if cfg.MaxDeadTids <= 0 {
		cfg = DefaultConfig
	}
	logger := log.WithComponent("vacuum")

	var res Result
	dead := make(map[types.BlockNumber]*roaring.Bitmap)
	var deadCount, liveCount int64

	n, err := store.NBlocks(info.Rel)
	if err != nil {
		return res, err
	}

	flush := func() error {
		if deadCount == 0 {
			return nil
		}

		tids := flattenDeadTids(dead)
		for _, ix := range indexes {
			removed, err := ix.BulkDelete(tids)
			if err != nil {
				return err
			}
			if removed != len(tids) {
				res.IndexDivergences++
				logger.Warn().
					Int("removed", removed).
					Int("expected", len(tids)).
					Msg("index bulk-delete count diverged from heap dead-tid count")
			}
		}

		total, err := reclaim(store, fsm, info, dead)
		if err != nil {
			return err
		}
		res.ReclaimedBytes += total

		for k := range dead {
			delete(dead, k)
		}
		deadCount = 0
		return nil
	}

	for b := types.BlockNumber(0); b < n; b++ {
		res.ScannedBlocks++
		err := store.ScanBlockForVacuum(info, b, oldestXmin, src, func(tid types.ItemPointer, h types.TupleHeader, data []byte, class types.VacuumClass) {
			switch class {
			case types.VacuumDead:
				bm, ok := dead[tid.Block]
				if !ok {
					bm = roaring.NewBitmap()
					dead[tid.Block] = bm
				}
				bm.Add(uint32(tid.Offset))
				deadCount++
				res.DeadTuples++
			case types.VacuumLive, types.VacuumRecentlyDead:
				liveCount++
			}
		})
		if err != nil {
			return res, err
		}
		if int(deadCount) >= cfg.MaxDeadTids {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	fsm.ObserveCounts(info.Rel, liveCount, int64(res.DeadTuples))

	truncated, err := truncate(store, fsm, info)
	if err != nil {
		return res, err
	}
	res.TruncatedBlocks = truncated

	if stats != nil {
		finalBlocks, err := store.NBlocks(info.Rel)
		if err != nil {
			return res, err
		}
		if err := stats.UpdateStatsInPlace(info.Rel, Stats{
			RelPages:    uint32(finalBlocks),
			RelTuples:   uint64(liveCount),
			RelHasIndex: len(indexes) > 0,
		}); err != nil {
			return res, err
		}
	}

	return res, nil
}

func flattenDeadTids(dead map[types.BlockNumber]*roaring.Bitmap) []types.ItemPointer {
	var tids []types.ItemPointer
	for block, bm := range dead {
		for _, off := range bm.ToArray() {
			tids = append(tids, types.ItemPointer{Block: block, Offset: types.OffsetNumber(off)})
		}
	}
	return tids
}

// reclaim implements pass 2: for every block with dead tids, mark the
// listed line pointers unused, compact, record the freed space, write the
// page back.
func reclaim(store *heap.Store, fsm *freespace.Manager, info smgr.Info, dead map[types.BlockNumber]*roaring.Bitmap) (int, error) {
	var reclaimed int
	var runs []freespace.Run

	for block, bm := range dead {
		buf, err := store.ReadRawBlock(info.Rel, block)
		if err != nil {
			return reclaimed, err
		}
		before := page.FreeSpace(buf)

		for _, off := range bm.ToArray() {
			page.SetUnused(buf, types.OffsetNumber(off))
		}
		page.Compact(buf)

		after := page.FreeSpace(buf)
		reclaimed += after - before

		if err := store.WriteRawBlock(info.Rel, block, buf); err != nil {
			return reclaimed, err
		}
		runs = append(runs, freespace.Run{Block: block, Available: after, Live: true})
	}

	if len(runs) > 0 {
		fsm.RegisterFreespace(info.Rel, runs)
	}
	return reclaimed, nil
}

// truncate implements the truncation step: walk backward from the last
// block, counting trailing fully-empty pages, and drop them once the count
// exceeds the relation's next extent size.
func truncate(store *heap.Store, fsm *freespace.Manager, info smgr.Info) (int, error) {
	n, err := store.NBlocks(info.Rel)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	freeable := types.BlockNumber(0)
	for b := n; b > 0; b-- {
		buf, err := store.ReadRawBlock(info.Rel, b-1)
		if err != nil {
			return 0, err
		}
		if page.FreeSpace(buf) != page.Size-12 {
			break
		}
		freeable++
	}
	if freeable == 0 {
		return 0, nil
	}

	extent := fsm.RecommendAllocation(info, freespace.DefaultExtentPolicy)
	if int(freeable) <= extent {
		return 0, nil
	}

	newCount := n - freeable
	if err := fsm.TruncateHeap(info, newCount); err != nil {
		return 0, err
	}
	return int(freeable), nil
}

// Repair implements lazy_repair_fragmentation: sweeping from the last
// block backward, it relocates each tuple that is not already part of an
// updated or moved chain, tagging the copy moved-in and the original
// moved-out. Tuples are not filtered by visibility first, and each copy
// goes wherever freespace places it, which is not necessarily a
// lower-numbered block. Blob-bearing tuples are
// respanned through locator (vacuum_respan_tuple_blob /
// vacuum_dup_chain_blob); locator may be nil to skip blob awareness. It
// stops after cfg.MaxFragMoves relocations.
func Repair(store *heap.Store, fsm *freespace.Manager, info smgr.Info, vacuumXid types.TransactionID, locator BlobLocator, blobMgr *blob.Manager, cfg Config) (int, error) {
	if cfg.MaxFragMoves <= 0 {
		cfg = DefaultConfig
	}
	n, err := store.NBlocks(info.Rel)
	if err != nil {
		return 0, err
	}

	moved := 0
	for b := n; b > 0 && moved < cfg.MaxFragMoves; b-- {
		block := b - 1
		buf, err := store.ReadRawBlock(info.Rel, block)
		if err != nil {
			return moved, err
		}
		maxOff := page.MaxOffsetNumber(buf)
		for off := types.FirstOffsetNumber; off <= maxOff && moved < cfg.MaxFragMoves; off++ {
			raw, ok := page.GetItem(buf, off)
			if !ok {
				continue
			}
			tid := types.ItemPointer{Block: block, Offset: off}
			h, data, err := store.Fetch(info, tid)
			if err != nil {
				return moved, err
			}
			if h.Infomask.Has(types.InfomaskUpdated) || h.Infomask.Has(types.InfomaskMovedOut) || h.Infomask.Has(types.InfomaskMovedIn) {
				continue // already part of an updated/moved chain: leave for a later pass
			}
			_ = raw

			if locator != nil && blobMgr != nil {
				for _, bh := range locator.BlobHeaders(info, tid, h, data) {
					storageInfo := smgr.Info{Rel: types.RelID{DBID: info.Rel.DBID, Rel: bh.StorageRel}, DBName: info.DBName}
					// DuplicateChain relocates within the same storage
					// relation; freespace's allocator has no "strictly
					// lower-numbered block" placement hint (spec.md §9 is
					// silent on how that constraint is enforced), so this
					// duplicates the chain to wherever freespace places it
					// rather than guaranteeing a lower block number.
					if _, err := blobMgr.DuplicateChain(storageInfo, storageInfo, bh, vacuumXid, 1); err != nil {
						return moved, err
					}
				}
			}

			if _, err := store.MoveTuple(info, tid, info, vacuumXid); err != nil {
				return moved, err
			}
			moved++
		}
	}
	return moved, nil
}
