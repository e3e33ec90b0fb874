package vacuum

import (
	"bytes"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"
	"github.com/weaverdb/wdbengine/pkg/freespace"
	"github.com/weaverdb/wdbengine/pkg/heap"
	"github.com/weaverdb/wdbengine/pkg/smgr"
	"github.com/weaverdb/wdbengine/pkg/types"
	"github.com/weaverdb/wdbengine/pkg/vfs"
	"github.com/weaverdb/wdbengine/pkg/xlog"
)

func newTestStore(t *testing.T, relID uint32) (*heap.Store, *freespace.Manager, smgr.Info, *xlog.Allocator) {
	t.Helper()
	dir := t.TempDir()
	table := vfs.NewTable(vfs.Config{OpenMax: 64, VFDAllocation: 1.0})
	sm := smgr.New(dir, table, false)
	alloc, err := xlog.Bootstrap(sm, xlog.Config{TransactionPrefetch: 4, ObjectIDPrefetch: 4})
	require.NoError(t, err)

	info := smgr.Info{Rel: types.RelID{DBID: 1, Rel: relID}, DBName: "db1", Name: "vacrel", Kind: types.RelKindHeap}
	require.NoError(t, sm.Create(info))
	fsm := freespace.New(sm, 1000)
	store := heap.New(sm, fsm, alloc)

	return store, fsm, info, alloc
}

type fakeStatsSink struct {
	rel   types.RelID
	stats Stats
	calls int
}

func (f *fakeStatsSink) UpdateStatsInPlace(rel types.RelID, stats Stats) error {
	f.rel = rel
	f.stats = stats
	f.calls++
	return nil
}

type fakeIndex struct {
	seen []types.ItemPointer
}

func (f *fakeIndex) BulkDelete(deadTids []types.ItemPointer) (int, error) {
	f.seen = append(f.seen, deadTids...)
	return len(deadTids), nil
}

func TestVacuum_ReclaimsDeadTuplesAndUpdatesStats(t *testing.T) {
	store, fsm, info, alloc := newTestStore(t, 300)

	var live, dead []types.ItemPointer
	for i := 0; i < 6; i++ {
		xid, err := alloc.NewTransactionID()
		require.NoError(t, err)
		tid, err := store.Insert(info, bytes.Repeat([]byte{'x'}, 50), xid, 1, false)
		require.NoError(t, err)
		require.NoError(t, alloc.HardCommit(xid, nil))
		live = append(live, tid)
	}
	for i := 0; i < 4; i++ {
		xid, err := alloc.NewTransactionID()
		require.NoError(t, err)
		tid, err := store.Insert(info, bytes.Repeat([]byte{'y'}, 50), xid, 1, false)
		require.NoError(t, err)
		require.NoError(t, alloc.HardCommit(xid, nil))

		delXid, err := alloc.NewTransactionID()
		require.NoError(t, err)
		_, err = store.Delete(info, tid, delXid, 1, alloc)
		require.NoError(t, err)
		require.NoError(t, alloc.HardCommit(delXid, nil))
		dead = append(dead, tid)
	}

	oldestXmin, err := alloc.NewTransactionID()
	require.NoError(t, err)

	sink := &fakeStatsSink{}
	index := &fakeIndex{}
	res, err := Vacuum(store, fsm, info, oldestXmin, alloc, []IndexBulkDeleter{index}, sink, DefaultConfig)
	require.NoError(t, err)

	require.Equal(t, len(dead), res.DeadTuples)
	require.Len(t, index.seen, len(dead))
	require.Equal(t, 1, sink.calls)
	require.Equal(t, uint64(len(live)), sink.stats.RelTuples)
	require.True(t, sink.stats.RelHasIndex)

	for _, tid := range live {
		_, _, err := store.Fetch(info, tid)
		require.NoError(t, err)
	}
}

func TestReclaim_CompactsPageAndFreesSpace(t *testing.T) {
	store, fsm, info, alloc := newTestStore(t, 301)

	xid, err := alloc.NewTransactionID()
	require.NoError(t, err)
	keep, err := store.Insert(info, bytes.Repeat([]byte{'k'}, 100), xid, 1, false)
	require.NoError(t, err)
	victim, err := store.Insert(info, bytes.Repeat([]byte{'v'}, 100), xid, 1, false)
	require.NoError(t, err)
	require.NoError(t, alloc.HardCommit(xid, nil))

	before, err := store.ReadRawBlock(info.Rel, victim.Block)
	require.NoError(t, err)

	dead := map[types.BlockNumber]*roaring.Bitmap{
		victim.Block: roaring.NewBitmap(),
	}
	dead[victim.Block].Add(uint32(victim.Offset))

	reclaimed, err := reclaim(store, fsm, info, dead)
	require.NoError(t, err)
	require.Greater(t, reclaimed, 0)

	after, err := store.ReadRawBlock(info.Rel, victim.Block)
	require.NoError(t, err)
	require.NotEqual(t, before, after)

	_, _, err = store.Fetch(info, keep)
	require.NoError(t, err)
}

func TestTruncate_DropsTrailingEmptyBlocksPastExtent(t *testing.T) {
	store, fsm, info, alloc := newTestStore(t, 302)

	xid, err := alloc.NewTransactionID()
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{'z'}, 4000)
	var tids []types.ItemPointer
	for i := 0; i < 20; i++ {
		tid, err := store.Insert(info, payload, xid, 1, false)
		require.NoError(t, err)
		tids = append(tids, tid)
	}
	require.NoError(t, alloc.HardCommit(xid, nil))

	before, err := store.NBlocks(info.Rel)
	require.NoError(t, err)
	require.Greater(t, int(before), 4)

	// tids[10:] land on the trailing blocks (two tuples per block); marking
	// all of them dead empties every block from there to the relation's end.
	dead := make(map[types.BlockNumber]*roaring.Bitmap)
	for _, tid := range tids[10:] {
		bm, ok := dead[tid.Block]
		if !ok {
			bm = roaring.NewBitmap()
			dead[tid.Block] = bm
		}
		bm.Add(uint32(tid.Offset))
	}
	_, err = reclaim(store, fsm, info, dead)
	require.NoError(t, err)

	truncated, err := truncate(store, fsm, info)
	require.NoError(t, err)
	require.Greater(t, truncated, 0)

	after, err := store.NBlocks(info.Rel)
	require.NoError(t, err)
	require.Less(t, after, before)

	for _, tid := range tids[:10] {
		_, _, err := store.Fetch(info, tid)
		require.NoError(t, err)
	}
}

func TestRepair_RelocatesLiveTupleAndTagsMovedChain(t *testing.T) {
	store, fsm, info, alloc := newTestStore(t, 303)

	xid, err := alloc.NewTransactionID()
	require.NoError(t, err)
	orig, err := store.Insert(info, []byte("fragmented row"), xid, 1, false)
	require.NoError(t, err)
	require.NoError(t, alloc.HardCommit(xid, nil))

	vacuumXid, err := alloc.NewTransactionID()
	require.NoError(t, err)

	moved, err := Repair(store, fsm, info, vacuumXid, nil, nil, DefaultConfig)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	origHeader, _, err := store.Fetch(info, orig)
	require.NoError(t, err)
	require.True(t, origHeader.Infomask.Has(types.InfomaskMovedOut))
	require.False(t, origHeader.Ctid.Equal(orig))

	newTid := origHeader.Ctid
	newHeader, data, err := store.Fetch(info, newTid)
	require.NoError(t, err)
	require.True(t, newHeader.Infomask.Has(types.InfomaskMovedIn))
	require.Equal(t, vacuumXid, newHeader.Union.VacuumXid)
	require.Equal(t, "fragmented row", string(data))
}
