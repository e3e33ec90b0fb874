package env

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weaverdb/wdbengine/pkg/catalog"
	"github.com/weaverdb/wdbengine/pkg/config"
	"github.com/weaverdb/wdbengine/pkg/page"
	"github.com/weaverdb/wdbengine/pkg/poolsweep"
	"github.com/weaverdb/wdbengine/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	opts := config.Default()
	opts.DataDir = t.TempDir()
	opts.BufferCount = 100

	e, err := Open(opts, false)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func TestOpen_BootstrapsFreshDataDirectory(t *testing.T) {
	e := newTestEngine(t)
	require.NotNil(t, e.Heap())
	require.NotNil(t, e.Catalog())
	require.NotNil(t, e.XLog())
	require.NotNil(t, e.Pool())
}

func TestCheckpoint_SyncsAndExpiresShadowLog(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Checkpoint())
}

func TestThreadEnv_CreateRelationAndInsertRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	th := e.NewThread(context.Background(), types.FirstNormalTransactionID)

	desc := catalog.RelationDescriptor{
		RelID: types.RelID{DBID: 1, Rel: 100},
		Name:  "widgets",
		Kind:  types.RelKindHeap,
	}
	info, err := th.CreateRelation(desc, "widgets")
	require.NoError(t, err)

	tid, err := e.Heap().Insert(info, []byte("hello"), th.XID, th.CID, false)
	require.NoError(t, err)

	_, data, err := e.Heap().Fetch(info, tid)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestThreadEnv_CheckCancelledReflectsContextCancellation(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	th := e.NewThread(ctx, types.FirstNormalTransactionID)

	require.NoError(t, th.CheckCancelled())
	cancel()
	require.Eventually(t, func() bool {
		return th.Cancelled()
	}, time.Second, 5*time.Millisecond)
	require.Error(t, th.CheckCancelled())
}

func TestThreadEnv_RequestVacuumRunsThroughPoolsweep(t *testing.T) {
	e := newTestEngine(t)
	th := e.NewThread(context.Background(), types.FirstNormalTransactionID)

	desc := catalog.RelationDescriptor{
		RelID: types.RelID{DBID: 1, Rel: 101},
		Name:  "gadgets",
		Kind:  types.RelKindHeap,
	}
	info, err := th.CreateRelation(desc, "gadgets")
	require.NoError(t, err)

	xid, err := e.XLog().NewTransactionID()
	require.NoError(t, err)
	_, err = e.Heap().Insert(info, []byte("x"), xid, 0, false)
	require.NoError(t, err)
	require.NoError(t, e.XLog().HardCommit(xid, nil))

	th.RequestVacuum(info.Rel, 1)
	e.Pool().WaitNotify(1)

	_, ok, err := e.Catalog().GetStats(info.Rel)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDispatchJob_AnalyzeRefreshesStatsWithoutReclaiming(t *testing.T) {
	e := newTestEngine(t)
	th := e.NewThread(context.Background(), types.FirstNormalTransactionID)

	desc := catalog.RelationDescriptor{
		RelID: types.RelID{DBID: 1, Rel: 102},
		Name:  "barrels",
		Kind:  types.RelKindHeap,
	}
	info, err := th.CreateRelation(desc, "barrels")
	require.NoError(t, err)

	xid, err := e.XLog().NewTransactionID()
	require.NoError(t, err)
	_, err = e.Heap().Insert(info, []byte("a"), xid, 0, false)
	require.NoError(t, err)
	_, err = e.Heap().Insert(info, []byte("b"), xid, 0, false)
	require.NoError(t, err)
	require.NoError(t, e.XLog().HardCommit(xid, nil))

	e.Pool().AddJobRequest(poolsweep.JobAnalyze, info.Rel, 1, nil)
	e.Pool().WaitNotify(1)

	stats, ok, err := e.Catalog().GetStats(info.Rel)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), stats.RelTuples)
}

func TestDispatchJob_CompactSqueezesAnUnusedLinePointer(t *testing.T) {
	e := newTestEngine(t)
	th := e.NewThread(context.Background(), types.FirstNormalTransactionID)

	desc := catalog.RelationDescriptor{
		RelID: types.RelID{DBID: 1, Rel: 103},
		Name:  "crates",
		Kind:  types.RelKindHeap,
	}
	info, err := th.CreateRelation(desc, "crates")
	require.NoError(t, err)

	xid, err := e.XLog().NewTransactionID()
	require.NoError(t, err)
	tid, err := e.Heap().Insert(info, []byte("row-to-reclaim"), xid, 0, false)
	require.NoError(t, err)
	_, err = e.Heap().Insert(info, []byte("row-to-keep"), xid, 0, false)
	require.NoError(t, err)
	require.NoError(t, e.XLog().HardCommit(xid, nil))

	// Simulate what vacuum's pass-1 classification would have marked dead,
	// without running a full vacuum, so compact's own effect is isolated.
	buf, err := e.Heap().ReadRawBlock(info.Rel, tid.Block)
	require.NoError(t, err)
	before := page.FreeSpace(buf)
	page.SetUnused(buf, tid.Offset)
	require.NoError(t, e.Heap().WriteRawBlock(info.Rel, tid.Block, buf))

	e.Pool().AddJobRequest(poolsweep.JobCompact, info.Rel, 1, nil)
	e.Pool().WaitNotify(1)

	buf, err = e.Heap().ReadRawBlock(info.Rel, tid.Block)
	require.NoError(t, err)
	require.Greater(t, page.FreeSpace(buf), before, "compact must reclaim the space behind an unused line pointer")
}

func TestDispatchJob_RelinkMovesTupleAndTagsTheOriginal(t *testing.T) {
	e := newTestEngine(t)
	th := e.NewThread(context.Background(), types.FirstNormalTransactionID)

	desc := catalog.RelationDescriptor{
		RelID: types.RelID{DBID: 1, Rel: 104},
		Name:  "drums",
		Kind:  types.RelKindHeap,
	}
	info, err := th.CreateRelation(desc, "drums")
	require.NoError(t, err)

	xid, err := e.XLog().NewTransactionID()
	require.NoError(t, err)
	tid, err := e.Heap().Insert(info, []byte("payload"), xid, 0, false)
	require.NoError(t, err)
	require.NoError(t, e.XLog().HardCommit(xid, nil))

	e.Pool().AddJobRequest(poolsweep.JobRelink, info.Rel, 1, map[string]string{
		"block":  strconv.FormatUint(uint64(tid.Block), 10),
		"offset": strconv.FormatUint(uint64(tid.Offset), 10),
	})
	e.Pool().WaitNotify(1)

	h, _, err := e.Heap().Fetch(info, tid)
	require.NoError(t, err)
	require.True(t, h.Infomask.Has(types.InfomaskMovedOut), "the original tuple must be tagged as relocated")
}

func TestDispatchJob_RelinkWithMissingArgsIsDroppedNotErrored(t *testing.T) {
	e := newTestEngine(t)
	th := e.NewThread(context.Background(), types.FirstNormalTransactionID)

	desc := catalog.RelationDescriptor{
		RelID: types.RelID{DBID: 1, Rel: 105},
		Name:  "kegs",
		Kind:  types.RelKindHeap,
	}
	info, err := th.CreateRelation(desc, "kegs")
	require.NoError(t, err)

	e.Pool().AddJobRequest(poolsweep.JobMove, info.Rel, 1, nil)
	e.Pool().WaitNotify(1) // must not hang or propagate an error despite missing block/offset args
}
