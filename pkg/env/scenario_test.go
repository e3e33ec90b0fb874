package env

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weaverdb/wdbengine/pkg/catalog"
	"github.com/weaverdb/wdbengine/pkg/freespace"
	"github.com/weaverdb/wdbengine/pkg/page"
	"github.com/weaverdb/wdbengine/pkg/types"
)

// These tests walk the end-to-end scenarios through the composed Engine
// rather than any one subsystem in isolation, exercising the literal
// values and cross-package wiring the package-level suites don't touch.

func TestScenario_InsertScanSingleTuple(t *testing.T) {
	e := newTestEngine(t)
	th := e.NewThread(context.Background(), types.FirstNormalTransactionID)
	require.Equal(t, types.TransactionID(514), th.XID)

	desc := catalog.RelationDescriptor{
		RelID: types.RelID{DBID: 1, Rel: 500},
		Name:  "r",
		Kind:  types.RelKindHeap,
	}
	info, err := th.CreateRelation(desc, "r")
	require.NoError(t, err)

	tid, err := e.Heap().Insert(info, []byte{42}, th.XID, th.CID, false)
	require.NoError(t, err)

	before := types.Snapshot{Xmin: 514, Xmax: 515, InProgress: map[types.TransactionID]struct{}{514: {}}}
	_, _, visible, err := e.Heap().FetchVisible(info, tid, before, e.XLog())
	require.NoError(t, err)
	require.False(t, visible, "insert is still in-progress under a snapshot that lists its xid as in progress")

	require.NoError(t, e.XLog().HardCommit(th.XID, nil))

	after := types.Snapshot{Xmin: 515, Xmax: 516, InProgress: map[types.TransactionID]struct{}{}}
	h, data, visible, err := e.Heap().FetchVisible(info, tid, after, e.XLog())
	require.NoError(t, err)
	require.True(t, visible)
	require.Equal(t, []byte{42}, data)
	require.True(t, h.Infomask.Has(types.InfomaskXminCommitted), "xmin hint bit is set once resolved committed")
}

func TestScenario_ConcurrentUpdate(t *testing.T) {
	e := newTestEngine(t)

	desc := catalog.RelationDescriptor{
		RelID: types.RelID{DBID: 1, Rel: 501},
		Name:  "r",
		Kind:  types.RelKindHeap,
	}
	seed := e.NewThread(context.Background(), types.FirstNormalTransactionID)
	info, err := seed.CreateRelation(desc, "r")
	require.NoError(t, err)

	tid, err := e.Heap().Insert(info, []byte{1}, seed.XID, 0, false)
	require.NoError(t, err)
	require.NoError(t, e.XLog().HardCommit(seed.XID, nil))

	xidA := types.TransactionID(600)
	newTid, result, err := e.Heap().Update(info, tid, []byte{2}, xidA, 0, e.XLog())
	require.NoError(t, err)
	require.Equal(t, types.UpdateMayBeUpdated, result)

	xidB := types.TransactionID(601)
	_, resultB, err := e.Heap().Update(info, tid, []byte{9}, xidB, 0, e.XLog())
	require.NoError(t, err)
	require.Equal(t, types.UpdateBeingUpdated, resultB, "B sees A's uncommitted update and must wait")

	require.NoError(t, e.XLog().HardCommit(xidA, nil))

	latest, err := e.Heap().GetLatestTid(info, tid, e.XLog())
	require.NoError(t, err)
	require.True(t, latest.Equal(newTid))

	finalTid, resultC, err := e.Heap().Update(info, latest, []byte{3}, xidB, 0, e.XLog())
	require.NoError(t, err)
	require.Equal(t, types.UpdateMayBeUpdated, resultC)
	require.NoError(t, e.XLog().HardCommit(xidB, nil))

	final := types.Snapshot{Xmin: 602, Xmax: 602, InProgress: map[types.TransactionID]struct{}{}}
	_, data, visible, err := e.Heap().FetchVisible(info, finalTid, final, e.XLog())
	require.NoError(t, err)
	require.True(t, visible)
	require.Equal(t, []byte{3}, data)
}

func TestScenario_SoftCommitRecovery(t *testing.T) {
	e := newTestEngine(t)

	desc := catalog.RelationDescriptor{
		RelID: types.RelID{DBID: 1, Rel: 502},
		Name:  "r",
		Kind:  types.RelKindHeap,
	}
	th := e.NewThread(context.Background(), types.FirstNormalTransactionID)
	info, err := th.CreateRelation(desc, "r")
	require.NoError(t, err)

	var xid types.TransactionID
	for xid < 800 {
		xid, err = e.XLog().NewTransactionID()
		require.NoError(t, err)
	}
	require.Equal(t, types.TransactionID(800), xid)
	tid, err := e.Heap().Insert(info, []byte{7}, xid, 0, false)
	require.NoError(t, err)
	require.NoError(t, e.XLog().SoftCommit(xid))

	// A soft commit that never reaches a hard commit or checkpoint is
	// recovered as aborted the next time the transaction log runs recovery,
	// standing in for the crash-before-sync scenario.
	require.NoError(t, e.XLog().Recover())

	status, err := e.XLog().GetStatus(xid)
	require.NoError(t, err)
	require.Equal(t, types.StatusAborted, status)

	snap := types.Snapshot{Xmin: 801, Xmax: 801, InProgress: map[types.TransactionID]struct{}{}}
	_, _, visible, err := e.Heap().FetchVisible(info, tid, snap, e.XLog())
	require.NoError(t, err)
	require.False(t, visible)
}

func TestScenario_VacuumReclaim(t *testing.T) {
	e := newTestEngine(t)

	desc := catalog.RelationDescriptor{
		RelID: types.RelID{DBID: 1, Rel: 503},
		Name:  "r",
		Kind:  types.RelKindHeap,
	}
	th := e.NewThread(context.Background(), types.FirstNormalTransactionID)
	info, err := th.CreateRelation(desc, "r")
	require.NoError(t, err)

	const rowCount = 1000
	tids := make([]types.ItemPointer, rowCount)
	for i := 0; i < rowCount; i++ {
		xid, err := e.XLog().NewTransactionID()
		require.NoError(t, err)
		tid, err := e.Heap().Insert(info, []byte{byte(i)}, xid, 0, false)
		require.NoError(t, err)
		require.NoError(t, e.XLog().HardCommit(xid, nil))
		tids[i] = tid
	}

	delXid, err := e.XLog().NewTransactionID()
	require.NoError(t, err)
	deleted := 0
	for i, tid := range tids {
		if i%2 != 0 {
			continue
		}
		_, err := e.Heap().Delete(info, tid, delXid, 0, e.XLog())
		require.NoError(t, err)
		deleted++
	}
	require.NoError(t, e.XLog().HardCommit(delXid, nil))
	require.Equal(t, 500, deleted)

	th.RequestVacuum(info.Rel, info.Rel.DBID)
	e.Pool().WaitNotify(info.Rel.DBID)

	stats, ok, err := e.Catalog().GetStats(info.Rel)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(500), stats.RelTuples)
}

func TestScenario_FreespaceExtent(t *testing.T) {
	e := newTestEngine(t)

	desc := catalog.RelationDescriptor{
		RelID: types.RelID{DBID: 1, Rel: 504},
		Name:  "r",
		Kind:  types.RelKindHeap,
	}
	th := e.NewThread(context.Background(), types.FirstNormalTransactionID)
	info, err := th.CreateRelation(desc, "r")
	require.NoError(t, err)

	policy := freespace.ExtentPolicy{Percentage: true, PercentOf: 0.10}
	require.NoError(t, e.SetExtentPolicy(info.Rel, policy))

	scratch := make([]byte, page.Size)
	page.Init(scratch)

	_, err = e.Freespace().PerformAllocation(info, scratch, 100)
	require.NoError(t, err)

	before, err := e.Heap().NBlocks(info.Rel)
	require.NoError(t, err)
	require.Equal(t, types.BlockNumber(100), before)

	recommended := e.Freespace().RecommendAllocation(info, policy)
	require.Equal(t, 10, recommended, "10 percent of 100 blocks, already within the [3,Nbuffers] clamp")

	_, err = e.Freespace().PerformAllocation(info, scratch, recommended)
	require.NoError(t, err)

	after, err := e.Heap().NBlocks(info.Rel)
	require.NoError(t, err)
	require.Equal(t, types.BlockNumber(110), after)
}

func TestScenario_BlobRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	desc := catalog.RelationDescriptor{
		RelID: types.RelID{DBID: 1, Rel: 505},
		Name:  "r",
		Kind:  types.RelKindHeap,
	}
	th := e.NewThread(context.Background(), types.FirstNormalTransactionID)
	info, err := th.CreateRelation(desc, "r")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{'A'}, 3000)
	w := e.Blob().OpenWrite(info, th.XID, th.CID)
	w.Write(payload)
	header, err := w.CloseWrite()
	require.NoError(t, err)
	require.True(t, header.IsIndirect())
	require.Equal(t, uint32(3000), header.TotalLength)

	r := e.Blob().OpenRead(info, header)
	var out []byte
	for !r.Done() {
		chunk, err := r.Read(500)
		require.NoError(t, err)
		if len(chunk) == 0 {
			break
		}
		out = append(out, chunk...)
	}
	require.Equal(t, payload, out)
}
