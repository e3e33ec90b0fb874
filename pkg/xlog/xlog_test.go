package xlog

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weaverdb/wdbengine/pkg/smgr"
	"github.com/weaverdb/wdbengine/pkg/types"
	"github.com/weaverdb/wdbengine/pkg/vfs"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	dir := t.TempDir()
	table := vfs.NewTable(vfs.Config{OpenMax: 64, VFDAllocation: 1.0})
	mgr := smgr.New(dir, table, false)
	alloc, err := Bootstrap(mgr, Config{TransactionPrefetch: 4, ObjectIDPrefetch: 4})
	require.NoError(t, err)
	return alloc
}

func TestNewTransactionIDIncreasesMonotonically(t *testing.T) {
	a := newTestAllocator(t)

	first, err := a.NewTransactionID()
	require.NoError(t, err)
	second, err := a.NewTransactionID()
	require.NoError(t, err)

	require.True(t, first.Precedes(second))
}

func TestRefillAcrossBatchBoundary(t *testing.T) {
	a := newTestAllocator(t)

	var ids []types.TransactionID
	for i := 0; i < 10; i++ {
		xid, err := a.NewTransactionID()
		require.NoError(t, err)
		ids = append(ids, xid)
	}
	for i := 1; i < len(ids); i++ {
		require.True(t, ids[i-1].Precedes(ids[i]))
	}
}

func TestSetAndGetStatus(t *testing.T) {
	a := newTestAllocator(t)

	xid, err := a.NewTransactionID()
	require.NoError(t, err)

	require.NoError(t, a.SetStatus(xid, types.StatusCommitted))
	status, err := a.GetStatus(xid)
	require.NoError(t, err)
	require.Equal(t, types.StatusCommitted, status)
}

func TestGetStatusInvalidIsAborted(t *testing.T) {
	a := newTestAllocator(t)
	status, err := a.GetStatus(types.InvalidTransactionID)
	require.NoError(t, err)
	require.Equal(t, types.StatusAborted, status)
}

func TestRecoverRewritesSoftCommitsToAborted(t *testing.T) {
	a := newTestAllocator(t)

	xid1, _ := a.NewTransactionID()
	xid2, _ := a.NewTransactionID()
	xid3, _ := a.NewTransactionID()

	require.NoError(t, a.SoftCommit(xid1))
	require.NoError(t, a.HardCommit(xid2, nil))
	// xid3 left in-progress (never committed).

	require.NoError(t, a.Recover())

	s1, _ := a.GetStatus(xid1)
	require.Equal(t, types.StatusAborted, s1)

	s2, _ := a.GetStatus(xid2)
	require.Equal(t, types.StatusCommitted, s2)

	s3, _ := a.GetStatus(xid3)
	require.Equal(t, types.StatusAborted, s3)
}

func TestNewObjectIDIncreases(t *testing.T) {
	a := newTestAllocator(t)
	first, err := a.NewObjectID()
	require.NoError(t, err)
	second, err := a.NewObjectID()
	require.NoError(t, err)
	require.Less(t, first, second)
}

func TestSetAndGetLowWater(t *testing.T) {
	a := newTestAllocator(t)
	require.NoError(t, a.SetLowWater(5, 700))
	require.Equal(t, types.TransactionID(700), a.LowWater(5))
	require.Equal(t, types.InvalidTransactionID, a.LowWater(999))
}
