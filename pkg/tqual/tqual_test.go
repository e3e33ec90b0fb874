package tqual

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weaverdb/wdbengine/pkg/types"
)

type fakeStatus map[types.TransactionID]types.TransactionStatus

func (f fakeStatus) GetStatus(xid types.TransactionID) (types.TransactionStatus, error) {
	if xid == types.InvalidTransactionID {
		return types.StatusAborted, nil
	}
	if s, ok := f[xid]; ok {
		return s, nil
	}
	return types.StatusInProgress, nil
}

func TestSatisfiesNow_CommittedInsertNoDelete(t *testing.T) {
	src := fakeStatus{1: types.StatusCommitted}
	tup := &types.TupleHeader{Xmin: 1}

	ok, err := SatisfiesNow(tup, src)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, tup.Infomask.Has(types.InfomaskXminCommitted))
}

func TestSatisfiesNow_InProgressInsertInvisible(t *testing.T) {
	src := fakeStatus{}
	tup := &types.TupleHeader{Xmin: 5}

	ok, err := SatisfiesNow(tup, src)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSatisfiesNow_CommittedDeleteInvisible(t *testing.T) {
	src := fakeStatus{1: types.StatusCommitted, 2: types.StatusCommitted}
	tup := &types.TupleHeader{Xmin: 1, Xmax: 2}

	ok, err := SatisfiesNow(tup, src)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSatisfiesItself_OwnUncommittedInsertVisible(t *testing.T) {
	src := fakeStatus{}
	tup := &types.TupleHeader{Xmin: 9, Union: types.CmdOrVacuumXid{CMin: 1}}

	ok, err := SatisfiesItself(tup, 9, 2, src)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSatisfiesItself_OwnLaterCommandInvisible(t *testing.T) {
	src := fakeStatus{}
	tup := &types.TupleHeader{Xmin: 9, Union: types.CmdOrVacuumXid{CMin: 5}}

	ok, err := SatisfiesItself(tup, 9, 2, src)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSatisfiesDirty_ReportsInProgressWriter(t *testing.T) {
	src := fakeStatus{}
	tup := &types.TupleHeader{Xmin: 7}

	visible, waitFor, err := SatisfiesDirty(tup, src)
	require.NoError(t, err)
	require.False(t, visible)
	require.Equal(t, types.TransactionID(7), waitFor)
}

func TestSatisfiesSnapshot_ExcludesInProgressXmin(t *testing.T) {
	snap := types.NewSnapshot([]types.TransactionID{10}, 20)
	src := fakeStatus{10: types.StatusCommitted}
	tup := &types.TupleHeader{Xmin: 10}

	ok, err := SatisfiesSnapshot(tup, snap, src)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSatisfiesSnapshot_IncludesPriorCommitted(t *testing.T) {
	snap := types.NewSnapshot([]types.TransactionID{15}, 20)
	src := fakeStatus{3: types.StatusCommitted}
	tup := &types.TupleHeader{Xmin: 3}

	ok, err := SatisfiesSnapshot(tup, snap, src)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSatisfiesUpdate_ConcurrentCommittedDeleterIsUpdated(t *testing.T) {
	src := fakeStatus{1: types.StatusCommitted, 2: types.StatusCommitted}
	tup := &types.TupleHeader{Xmin: 1, Xmax: 2}

	res, err := SatisfiesUpdate(tup, 99, 0, src)
	require.NoError(t, err)
	require.Equal(t, types.UpdateUpdated, res)
}

func TestSatisfiesUpdate_SelfDeletedIsSelfUpdated(t *testing.T) {
	src := fakeStatus{1: types.StatusCommitted}
	tup := &types.TupleHeader{Xmin: 1, Xmax: 42, Union: types.CmdOrVacuumXid{CMax: 3}}

	res, err := SatisfiesUpdate(tup, 42, 5, src)
	require.NoError(t, err)
	require.Equal(t, types.UpdateSelfUpdated, res)
}

func TestSatisfiesUpdate_MayBeUpdatedWhenNoDeleter(t *testing.T) {
	src := fakeStatus{1: types.StatusCommitted}
	tup := &types.TupleHeader{Xmin: 1}

	res, err := SatisfiesUpdate(tup, 99, 0, src)
	require.NoError(t, err)
	require.Equal(t, types.UpdateMayBeUpdated, res)
}

func TestSatisfiesVacuum_OldCommittedDeleteIsDead(t *testing.T) {
	src := fakeStatus{1: types.StatusCommitted, 2: types.StatusCommitted}
	tup := &types.TupleHeader{Xmin: 1, Xmax: 2}

	class, err := SatisfiesVacuum(tup, 100, src)
	require.NoError(t, err)
	require.Equal(t, types.VacuumDead, class)
}

func TestSatisfiesVacuum_RecentDeleteIsRecentlyDead(t *testing.T) {
	src := fakeStatus{1: types.StatusCommitted, 150: types.StatusCommitted}
	tup := &types.TupleHeader{Xmin: 1, Xmax: 150}

	class, err := SatisfiesVacuum(tup, 100, src)
	require.NoError(t, err)
	require.Equal(t, types.VacuumRecentlyDead, class)
}

func TestSatisfiesVacuum_AbortedInsertIsStillborn(t *testing.T) {
	src := fakeStatus{1: types.StatusAborted}
	tup := &types.TupleHeader{Xmin: 1}

	class, err := SatisfiesVacuum(tup, 100, src)
	require.NoError(t, err)
	require.Equal(t, types.VacuumStillborn, class)
}

func TestSatisfiesVacuum_LiveTuple(t *testing.T) {
	src := fakeStatus{1: types.StatusCommitted}
	tup := &types.TupleHeader{Xmin: 1}

	class, err := SatisfiesVacuum(tup, 100, src)
	require.NoError(t, err)
	require.Equal(t, types.VacuumLive, class)
}
