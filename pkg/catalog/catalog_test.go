package catalog

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weaverdb/wdbengine/pkg/freespace"
	"github.com/weaverdb/wdbengine/pkg/smgr"
	"github.com/weaverdb/wdbengine/pkg/types"
	"github.com/weaverdb/wdbengine/pkg/vacuum"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRelation(t *testing.T) {
	s := newTestStore(t)
	rel := types.RelID{DBID: 1, Rel: 100}
	desc := RelationDescriptor{
		RelID: rel,
		Name:  "widgets",
		Kind:  types.RelKindHeap,
		Attributes: []AttributeDescriptor{
			{Num: 1, Name: "id", Offset: 0},
			{Num: 2, Name: "payload", Offset: 8, Blob: true},
		},
	}
	require.NoError(t, s.CreateRelation(desc))

	got, ok, err := s.GetRelation(rel)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, desc, got)

	require.NoError(t, s.DeleteRelation(rel))
	_, ok, err = s.GetRelation(rel)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExtentPolicy_DefaultsThenOverridden(t *testing.T) {
	s := newTestStore(t)
	rel := types.RelID{DBID: 1, Rel: 101}

	policy, err := s.GetExtentPolicy(rel)
	require.NoError(t, err)
	require.Equal(t, freespace.DefaultExtentPolicy, policy)

	custom := freespace.ExtentPolicy{BlockCount: 16}
	require.NoError(t, s.SetExtentPolicy(rel, custom))

	policy, err = s.GetExtentPolicy(rel)
	require.NoError(t, err)
	require.Equal(t, custom, policy)
}

func TestStorageRelation_MissFallsBackToFalse(t *testing.T) {
	s := newTestStore(t)
	owner := types.RelID{DBID: 1, Rel: 102}

	_, ok := s.StorageRelation(owner, 2)
	require.False(t, ok)

	storage := smgr.Info{Rel: types.RelID{DBID: 1, Rel: 9000}, DBName: "db1", Name: "blobseg9000", Kind: types.RelKindHeap}
	require.NoError(t, s.SetStorageRelation(owner, 2, storage))

	got, ok := s.StorageRelation(owner, 2)
	require.True(t, ok)
	require.Equal(t, storage.Rel, got.Rel)
	require.Equal(t, storage.Name, got.Name)
}

func TestUpdateStatsInPlace_OverwritesSameRow(t *testing.T) {
	s := newTestStore(t)
	rel := types.RelID{DBID: 1, Rel: 103}

	require.NoError(t, s.UpdateStatsInPlace(rel, vacuum.Stats{RelPages: 4, RelTuples: 40}))
	require.NoError(t, s.UpdateStatsInPlace(rel, vacuum.Stats{RelPages: 3, RelTuples: 28, RelHasIndex: true}))

	stats, ok, err := s.GetStats(rel)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(3), stats.RelPages)
	require.Equal(t, uint64(28), stats.RelTuples)
	require.True(t, stats.RelHasIndex)
}

func encodeBlobHeaderForTest(h types.BlobHeader) []byte {
	b := make([]byte, blobHeaderWireLen)
	binary.LittleEndian.PutUint32(b[0:4], h.PointerLength)
	binary.LittleEndian.PutUint32(b[4:8], h.TotalLength)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.Start.Block))
	binary.LittleEndian.PutUint16(b[12:14], uint16(h.Start.Offset))
	binary.LittleEndian.PutUint32(b[14:18], h.StorageRel)
	return b
}

func TestBlobHeaders_DecodesMarkedAttributeOnly(t *testing.T) {
	s := newTestStore(t)
	rel := types.RelID{DBID: 1, Rel: 104}
	desc := RelationDescriptor{
		RelID: rel,
		Name:  "docs",
		Kind:  types.RelKindHeap,
		Attributes: []AttributeDescriptor{
			{Num: 1, Name: "id", Offset: 0},
			{Num: 2, Name: "body", Offset: 8, Blob: true},
		},
	}
	require.NoError(t, s.CreateRelation(desc))

	bh := types.NewBlobHeader(5000, types.ItemPointer{Block: 7, Offset: 1}, 9000)
	data := make([]byte, 8)
	data = append(data, encodeBlobHeaderForTest(bh)...)

	info := smgr.Info{Rel: rel}
	headers := s.BlobHeaders(info, types.ItemPointer{Block: 1, Offset: 1}, types.TupleHeader{}, data)
	require.Len(t, headers, 1)
	require.Equal(t, bh, headers[0])
}

func TestBTreeIndex_BulkDeleteReportsOnlyPresentTids(t *testing.T) {
	ix := NewBTreeIndex()
	a := types.ItemPointer{Block: 1, Offset: 1}
	b := types.ItemPointer{Block: 1, Offset: 2}
	ix.Insert(a)
	ix.Insert(b)
	require.Equal(t, 2, ix.Len())

	removed, err := ix.BulkDelete([]types.ItemPointer{a, {Block: 99, Offset: 1}})
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.False(t, ix.Contains(a))
	require.True(t, ix.Contains(b))
}
