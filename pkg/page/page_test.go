package page

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weaverdb/wdbengine/pkg/types"
)

func TestInitEmptyPage(t *testing.T) {
	buf := make([]byte, Size)
	Init(buf)

	require.Equal(t, types.OffsetNumber(0), MaxOffsetNumber(buf))
	require.Equal(t, Size-headerLen, FreeSpace(buf))
}

func TestAddAndGetItem(t *testing.T) {
	buf := make([]byte, Size)
	Init(buf)

	off1, err := AddItem(buf, []byte("first tuple"))
	require.NoError(t, err)
	require.Equal(t, types.FirstOffsetNumber, off1)

	off2, err := AddItem(buf, []byte("second"))
	require.NoError(t, err)
	require.Equal(t, types.OffsetNumber(2), off2)

	got1, ok := GetItem(buf, off1)
	require.True(t, ok)
	require.Equal(t, "first tuple", string(got1))

	got2, ok := GetItem(buf, off2)
	require.True(t, ok)
	require.Equal(t, "second", string(got2))
}

func TestAddItemFailsWhenFull(t *testing.T) {
	buf := make([]byte, 64)
	Init(buf)

	_, err := AddItem(buf, make([]byte, 1000))
	require.Error(t, err)
}

func TestSetUnusedThenReuseSlot(t *testing.T) {
	buf := make([]byte, Size)
	Init(buf)

	off1, _ := AddItem(buf, []byte("aaaa"))
	_, _ = AddItem(buf, []byte("bbbb"))

	SetUnused(buf, off1)
	_, ok := GetItem(buf, off1)
	require.False(t, ok)

	off3, err := AddItem(buf, []byte("cccc"))
	require.NoError(t, err)
	require.Equal(t, off1, off3, "dead slot should be reused before growing the line pointer array")
}

func TestCompactPreservesOffsetNumbers(t *testing.T) {
	buf := make([]byte, Size)
	Init(buf)

	off1, _ := AddItem(buf, []byte("one"))
	off2, _ := AddItem(buf, []byte("two"))
	off3, _ := AddItem(buf, []byte("three"))

	SetUnused(buf, off2)
	Compact(buf)

	v1, ok := GetItem(buf, off1)
	require.True(t, ok)
	require.Equal(t, "one", string(v1))

	_, ok = GetItem(buf, off2)
	require.False(t, ok)

	v3, ok := GetItem(buf, off3)
	require.True(t, ok)
	require.Equal(t, "three", string(v3))
}

func TestSetItemPatchesInPlace(t *testing.T) {
	buf := make([]byte, Size)
	Init(buf)

	off, err := AddItem(buf, []byte("aaaa"))
	require.NoError(t, err)

	require.NoError(t, SetItem(buf, off, []byte("bbbb")))
	got, ok := GetItem(buf, off)
	require.True(t, ok)
	require.Equal(t, "bbbb", string(got))

	require.Error(t, SetItem(buf, off, []byte("too long")))
}
