package smgr

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/weaverdb/wdbengine/pkg/page"
	"github.com/weaverdb/wdbengine/pkg/types"
)

func TestShadowLogReplayAppliesCommittedPages(t *testing.T) {
	dir := t.TempDir()

	sl, err := NewShadowLog(dir)
	require.NoError(t, err)

	buf := make([]byte, page.Size)
	page.Init(buf)
	_, err = page.AddItem(buf, []byte("recovered"))
	require.NoError(t, err)

	require.NoError(t, sl.BeginLog())
	require.NoError(t, sl.LogBlock(1, 100, types.RelKindHeap, 0, buf))
	require.NoError(t, sl.CommitLog())
	require.NoError(t, sl.Close())

	var applied [][]byte
	_, err = ReplayLogs(dir, func(dbID, rel uint32, kind types.RelKind, block types.BlockNumber, pageBuf []byte) error {
		cp := make([]byte, len(pageBuf))
		copy(cp, pageBuf)
		applied = append(applied, cp)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, applied, 1)

	item, ok := page.GetItem(applied[0], types.FirstOffsetNumber)
	require.True(t, ok)
	require.Equal(t, "recovered", string(item))
}

func TestShadowLogIncompleteTransactionNotReplayed(t *testing.T) {
	dir := t.TempDir()

	sl, err := NewShadowLog(dir)
	require.NoError(t, err)

	buf := make([]byte, page.Size)
	page.Init(buf)

	require.NoError(t, sl.BeginLog())
	require.NoError(t, sl.LogBlock(1, 100, types.RelKindHeap, 0, buf))
	// No CommitLog: header stays completed=false.
	require.NoError(t, sl.Close())

	applied := 0
	_, err = ReplayLogs(dir, func(dbID, rel uint32, kind types.RelKind, block types.BlockNumber, pageBuf []byte) error {
		applied++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, applied)
}

func TestExpireLogTruncatesMainLog(t *testing.T) {
	dir := t.TempDir()

	sl, err := NewShadowLog(dir)
	require.NoError(t, err)

	buf := make([]byte, page.Size)
	page.Init(buf)

	require.NoError(t, sl.BeginLog())
	require.NoError(t, sl.LogBlock(1, 200, types.RelKindIndex, 0, buf))
	require.NoError(t, sl.CommitLog())
	require.NoError(t, sl.ExpireLog())

	fi, err := sl.logFile.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(0), fi.Size())
	require.NoError(t, sl.Close())
}
