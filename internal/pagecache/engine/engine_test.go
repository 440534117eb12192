package engine

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyfs-go/pagecache/internal/pagecache"
)

const (
	ioBlockSize   = 16
	cachePageSize = 32 // 2 blocks/page
)

func writeReq(data string, preferred PageId) AllocateRequest {
	return AllocateRequest{Data: []byte(data), OffsetInBlock: 0, PreferredPage: preferred}
}

func TestAllocateBlocksFillsPoolThenFails(t *testing.T) {
	e := New(2, ioBlockSize, cachePageSize, false, nil)

	res := e.AllocateBlocks("owner-a", map[BlockId]AllocateRequest{
		0: writeReq("A", -1),
		1: writeReq("B", -1),
		2: writeReq("C", -1),
		3: writeReq("D", -1),
	}, pagecache.OpWrite)

	assert.Len(t, res, 4)
	placed := 0
	for _, pid := range res {
		if pid >= 0 {
			placed++
		}
	}
	assert.Equal(t, 4, placed, "2 pages * 2 blocks/page fit exactly")

	res2 := e.AllocateBlocks("owner-a", map[BlockId]AllocateRequest{4: writeReq("E", -1)}, pagecache.OpWrite)
	assert.Equal(t, PageId(-1), res2[4], "pool is full, eviction disabled")
}

func TestAllocateBlocksReadsBack(t *testing.T) {
	e := New(4, ioBlockSize, cachePageSize, false, nil)
	res := e.AllocateBlocks("owner-a", map[BlockId]AllocateRequest{0: writeReq("HELLO", -1)}, pagecache.OpWrite)
	pageID := res[0]
	require.GreaterOrEqual(t, int(pageID), 0)
	e.MakeBlockReadableToOffset("owner-a", pageID, 0, 4)

	dst := make([]byte, 5)
	got := e.GetBlocks("owner-a", map[BlockId]GetRequest{0: {PageID: pageID, Dst: dst, ReadToMaxIndex: 4}})
	assert.True(t, got[0])
	assert.Equal(t, "HELLO", string(dst))
}

func TestEvictionFlushesDirtyVictim(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/backing"
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(64))
	require.NoError(t, f.Close())

	resolver := func(owner OwnerID) (string, bool) { return path, true }
	e := New(1, ioBlockSize, cachePageSize, true, resolver)

	res1 := e.AllocateBlocks("owner-a", map[BlockId]AllocateRequest{0: writeReq("AAAAAAAAAAAAAAAA", -1)}, pagecache.OpWrite)
	pageA := res1[0]
	e.MakeBlockReadableToOffset("owner-a", pageA, 0, ioBlockSize-1)

	// owner-b's allocation must evict owner-a's only page, flushing it first.
	res2 := e.AllocateBlocks("owner-b", map[BlockId]AllocateRequest{0: writeReq("BBBBBBBBBBBBBBBB", -1)}, pagecache.OpWrite)
	assert.GreaterOrEqual(t, int(res2[0]), 0)

	assert.False(t, e.IsBlockCached("owner-a", pageA, 0))

	flushed, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAAAAAAAAAA", string(flushed[0:16]))
}

func TestSyncPagesCoalescesContiguousRun(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/backing"
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(64))
	require.NoError(t, f.Close())

	e := New(4, ioBlockSize, cachePageSize, false, nil)
	res := e.AllocateBlocks("owner-a", map[BlockId]AllocateRequest{
		0: writeReq("AAAAAAAAAAAAAAAA", -1),
		1: writeReq("BBBBBBBBBBBBBBBB", -1),
		3: writeReq("DDDDDDDDDDDDDDDD", -1),
	}, pagecache.OpWrite)
	for blockID, pageID := range res {
		e.MakeBlockReadableToOffset("owner-a", pageID, blockID, ioBlockSize-1)
	}

	require.NoError(t, e.SyncPages("owner-a", -1, path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAAAAAAAAAAAA", string(got[0:16]))
	assert.Equal(t, "BBBBBBBBBBBBBBBB", string(got[16:32]))
	assert.Equal(t, "DDDDDDDDDDDDDDDD", string(got[48:64]))

	for blockID, pageID := range res {
		assert.True(t, e.IsBlockCached("owner-a", pageID, blockID), "sync does not evict, only flushes")
	}
	usage := e.GetEngineUsage()
	assert.Equal(t, 0, usage.DirtyPages, "sync clears dirty flags")
}

func TestSyncPagesTruncatesBackingFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/backing"
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))

	e := New(2, ioBlockSize, cachePageSize, false, nil)
	require.NoError(t, e.SyncPages("owner-a", 10, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size())
}

func TestSyncPagesWrapsBackingIOErrorOnOpenFailure(t *testing.T) {
	e := New(4, ioBlockSize, cachePageSize, false, nil)
	res := e.AllocateBlocks("owner-a", map[BlockId]AllocateRequest{
		0: writeReq("AAAAAAAAAAAAAAAA", -1),
	}, pagecache.OpWrite)
	e.MakeBlockReadableToOffset("owner-a", res[0], 0, ioBlockSize-1)

	err := e.SyncPages("owner-a", -1, "/no/such/directory/backing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackingIO)
}

func TestTruncateCachedBlocksZeroesLastBlockAndDropsRest(t *testing.T) {
	e := New(4, ioBlockSize, cachePageSize, false, nil)
	res := e.AllocateBlocks("owner-a", map[BlockId]AllocateRequest{
		0: writeReq("AAAAAAAAAAAAAAAA", -1),
		1: writeReq("BBBBBBBBBBBBBBBB", -1),
	}, pagecache.OpWrite)
	for blockID, pageID := range res {
		e.MakeBlockReadableToOffset("owner-a", pageID, blockID, ioBlockSize-1)
	}

	e.TruncateCachedBlocks("owner-a", map[BlockId]PageId{0: res[0], 1: res[1]}, 0, 4)

	assert.True(t, e.IsBlockCached("owner-a", res[0], 0), "from-block is zeroed in place, not dropped")
	assert.False(t, e.IsBlockCached("owner-a", res[1], 1), "later block is dropped entirely")
}

func TestRenameOwnerPagesMovesIndexAndFailsForUnknown(t *testing.T) {
	e := New(2, ioBlockSize, cachePageSize, false, nil)
	res := e.AllocateBlocks("owner-a", map[BlockId]AllocateRequest{0: writeReq("X", -1)}, pagecache.OpWrite)

	require.NoError(t, e.RenameOwnerPages("owner-a", "owner-z"))
	assert.True(t, e.IsBlockCached("owner-z", res[0], 0))
	assert.False(t, e.IsBlockCached("owner-a", res[0], 0))

	assert.ErrorIs(t, e.RenameOwnerPages("owner-unknown", "owner-q"), ErrUnknownOwner)
}

func TestRemoveCachedBlocksFreesPagesRegardlessOfDirty(t *testing.T) {
	e := New(1, ioBlockSize, cachePageSize, false, nil)
	e.AllocateBlocks("owner-a", map[BlockId]AllocateRequest{0: writeReq("X", -1)}, pagecache.OpWrite)

	e.RemoveCachedBlocks("owner-a")

	usage := e.GetEngineUsage()
	assert.Equal(t, 1, usage.FreePages)
	assert.Equal(t, 0, usage.DirtyPages)
}
