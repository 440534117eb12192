package page

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyfs-go/pagecache/internal/fault"
)

const (
	ioBlockSize   = 16
	cachePageSize = 32
)

// memWriter is an io.WriterAt backed by an in-memory buffer, standing in
// for a backing file in tests.
type memWriter struct {
	buf []byte
}

func (m *memWriter) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(m.buf) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:end], p)
	return len(p), nil
}

func TestAllocateWriteReadRoundTrip(t *testing.T) {
	p := New(0, ioBlockSize, cachePageSize)
	off, err := p.AllocateFreeOffset(0)
	require.NoError(t, err)
	assert.Equal(t, Offsets{Lo: 0, Hi: 15}, off)

	require.NoError(t, p.UpdateBlockData(0, []byte("HELLO"), 0))
	assert.True(t, p.IsDirty())

	p.MakeBlockReadableTo(0, 4)
	buf := make([]byte, 5)
	require.NoError(t, p.GetBlockData(0, buf, 4))
	assert.Equal(t, "HELLO", string(buf))
}

func TestAllocateFreeOffsetExhausted(t *testing.T) {
	p := New(0, ioBlockSize, cachePageSize)
	_, err := p.AllocateFreeOffset(0)
	require.NoError(t, err)
	_, err = p.AllocateFreeOffset(1)
	require.NoError(t, err)
	_, err = p.AllocateFreeOffset(2)
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestUpdateBlockDataRejectsOverflow(t *testing.T) {
	p := New(0, ioBlockSize, cachePageSize)
	_, err := p.AllocateFreeOffset(0)
	require.NoError(t, err)
	err = p.UpdateBlockData(0, bytes.Repeat([]byte{1}, ioBlockSize+1), 0)
	assert.ErrorIs(t, err, ErrDataTooLarge)
}

func TestRemoveBlockClearsDirtyWhenEmpty(t *testing.T) {
	p := New(0, ioBlockSize, cachePageSize)
	_, err := p.AllocateFreeOffset(0)
	require.NoError(t, err)
	require.NoError(t, p.UpdateBlockData(0, []byte("x"), 0))
	assert.True(t, p.IsDirty())

	p.RemoveBlock(0)
	assert.False(t, p.ContainsBlock(0))
	assert.False(t, p.IsDirty())
}

func TestWriteNullFromZeroesAndTruncatesReadableTo(t *testing.T) {
	p := New(0, ioBlockSize, cachePageSize)
	_, err := p.AllocateFreeOffset(0)
	require.NoError(t, err)
	require.NoError(t, p.UpdateBlockData(0, bytes.Repeat([]byte{0xFF}, ioBlockSize), 0))
	p.MakeBlockReadableTo(0, int32(ioBlockSize-1))

	p.WriteNullFrom(0, 4)
	assert.Equal(t, int32(3), p.ReadableTo(0))

	buf := make([]byte, ioBlockSize)
	// Bypass GetBlockData's readable bound and inspect raw bytes via a
	// full-block sync to a memory writer instead.
	w := &memWriter{}
	ok, err := p.SyncData(w, nil, "")
	require.NoError(t, err)
	assert.True(t, ok)
	copy(buf, w.buf[:ioBlockSize])
	for i := 4; i < ioBlockSize; i++ {
		assert.Equal(t, byte(0), buf[i], "byte %d should be zeroed", i)
	}
	for i := 0; i < 4; i++ {
		assert.Equal(t, byte(0xFF), buf[i])
	}
}

func TestSyncDataWritesAtBlockOffset(t *testing.T) {
	p := New(0, ioBlockSize, cachePageSize)
	_, err := p.AllocateFreeOffset(0)
	require.NoError(t, err)
	_, err = p.AllocateFreeOffset(1)
	require.NoError(t, err)
	require.NoError(t, p.UpdateBlockData(0, []byte("AAAAAAAAAAAAAAAA"), 0))
	require.NoError(t, p.UpdateBlockData(1, []byte("BBBBBBBBBBBBBBBB"), 0))
	p.MakeBlockReadableTo(0, ioBlockSize-1)
	p.MakeBlockReadableTo(1, ioBlockSize-1)

	w := &memWriter{}
	ok, err := p.SyncData(w, nil, "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, p.IsDirty())
	assert.Equal(t, "AAAAAAAAAAAAAAAA", string(w.buf[0:16]))
	assert.Equal(t, "BBBBBBBBBBBBBBBB", string(w.buf[16:32]))
}

func TestSyncDataHonorsTornWriteFaultOnVictimFlush(t *testing.T) {
	p := New(0, ioBlockSize, cachePageSize)
	_, err := p.AllocateFreeOffset(0)
	require.NoError(t, err)
	require.NoError(t, p.UpdateBlockData(0, bytes.Repeat([]byte{0xAB}, ioBlockSize), 0))
	p.MakeBlockReadableTo(0, ioBlockSize-1)

	sw, err := fault.FromParts(`^/data/x$`, 1, 2, []int{0})
	require.NoError(t, err)
	inj := fault.New()
	inj.Register(fault.Before, fault.OpWrite, sw)

	w := &memWriter{}
	ok, err := p.SyncData(w, inj, "/data/x")
	assert.ErrorIs(t, err, fault.ErrSimulatedCrash)
	assert.False(t, ok)
	assert.True(t, p.IsDirty(), "a crashed flush must not clear dirty")
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, ioBlockSize/2), w.buf[:ioBlockSize/2])
}

func TestResetReseedsFreeSlotsAndKeepsOwner(t *testing.T) {
	p := New(0, ioBlockSize, cachePageSize)
	p.ChangeOwner("inode-1")
	_, err := p.AllocateFreeOffset(0)
	require.NoError(t, err)
	require.NoError(t, p.UpdateBlockData(0, []byte("x"), 0))

	p.Reset()
	assert.False(t, p.IsDirty())
	assert.False(t, p.ContainsBlock(0))
	assert.True(t, p.HasFreeSpace())
	assert.Equal(t, "inode-1", p.Owner())

	_, err = p.AllocateFreeOffset(0)
	assert.NoError(t, err)
	_, err = p.AllocateFreeOffset(1)
	assert.NoError(t, err)
}

var _ io.WriterAt = (*memWriter)(nil)
