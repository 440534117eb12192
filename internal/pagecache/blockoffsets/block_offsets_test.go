package blockoffsets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAbsentSentinels(t *testing.T) {
	b := New(4)
	assert.Equal(t, Offsets{Lo: -1, Hi: -1}, b.GetOffsets(7))
	assert.Equal(t, int32(0), b.GetReadableTo(7))
	assert.False(t, b.Contains(7))
}

func TestMakeReadableToIsMonotonic(t *testing.T) {
	b := New(4)
	assert.Equal(t, int32(10), b.MakeReadableTo(0, 10))
	assert.Equal(t, int32(10), b.MakeReadableTo(0, 3))
	assert.Equal(t, int32(20), b.MakeReadableTo(0, 20))
}

func TestInsertAndRemove(t *testing.T) {
	b := New(4)
	b.InsertOrUpdate(2, Offsets{Lo: 0, Hi: 4095})
	assert.True(t, b.Contains(2))
	assert.Equal(t, Offsets{Lo: 0, Hi: 4095}, b.GetOffsets(2))
	assert.False(t, b.Empty())

	b.RemoveBlock(2)
	assert.False(t, b.Contains(2))
	assert.True(t, b.Empty())
}

func TestReset(t *testing.T) {
	b := New(4)
	b.InsertOrUpdate(0, Offsets{Lo: 0, Hi: 10})
	b.MakeReadableTo(0, 5)
	b.Reset()
	assert.True(t, b.Empty())
	assert.Equal(t, int32(0), b.GetReadableTo(0))
}

func TestReadableOffsetsSnapshotIsACopy(t *testing.T) {
	b := New(4)
	b.MakeReadableTo(1, 9)
	snap := b.ReadableOffsets()
	snap[1] = 100
	assert.Equal(t, int32(9), b.GetReadableTo(1))
}
