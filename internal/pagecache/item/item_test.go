package item

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestItemDataSetAndLookup(t *testing.T) {
	d := newItemData()
	d.Set(0, 3, 15)
	assert.Equal(t, PageId(3), d.PageID(0))
	assert.Equal(t, int32(15), d.ReadableHi(0))
	assert.Equal(t, PageId(-1), d.PageID(99), "absent block reports -1")
}

func TestItemDataMakeReadableToIsMonotonic(t *testing.T) {
	d := newItemData()
	d.Set(0, 3, 4)
	d.MakeReadableTo(0, 2)
	assert.Equal(t, int32(4), d.ReadableHi(0), "lower offset never lowers the mark")
	d.MakeReadableTo(0, 10)
	assert.Equal(t, int32(10), d.ReadableHi(0))
}

func TestItemDataRemove(t *testing.T) {
	d := newItemData()
	d.Set(0, 3, 4)
	d.Remove(0)
	assert.Equal(t, PageId(-1), d.PageID(0))
}

func TestItemDataTruncateAfterSplitsOnByteIndex(t *testing.T) {
	d := newItemData()
	d.Set(0, 10, 15)
	d.Set(1, 11, 15)
	d.Set(2, 12, 15)

	removed := d.TruncateAfter(1, 4)

	assert.Equal(t, map[BlockId]PageId{1: 11, 2: 12}, removed)
	assert.Equal(t, PageId(10), d.PageID(0), "block before the cut survives untouched")
	assert.Equal(t, PageId(11), d.PageID(1), "from-block survives, only its readable-to shrinks")
	assert.Equal(t, int32(3), d.ReadableHi(1))
	assert.Equal(t, PageId(-1), d.PageID(2), "later block is dropped entirely")
}

func TestItemDataTruncateAfterAtBoundaryDropsFromBlockToo(t *testing.T) {
	d := newItemData()
	d.Set(1, 11, 15)
	removed := d.TruncateAfter(1, 0)
	assert.Equal(t, map[BlockId]PageId{1: 11}, removed)
	assert.Equal(t, PageId(-1), d.PageID(1), "byteIndex==0 drops the from-block too")
}

func TestItemDataSortedBlockIDs(t *testing.T) {
	d := newItemData()
	d.Set(5, 1, 0)
	d.Set(1, 2, 0)
	d.Set(3, 3, 0)
	assert.Equal(t, []BlockId{1, 3, 5}, d.SortedBlockIDs())
}

func TestNewItemStartsSynced(t *testing.T) {
	it := New(NewMetadata(time.Now()))
	assert.True(t, it.IsSynced)
	assert.Equal(t, uint32(0), it.Metadata.NLinks, "nlinks only grows via InsertInodeMapping")
}

func TestUpdateMetadataOnlySelectedFields(t *testing.T) {
	now := time.Now()
	it := New(NewMetadata(now))
	later := now.Add(time.Hour)

	it.UpdateMetadata(Metadata{Size: 42, MTime: later, NLinks: 7}, map[string]bool{
		FieldSize:  true,
		FieldMTime: true,
	})

	assert.Equal(t, int64(42), it.Metadata.Size)
	assert.True(t, it.Metadata.MTime.Equal(later))
	assert.Equal(t, uint32(0), it.Metadata.NLinks, "nlinks not in the update set stays untouched")
}
