// Package item implements the per-file block→page index and metadata
// (§3 Item/ItemData/Metadata, §4.D's per-item half of the Cache
// contract). An Item is only ever touched with its owning Cache's
// per-item lock held (§5) — nothing in this package takes a lock of
// its own.
package item

import (
	"sort"

	"github.com/lazyfs-go/pagecache/internal/pagecache"
)

type BlockId = pagecache.BlockId
type PageId = pagecache.PageId

// blockInfo is one entry of ItemData: which page a block lives on, and
// how much of it is known-readable (original_source's BlockInfo).
type blockInfo struct {
	pageID     PageId
	readableHi int32 // -1 means nothing readable yet
}

// ItemData maps BlockId → blockInfo for one file.
type ItemData struct {
	blocks map[BlockId]*blockInfo
}

func newItemData() *ItemData {
	return &ItemData{blocks: make(map[BlockId]*blockInfo)}
}

// PageID returns the page a block lives on, or -1 if absent.
func (d *ItemData) PageID(blockID BlockId) PageId {
	if bi, ok := d.blocks[blockID]; ok {
		return bi.pageID
	}
	return -1
}

// Set records block's placement and readable high-water mark,
// overwriting any previous entry.
func (d *ItemData) Set(blockID BlockId, pageID PageId, readableHi int32) {
	d.blocks[blockID] = &blockInfo{pageID: pageID, readableHi: readableHi}
}

// MakeReadableTo raises blockID's high-water mark if present, matching
// BlockOffsets' monotonic semantics (§4.A), and is a no-op otherwise.
func (d *ItemData) MakeReadableTo(blockID BlockId, offset int32) {
	if bi, ok := d.blocks[blockID]; ok && offset > bi.readableHi {
		bi.readableHi = offset
	}
}

// Remove drops blockID's entry entirely (§4.D put_data_blocks failure
// path: "on failure, removes the block from the item's map").
func (d *ItemData) Remove(blockID BlockId) {
	delete(d.blocks, blockID)
}

// ReadableHi returns blockID's high-water mark, or -1 if absent.
func (d *ItemData) ReadableHi(blockID BlockId) int32 {
	if bi, ok := d.blocks[blockID]; ok {
		return bi.readableHi
	}
	return -1
}

// MaxOffsets returns every block's readable high-water mark
// (get_blocks_max_offsets).
func (d *ItemData) MaxOffsets() map[BlockId]int32 {
	out := make(map[BlockId]int32, len(d.blocks))
	for id, bi := range d.blocks {
		out[id] = bi.readableHi
	}
	return out
}

// TruncateAfter drops every block at or after blockID — except blockID
// itself when byteIndex > 0, which instead has its high-water mark cut
// down to byteIndex-1 (a partial truncation mid-block). Returns the
// page ids of every dropped or partially-truncated block so the caller
// can hand them straight to engine.TruncateCachedBlocks
// (original_source's `truncate_blocks_after`).
func (d *ItemData) TruncateAfter(blockID BlockId, byteIndex int32) map[BlockId]PageId {
	res := make(map[BlockId]PageId)
	var toRemove []BlockId

	for id, bi := range d.blocks {
		if id < blockID {
			continue
		}
		res[id] = bi.pageID
		if id > blockID || byteIndex == 0 {
			toRemove = append(toRemove, id)
		} else {
			bi.readableHi = byteIndex - 1
		}
	}
	for _, id := range toRemove {
		delete(d.blocks, id)
	}
	return res
}

// SortedBlockIDs returns every tracked block id in ascending order.
func (d *ItemData) SortedBlockIDs() []BlockId {
	ids := make([]BlockId, 0, len(d.blocks))
	for id := range d.blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Item is a cached file: its block index, its metadata, and whether
// everything it holds has been flushed (§3 Item).
type Item struct {
	Data     *ItemData
	Metadata Metadata
	IsSynced bool
}

// New returns a freshly created Item (nlinks=0, is_synced=true — an
// empty item has nothing to flush), per original_source's
// `Item::default`.
func New(meta Metadata) *Item {
	return &Item{
		Data:     newItemData(),
		Metadata: meta,
		IsSynced: true,
	}
}

// UpdateMetadata selectively overwrites fields named in fields (a
// subset of Field* constants), leaving the rest untouched
// (§4.D update_content_metadata).
func (it *Item) UpdateMetadata(newMeta Metadata, fields map[string]bool) {
	if fields[FieldSize] {
		it.Metadata.Size = newMeta.Size
	}
	if fields[FieldATime] {
		it.Metadata.ATime = newMeta.ATime
	}
	if fields[FieldMTime] {
		it.Metadata.MTime = newMeta.MTime
	}
	if fields[FieldCTime] {
		it.Metadata.CTime = newMeta.CTime
	}
	if fields[FieldNLinks] {
		it.Metadata.NLinks = newMeta.NLinks
	}
}
