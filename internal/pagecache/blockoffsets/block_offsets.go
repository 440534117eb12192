// Package blockoffsets tracks, for a single page, which byte ranges its
// resident blocks occupy and how much of each block has actually been
// written (the "readable-to" high-water mark). It has no concurrency of
// its own — callers synchronize through the owning Page (§4.A).
package blockoffsets

import "github.com/lazyfs-go/pagecache/internal/pagecache"

type BlockId = pagecache.BlockId
type Offsets = pagecache.Offsets

// BlockOffsets is the per-page block layout: block id -> byte placement,
// and block id -> readable high-water mark.
type BlockOffsets struct {
	placement  map[BlockId]Offsets
	readableTo map[BlockId]int32
}

// New returns an empty BlockOffsets sized for the given expected block
// count (mirrors original_source's with_capacity pre-reservation).
func New(capacity int) *BlockOffsets {
	return &BlockOffsets{
		placement:  make(map[BlockId]Offsets, capacity),
		readableTo: make(map[BlockId]int32, capacity),
	}
}

// InsertOrUpdate records (or overwrites) the byte placement of a block.
func (b *BlockOffsets) InsertOrUpdate(id BlockId, off Offsets) {
	b.placement[id] = off
}

// MakeReadableTo raises the readable high-water mark monotonically and
// returns the resulting value.
func (b *BlockOffsets) MakeReadableTo(id BlockId, offset int32) int32 {
	if cur, ok := b.readableTo[id]; ok && cur > offset {
		offset = cur
	}
	b.readableTo[id] = offset
	return offset
}

// TruncateReadableTo forces the readable-to value down, used when a
// truncate shortens a block in place.
func (b *BlockOffsets) TruncateReadableTo(id BlockId, offset int32) {
	b.readableTo[id] = offset
}

// GetOffsets returns the block's byte placement, or (-1,-1) if absent.
func (b *BlockOffsets) GetOffsets(id BlockId) Offsets {
	if off, ok := b.placement[id]; ok {
		return off
	}
	return pagecache.NoOffsets
}

// GetReadableTo returns the block's readable high-water mark, or 0 if
// the block has never been made readable.
func (b *BlockOffsets) GetReadableTo(id BlockId) int32 {
	return b.readableTo[id]
}

// ReadableOffsets returns a snapshot of every tracked readable-to value,
// keyed by block id (used by the engine's dirty-block reporting).
func (b *BlockOffsets) ReadableOffsets() map[BlockId]int32 {
	out := make(map[BlockId]int32, len(b.readableTo))
	for k, v := range b.readableTo {
		out[k] = v
	}
	return out
}

// Contains reports whether a block has a recorded placement.
func (b *BlockOffsets) Contains(id BlockId) bool {
	_, ok := b.placement[id]
	return ok
}

// RemoveBlock drops all bookkeeping for a block.
func (b *BlockOffsets) RemoveBlock(id BlockId) {
	delete(b.placement, id)
	delete(b.readableTo, id)
}

// Reset clears all bookkeeping, e.g. when a page returns to the free list.
func (b *BlockOffsets) Reset() {
	for k := range b.placement {
		delete(b.placement, k)
	}
	for k := range b.readableTo {
		delete(b.readableTo, k)
	}
}

// Empty reports whether no block is currently tracked.
func (b *BlockOffsets) Empty() bool {
	return len(b.placement) == 0
}
