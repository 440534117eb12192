// Package page implements the fixed-size page slab (§4.B): a byte buffer
// sliced into io-block-sized slots, a free-slot stack, a dirty flag, an
// owner id, and the BlockOffsets layout describing which slot holds which
// block.
package page

import (
	"io"

	"github.com/pkg/errors"

	"github.com/lazyfs-go/pagecache/internal/fault"
	"github.com/lazyfs-go/pagecache/internal/pagecache"
	"github.com/lazyfs-go/pagecache/internal/pagecache/blockoffsets"
)

type BlockId = pagecache.BlockId
type Offsets = pagecache.Offsets

var (
	ErrNoFreeSlot    = errors.New("page: no free block slot available")
	ErrBlockAbsent   = errors.New("page: block not present")
	ErrDataTooLarge  = errors.New("page: write would overflow a block")
	ErrBadReadBounds = errors.New("page: invalid read bounds")
)

// Page is one fixed-size slab of cache_page_size bytes, holding up to
// cache_page_size/io_block_size blocks.
type Page struct {
	id            pagecache.PageId
	ioBlockSize   int
	cachePageSize int

	ownerID    pagecache.OwnerID
	dirty      bool
	data       []byte
	offsets    *blockoffsets.BlockOffsets
	freeSlots  []int32 // stack of free byte offsets within data
}

// New allocates a zeroed page of cachePageSize bytes, seeded with one
// free slot per io block (§4.B New).
func New(id pagecache.PageId, ioBlockSize, cachePageSize int) *Page {
	nrBlocks := cachePageSize / ioBlockSize
	p := &Page{
		id:            id,
		ioBlockSize:   ioBlockSize,
		cachePageSize: cachePageSize,
		ownerID:       pagecache.NoOwner,
		data:          make([]byte, cachePageSize),
		offsets:       blockoffsets.New(nrBlocks),
		freeSlots:     make([]int32, 0, nrBlocks),
	}
	// Pushed in descending order so popping yields ascending byte offsets,
	// matching the teacher's buffer_pool free-list-by-index convention.
	for i := nrBlocks - 1; i >= 0; i-- {
		p.freeSlots = append(p.freeSlots, int32(i*ioBlockSize))
	}
	return p
}

func (p *Page) ID() pagecache.PageId { return p.id }

func (p *Page) IsOwner(owner pagecache.OwnerID) bool { return p.ownerID == owner }

func (p *Page) ChangeOwner(owner pagecache.OwnerID) { p.ownerID = owner }

func (p *Page) Owner() pagecache.OwnerID { return p.ownerID }

func (p *Page) IsDirty() bool { return p.dirty }

func (p *Page) SetDirty(dirty bool) { p.dirty = dirty }

func (p *Page) HasFreeSpace() bool { return len(p.freeSlots) > 0 }

func (p *Page) ContainsBlock(id BlockId) bool { return p.offsets.Contains(id) }

// AllocateFreeOffset pops a free slot and records the block's placement.
func (p *Page) AllocateFreeOffset(id BlockId) (Offsets, error) {
	if len(p.freeSlots) == 0 {
		return pagecache.NoOffsets, ErrNoFreeSlot
	}
	n := len(p.freeSlots) - 1
	lo := p.freeSlots[n]
	p.freeSlots = p.freeSlots[:n]

	off := Offsets{Lo: lo, Hi: lo + int32(p.ioBlockSize) - 1}
	p.offsets.InsertOrUpdate(id, off)
	return off, nil
}

// UpdateBlockData writes bytes into the page at offInBlock within the
// named block, marking the page dirty. Fails if the block is absent or
// the write would overflow the block (§4.B update_block_data).
func (p *Page) UpdateBlockData(id BlockId, data []byte, offInBlock int) error {
	off := p.offsets.GetOffsets(id)
	if off.Lo < 0 {
		return ErrBlockAbsent
	}
	if offInBlock+len(data) > p.ioBlockSize {
		return ErrDataTooLarge
	}
	start := int(off.Lo) + offInBlock
	copy(p.data[start:start+len(data)], data)
	p.dirty = true
	return nil
}

// GetBlockData copies [lo, lo+readToMaxIndex] inclusive into out.
func (p *Page) GetBlockData(id BlockId, out []byte, readToMaxIndex int) error {
	off := p.offsets.GetOffsets(id)
	if off.Lo < 0 {
		return ErrBlockAbsent
	}
	n := readToMaxIndex + 1
	if n > len(out) || int(off.Lo)+n > len(p.data) {
		return ErrBadReadBounds
	}
	copy(out[:n], p.data[off.Lo:int(off.Lo)+n])
	return nil
}

// MakeBlockReadableTo forwards to the BlockOffsets monotonic high-water
// mark update.
func (p *Page) MakeBlockReadableTo(id BlockId, maxOffset int32) int32 {
	return p.offsets.MakeReadableTo(id, maxOffset)
}

func (p *Page) ReadableTo(id BlockId) int32 { return p.offsets.GetReadableTo(id) }

// WriteNullFrom zeros [lo+fromOffset, lo+ioBlockSize) of the block.
func (p *Page) WriteNullFrom(id BlockId, fromOffset int32) {
	off := p.offsets.GetOffsets(id)
	if off.Lo < 0 {
		return
	}
	start := int(off.Lo) + int(fromOffset)
	end := int(off.Lo) + p.ioBlockSize
	for i := start; i < end; i++ {
		p.data[i] = 0
	}
	p.offsets.TruncateReadableTo(id, fromOffset-1)
}

// RemoveBlock zeros the block's bytes, returns its slot to the free
// stack, and drops its bookkeeping. Clears dirty if the page is now
// empty (§4.B remove_block).
func (p *Page) RemoveBlock(id BlockId) {
	if !p.offsets.Contains(id) {
		return
	}
	off := p.offsets.GetOffsets(id)
	for i := off.Lo; i < off.Lo+int32(p.ioBlockSize); i++ {
		p.data[i] = 0
	}
	p.freeSlots = append(p.freeSlots, off.Lo)
	p.offsets.RemoveBlock(id)

	if p.offsets.Empty() {
		p.dirty = false
	}
}

// SyncData writes every resident block that has a readable-to mark to w
// at offset blockId*ioBlockSize, clearing dirty only if every intended
// byte was written (§4.B sync_data). A resident block that was never
// made readable is not written. inj may be nil; when set, each block write
// is run through the §4.F before[write] interposition point against
// path, so a fault armed on the victim's backing path can tear or
// crash a transparent eviction flush exactly as it would a deliberate
// sync.
func (p *Page) SyncData(w io.WriterAt, inj *fault.Injector, path string) (bool, error) {
	readable := p.offsets.ReadableOffsets()

	shouldWrite := 0
	actuallyWrote := 0
	for id := range readable {
		if !p.offsets.Contains(id) {
			continue
		}
		off := p.offsets.GetOffsets(id)
		shouldWrite += p.ioBlockSize

		blockOffset := int64(id) * int64(p.ioBlockSize)
		data := p.data[off.Lo : int(off.Lo)+p.ioBlockSize]
		err := inj.InterceptWrite(fault.Before, path, blockOffset, data, func(at int64, d []byte) error {
			_, writeErr := w.WriteAt(d, at)
			return writeErr
		})
		if err != nil {
			return false, errors.Wrap(err, "page: sync_data write failed")
		}
		actuallyWrote += p.ioBlockSize
	}

	ok := shouldWrite == actuallyWrote
	if ok {
		p.dirty = false
	}
	return ok, nil
}

// Reset zeroes the buffer, clears dirty and block layout, and re-seeds
// the free-slot stack. The owner id is left unchanged — callers that
// evict a page are expected to ChangeOwner separately (§3 lifecycles).
func (p *Page) Reset() {
	for i := range p.data {
		p.data[i] = 0
	}
	p.dirty = false
	p.offsets.Reset()
	p.freeSlots = p.freeSlots[:0]
	nrBlocks := p.cachePageSize / p.ioBlockSize
	for i := nrBlocks - 1; i >= 0; i-- {
		p.freeSlots = append(p.freeSlots, int32(i*p.ioBlockSize))
	}
}

// ReadableBlockIDs returns every block id with a recorded readable-to
// entry, mapped to that readable-to value.
func (p *Page) ReadableBlockIDs() map[BlockId]int32 {
	return p.offsets.ReadableOffsets()
}
