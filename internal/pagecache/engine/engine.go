// Package engine implements the page pool: a fixed pool of pages, a free
// list, an owner index, LRU eviction, and write-back to a backing file
// (§4.C). It holds a single engine-wide lock (§5) — no call into this
// package takes any other lock.
package engine

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/lazyfs-go/pagecache/internal/fault"
	"github.com/lazyfs-go/pagecache/internal/pagecache"
	"github.com/lazyfs-go/pagecache/internal/pagecache/page"
	"github.com/lazyfs-go/pagecache/logger"
	"github.com/lazyfs-go/pagecache/util"
)

type (
	BlockId = pagecache.BlockId
	PageId  = pagecache.PageId
	OwnerID = pagecache.OwnerID
	Offsets = pagecache.Offsets
	OpType  = pagecache.OpType
)

const NoOwner = pagecache.NoOwner

// AllocateRequest is one block's worth of write-shaped allocation input:
// the bytes to place and the prior page id to try first (§4.C
// allocate_blocks "preferred page" fast path).
type AllocateRequest struct {
	Data          []byte
	OffsetInBlock int
	PreferredPage PageId // -1 if none known yet
}

// GetRequest is one block's worth of read input: the page it's believed
// to live on, where to copy into, and how much of it is readable.
type GetRequest struct {
	PageID         PageId
	Dst            []byte
	ReadToMaxIndex int
}

// orderedEntry is what owner_ordered_pages_mapping tracks per (owner,
// blockID): which page currently holds the block. Iterated in ascending
// BlockId order on demand during sync rather than kept in a tree map.
type orderedEntry struct {
	pageID PageId
}

// PathResolver maps an owner id to the backing file path it should be
// flushed to, or false if the owner has none (e.g. unlinked file still
// referenced by open pages). Supplied by Cache, which owns the
// path<->inode mapping; the engine itself only ever sees owner ids.
type PathResolver func(owner OwnerID) (string, bool)

// Engine is the page pool coordinator (§4.C PageEngine).
type Engine struct {
	mu sync.Mutex

	ioBlockSize      int
	cachePageSize    int
	applyLRUEviction bool

	pages      []*page.Page
	freePages  []PageId // global free-page stack
	ownerPages map[OwnerID]map[PageId]struct{}
	ownerFree  map[OwnerID][]PageId
	ownerOrd   map[OwnerID]map[BlockId]orderedEntry

	lru *lru

	resolvePath PathResolver

	// injector is nil unless SetFaultInjector was called; every write
	// path below passes it straight to util/page, which treat a nil
	// *fault.Injector as "no fault configured".
	injector *fault.Injector
}

// New builds a pool of nrPages pages, each cachePageSize bytes sliced
// into ioBlockSize blocks. resolvePath may be nil during tests that
// never evict a dirty page; Cache always supplies one in production.
func New(nrPages int, ioBlockSize, cachePageSize int, applyLRUEviction bool, resolvePath PathResolver) *Engine {
	e := &Engine{
		ioBlockSize:      ioBlockSize,
		cachePageSize:    cachePageSize,
		applyLRUEviction: applyLRUEviction,
		pages:            make([]*page.Page, nrPages),
		freePages:        make([]PageId, 0, nrPages),
		ownerPages:       make(map[OwnerID]map[PageId]struct{}),
		ownerFree:        make(map[OwnerID][]PageId),
		ownerOrd:         make(map[OwnerID]map[BlockId]orderedEntry),
		lru:              newLRU(nrPages),
		resolvePath:      resolvePath,
	}
	// Pushed in descending order so popping yields ascending page ids,
	// matching the teacher's free-list convention in buffer_pool.go.
	for i := nrPages - 1; i >= 0; i-- {
		e.pages[i] = page.New(PageId(i), ioBlockSize, cachePageSize)
		e.freePages = append(e.freePages, PageId(i))
	}
	return e
}

func (e *Engine) NrPages() int { return len(e.pages) }

// SetFaultInjector attaches the collaborator consulted before every
// real open/write/truncate this engine performs (§4.F). Passing nil
// detaches it again.
func (e *Engine) SetFaultInjector(inj *fault.Injector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.injector = inj
}

// AllocateBlocks places each requested block, preferring an
// already-owned page with room, falling back to get_next_free_page
// (§4.C allocate_blocks). Returns -1 for any block that could not be
// placed (full pool, eviction disabled or exhausted).
func (e *Engine) AllocateBlocks(owner OwnerID, reqs map[BlockId]AllocateRequest, op OpType) map[BlockId]PageId {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make(map[BlockId]PageId, len(reqs))
	for blockID, req := range reqs {
		if pageID, ok := e.tryPreferredPage(owner, blockID, req, op); ok {
			result[blockID] = pageID
			continue
		}

		pageID, pg, err := e.getNextFreePage(owner)
		if err != nil {
			result[blockID] = -1
			continue
		}
		if _, err := pg.AllocateFreeOffset(blockID); err != nil {
			result[blockID] = -1
			continue
		}
		wasDirty := pg.IsDirty()
		if err := pg.UpdateBlockData(blockID, req.Data, req.OffsetInBlock); err != nil {
			result[blockID] = -1
			continue
		}
		pg.SetDirty(wasDirty || op == pagecache.OpWrite)
		e.recordOwnership(owner, pageID, blockID)
		if e.applyLRUEviction {
			e.lru.touch(pageID, true)
		}
		result[blockID] = pageID
	}
	return result
}

func (e *Engine) tryPreferredPage(owner OwnerID, blockID BlockId, req AllocateRequest, op OpType) (PageId, bool) {
	if req.PreferredPage < 0 || int(req.PreferredPage) >= len(e.pages) {
		return -1, false
	}
	pg := e.pages[req.PreferredPage]
	if !pg.IsOwner(owner) || !pg.ContainsBlock(blockID) {
		return -1, false
	}
	wasDirty := pg.IsDirty()
	if err := pg.UpdateBlockData(blockID, req.Data, req.OffsetInBlock); err != nil {
		return -1, false
	}
	pg.SetDirty(wasDirty || op == pagecache.OpWrite)
	if e.applyLRUEviction {
		e.lru.touch(req.PreferredPage, true)
	}
	return req.PreferredPage, true
}

// recordOwnership updates the owner index, ordered map and per-owner
// free stack after a block lands on pageID. If the page changed owner,
// every trace of it under the old owner is dropped first.
func (e *Engine) recordOwnership(owner OwnerID, pageID PageId, blockID BlockId) {
	pg := e.pages[pageID]
	if prev := pg.Owner(); prev != owner {
		if prev != NoOwner {
			e.detachPageFromOwner(prev, pageID)
		}
		pg.ChangeOwner(owner)
	}

	if e.ownerPages[owner] == nil {
		e.ownerPages[owner] = make(map[PageId]struct{})
	}
	e.ownerPages[owner][pageID] = struct{}{}

	if e.ownerOrd[owner] == nil {
		e.ownerOrd[owner] = make(map[BlockId]orderedEntry)
	}
	e.ownerOrd[owner][blockID] = orderedEntry{pageID: pageID}

	if pg.HasFreeSpace() {
		e.ownerFree[owner] = append(e.ownerFree[owner], pageID)
	}
}

// detachPageFromOwner removes every reference to pageID from owner's
// bookkeeping (owner index, ordered map, free stack).
func (e *Engine) detachPageFromOwner(owner OwnerID, pageID PageId) {
	if set, ok := e.ownerPages[owner]; ok {
		delete(set, pageID)
		if len(set) == 0 {
			delete(e.ownerPages, owner)
		}
	}
	if ord, ok := e.ownerOrd[owner]; ok {
		for blockID, ent := range ord {
			if ent.pageID == pageID {
				delete(ord, blockID)
			}
		}
		if len(ord) == 0 {
			delete(e.ownerOrd, owner)
		}
	}
	e.removeFromFreeStack(owner, pageID)
}

func (e *Engine) removeFromFreeStack(owner OwnerID, pageID PageId) {
	stack, ok := e.ownerFree[owner]
	if !ok {
		return
	}
	kept := stack[:0]
	for _, id := range stack {
		if id != pageID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(e.ownerFree, owner)
	} else {
		e.ownerFree[owner] = kept
	}
}

// getNextFreePage returns a page ready to receive a block for owner, in
// priority order: a page owner already has room on, the global free
// list, then an LRU-tail eviction (flushing it first if dirty) if
// eviction is enabled. Returns ErrAllocationFailed otherwise (§4.C
// get_next_free_page).
func (e *Engine) getNextFreePage(owner OwnerID) (PageId, *page.Page, error) {
	if stack := e.ownerFree[owner]; len(stack) > 0 {
		n := len(stack) - 1
		pageID := stack[n]
		e.ownerFree[owner] = stack[:n]
		return pageID, e.pages[pageID], nil
	}

	if n := len(e.freePages); n > 0 {
		pageID := e.freePages[n-1]
		e.freePages = e.freePages[:n-1]
		return pageID, e.pages[pageID], nil
	}

	if !e.applyLRUEviction {
		return -1, nil, ErrAllocationFailed
	}

	victimID, ok := e.lru.tail()
	if !ok {
		return -1, nil, ErrAllocationFailed
	}
	victim := e.pages[victimID]
	victimOwner := victim.Owner()

	if victim.IsDirty() {
		if err := e.flushPage(victimOwner, victim); err != nil {
			logger.Warnf("engine: evicting dirty page %d owned by %s without a clean flush: %v", victimID, victimOwner, err)
		}
	}

	e.detachPageFromOwner(victimOwner, victimID)
	e.lru.remove(victimID)
	victim.Reset()
	victim.ChangeOwner(NoOwner)
	return victimID, victim, nil
}

// flushPage writes a single victim page's resident blocks to its
// owner's backing file ahead of reuse. Best-effort: a missing resolver
// or backing path is logged by the caller, never fatal to eviction.
func (e *Engine) flushPage(owner OwnerID, pg *page.Page) error {
	if e.resolvePath == nil {
		return errors.New("engine: no path resolver configured")
	}
	path, ok := e.resolvePath(owner)
	if !ok {
		return errors.Errorf("engine: owner %s has no backing path", owner)
	}
	f, err := util.OpenForFlush(e.injector, path)
	if err != nil {
		return wrapBackingIO(err)
	}
	defer f.Close()

	_, err = pg.SyncData(f, e.injector, path)
	return wrapBackingIO(errors.Wrap(err, "engine: flush victim page"))
}

// GetBlocks copies every requested block's bytes out, reporting which
// ones were actually resident on the page the caller expected (§4.C
// get_blocks). A read visit touches the LRU but never triggers bounded
// eviction — only writes grow the pool past capacity.
func (e *Engine) GetBlocks(owner OwnerID, reqs map[BlockId]GetRequest) map[BlockId]bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := make(map[BlockId]bool, len(reqs))
	for blockID, req := range reqs {
		if req.PageID < 0 || int(req.PageID) >= len(e.pages) {
			result[blockID] = false
			continue
		}
		pg := e.pages[req.PageID]
		if !pg.IsOwner(owner) || !pg.ContainsBlock(blockID) {
			result[blockID] = false
			continue
		}
		if err := pg.GetBlockData(blockID, req.Dst, req.ReadToMaxIndex); err != nil {
			result[blockID] = false
			continue
		}
		if e.applyLRUEviction {
			e.lru.touch(req.PageID, false)
		}
		result[blockID] = true
	}
	return result
}

// IsBlockCached reports whether pageID still holds blockID under owner.
func (e *Engine) IsBlockCached(owner OwnerID, pageID PageId, blockID BlockId) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pageID < 0 || int(pageID) >= len(e.pages) {
		return false
	}
	pg := e.pages[pageID]
	return pg.IsOwner(owner) && pg.ContainsBlock(blockID)
}

// MakeBlockReadableToOffset raises blockID's readable high-water mark,
// a no-op if pageID no longer belongs to owner (§4.C
// make_block_readable_to_offset).
func (e *Engine) MakeBlockReadableToOffset(owner OwnerID, pageID PageId, blockID BlockId, offset int32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if pageID < 0 || int(pageID) >= len(e.pages) {
		return
	}
	pg := e.pages[pageID]
	if pg.IsOwner(owner) {
		pg.MakeBlockReadableTo(blockID, offset)
	}
}

// RemoveCachedBlocks evicts every page owned by owner back to the free
// list, regardless of dirty state (§4.C remove_cached_blocks — callers
// that must not lose dirty data are expected to sync first).
func (e *Engine) RemoveCachedBlocks(owner OwnerID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for pageID := range e.ownerPages[owner] {
		pg := e.pages[pageID]
		pg.Reset()
		pg.ChangeOwner(NoOwner)
		if e.applyLRUEviction {
			e.lru.remove(pageID)
		}
		e.freePages = append(e.freePages, pageID)
	}
	delete(e.ownerPages, owner)
	delete(e.ownerFree, owner)
	delete(e.ownerOrd, owner)
}

// RenameOwnerPages reparents every page owner currently holds onto
// newOwner, moving the owner maps wholesale. Fails if owner is unknown
// to the engine (§4.C rename_owner_pages).
func (e *Engine) RenameOwnerPages(owner, newOwner OwnerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pages, ok := e.ownerPages[owner]
	if !ok {
		return ErrUnknownOwner
	}
	for pageID := range pages {
		e.pages[pageID].ChangeOwner(newOwner)
	}

	delete(e.ownerPages, owner)
	e.ownerPages[newOwner] = pages

	if free, ok := e.ownerFree[owner]; ok {
		delete(e.ownerFree, owner)
		e.ownerFree[newOwner] = free
	}
	if ord, ok := e.ownerOrd[owner]; ok {
		delete(e.ownerOrd, owner)
		e.ownerOrd[newOwner] = ord
	}
	return nil
}

// TruncateCachedBlocks drops every block in toRemove, except the block
// at fromBlockID when indexInsideBlock > 0 — that one is zeroed from
// indexInsideBlock onward instead of dropped (§4.C
// truncate_cached_blocks). A page with no blocks left and no dirty
// data returns to the free list; a page that still holds blocks stays
// with owner.
func (e *Engine) TruncateCachedBlocks(owner OwnerID, toRemove map[BlockId]PageId, fromBlockID BlockId, indexInsideBlock int32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for blockID, pageID := range toRemove {
		if pageID < 0 || int(pageID) >= len(e.pages) {
			continue
		}
		pg := e.pages[pageID]
		if !pg.IsOwner(owner) {
			continue
		}

		if blockID == fromBlockID && indexInsideBlock > 0 {
			if pg.ContainsBlock(blockID) {
				pg.WriteNullFrom(blockID, indexInsideBlock)
			}
			continue
		}

		pg.RemoveBlock(blockID)
		if ord, ok := e.ownerOrd[owner]; ok {
			delete(ord, blockID)
		}

		stillUsed := false
		for _, ent := range e.ownerOrd[owner] {
			if ent.pageID == pageID {
				stillUsed = true
				break
			}
		}
		if !stillUsed && !pg.IsDirty() {
			if set, ok := e.ownerPages[owner]; ok {
				delete(set, pageID)
			}
			e.removeFromFreeStack(owner, pageID)
			if e.applyLRUEviction {
				e.lru.remove(pageID)
			}
			pg.Reset()
			pg.ChangeOwner(NoOwner)
			e.freePages = append(e.freePages, pageID)
		}
	}
}

// syncRun is a maximal run of contiguous, dirty block ids for one owner,
// each possibly living on a different page.
type syncRun struct {
	blocks []BlockId
	pages  []PageId
}

// SyncPages flushes every dirty block owned by owner to path, in
// ascending block-id order, coalescing contiguous runs into a single
// positional write each, then truncates the backing file to
// truncateSize (§4.C sync_pages). The engine lock is held for the
// whole operation, including backing-file I/O, per §5. truncateSize <
// 0 skips the truncate step (for callers that only want a data flush).
func (e *Engine) SyncPages(owner OwnerID, truncateSize int64, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ord, ok := e.ownerOrd[owner]
	dirty := ok && len(ord) > 0

	var blockIDs []BlockId
	if dirty {
		blockIDs = make([]BlockId, 0, len(ord))
		for blockID, ent := range ord {
			if e.pages[ent.pageID].IsDirty() {
				blockIDs = append(blockIDs, blockID)
			}
		}
		sort.Slice(blockIDs, func(i, j int) bool { return blockIDs[i] < blockIDs[j] })
	}

	if len(blockIDs) == 0 && truncateSize < 0 {
		return nil
	}

	f, err := util.OpenForSync(e.injector, path)
	if err != nil {
		return wrapBackingIO(err)
	}
	defer f.Close()

	if len(blockIDs) > 0 {
		runs := coalesceRuns(blockIDs, ord)
		for _, run := range runs {
			buf, err := e.readRun(run)
			if err != nil {
				return wrapBackingIO(errors.Wrap(err, "engine: assemble sync run"))
			}
			offset := int64(run.blocks[0]) * int64(e.ioBlockSize)
			if err := util.WriteAtOffset(e.injector, f, path, offset, buf); err != nil {
				return wrapBackingIO(errors.Wrap(err, "engine: write sync run"))
			}
		}
		// Clear dirty only after every run in this pass has been written
		// successfully, so a partial failure leaves blocks dirty for retry.
		for _, blockID := range blockIDs {
			e.pages[ord[blockID].pageID].SetDirty(false)
		}
	}

	if truncateSize >= 0 {
		if err := util.TruncateTo(e.injector, f, path, truncateSize); err != nil {
			return wrapBackingIO(errors.Wrap(err, "engine: truncate sync"))
		}
	}
	return nil
}

func coalesceRuns(blockIDs []BlockId, ord map[BlockId]orderedEntry) []syncRun {
	var runs []syncRun
	var cur syncRun
	for i, blockID := range blockIDs {
		if i > 0 && blockID != blockIDs[i-1]+1 {
			runs = append(runs, cur)
			cur = syncRun{}
		}
		cur.blocks = append(cur.blocks, blockID)
		cur.pages = append(cur.pages, ord[blockID].pageID)
	}
	if len(cur.blocks) > 0 {
		runs = append(runs, cur)
	}
	return runs
}

// readRun concatenates every block's resident bytes into one buffer.
// Every block but the last in the run contributes a full io block;
// the last contributes only its readable-to length, so a run ending at
// a file's current end-of-data never writes past what's been read or
// written (§4.C DESIGN NOTES "last block of a run truncated to its
// readable-to length").
func (e *Engine) readRun(run syncRun) ([]byte, error) {
	buf := make([]byte, 0, len(run.blocks)*e.ioBlockSize)
	for i, blockID := range run.blocks {
		pg := e.pages[run.pages[i]]
		readTo := e.ioBlockSize - 1
		if i == len(run.blocks)-1 {
			readTo = int(pg.ReadableTo(blockID))
			if readTo < 0 {
				continue
			}
		}
		chunk := make([]byte, readTo+1)
		if err := pg.GetBlockData(blockID, chunk, readTo); err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

// Usage is a point-in-time snapshot for telemetry/Cache.GetCacheUsage
// (§4.C get_engine_usage).
type Usage struct {
	TotalPages int
	FreePages  int
	DirtyPages int
}

func (e *Engine) GetEngineUsage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()

	dirty := 0
	for _, pg := range e.pages {
		if pg.IsDirty() {
			dirty++
		}
	}
	return Usage{
		TotalPages: len(e.pages),
		FreePages:  len(e.freePages),
		DirtyPages: dirty,
	}
}

// DirtyBlockInfo describes one dirty block for a diagnostics dump
// (§4.C get_dirty_blocks_info).
type DirtyBlockInfo struct {
	BlockID    BlockId
	PageID     PageId
	ReadableTo int32
}

func (e *Engine) GetDirtyBlocksInfo(owner OwnerID) []DirtyBlockInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []DirtyBlockInfo
	for blockID, ent := range e.ownerOrd[owner] {
		pg := e.pages[ent.pageID]
		if pg.IsDirty() {
			out = append(out, DirtyBlockInfo{
				BlockID:    blockID,
				PageID:     ent.pageID,
				ReadableTo: pg.ReadableTo(blockID),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out
}
