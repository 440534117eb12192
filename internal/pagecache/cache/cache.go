// Package cache implements the coordinator (§4.D): the path→inode and
// inode→Item maps, and every operation the FS adapter calls, each one
// composing item-level bookkeeping with engine calls under the §5
// locking order (Cache lock ⇒ Item lock ⇒ Engine lock).
package cache

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/lazyfs-go/pagecache/internal/fault"
	"github.com/lazyfs-go/pagecache/internal/pagecache"
	"github.com/lazyfs-go/pagecache/internal/pagecache/engine"
	"github.com/lazyfs-go/pagecache/internal/pagecache/item"
	"github.com/lazyfs-go/pagecache/internal/telemetry"
	"github.com/lazyfs-go/pagecache/util"
)

type (
	BlockId = pagecache.BlockId
	PageId  = pagecache.PageId
	OpType  = pagecache.OpType
)

// nShards partitions the inode→Item map (the "contents membership"
// part of §5's cache-level lock) across independent stripes, keyed by
// util.HashCode(inode) — a classic striped-map reduction of contention
// versus one RWMutex guarding every inode.
const nShards = 32

type itemEntry struct {
	mu sync.Mutex
	it *item.Item

	// poisoned is set if a previous caller panicked while holding mu, so
	// later callers see ErrLockPoisoned instead of racing into whatever
	// partial state the panic left behind (§7 "LockPoisoned"). Only
	// SyncOwner currently checks and sets it — see its comment.
	poisoned atomic.Bool
}

type shard struct {
	mu       sync.RWMutex
	contents map[string]*itemEntry
}

// Cache is the coordinator. pathMu guards file_inode_mapping; each
// shard's mu guards that shard's slice of contents; itemEntry.mu is
// the per-item lock (§5 level 2); the engine has its own internal
// lock (§5 level 3). Acquire in that order, never reversed.
type Cache struct {
	pathMu      sync.RWMutex
	pathToInode map[string]string

	shards [nShards]*shard

	// inodePaths tracks one representative path per inode, read by the
	// engine's eviction-flush path without going through pathMu — the
	// engine lock is always innermost (§5), so the resolver it's given
	// must never try to reacquire a Cache-level lock.
	inodePaths sync.Map

	engine      *engine.Engine
	ioBlockSize int

	// tel is nil unless SetTelemetry was called; every recording call
	// below is nil-checked so telemetry stays a pure add-on.
	tel *telemetry.Stats
}

// SetTelemetry attaches the counter block a telemetry.Reporter reads
// from. Passing nil detaches it again.
func (c *Cache) SetTelemetry(stats *telemetry.Stats) {
	c.tel = stats
}

// SetFaultInjector attaches the collaborator the engine consults
// before every real open/write/truncate it performs on a backing file
// (§4.F). Passing nil detaches it again. The FS adapter that feeds
// fault records through the §6 command channel and this call must
// share the same *fault.Injector for a registered fault to ever
// perturb a real write.
func (c *Cache) SetFaultInjector(inj *fault.Injector) {
	c.engine.SetFaultInjector(inj)
}

// New builds a Cache around a freshly constructed Engine. Two-phase
// construction: the Cache struct exists before the Engine does, so the
// Engine's PathResolver can close over it.
func New(nrPages int, ioBlockSize, cachePageSize int, applyLRUEviction bool) *Cache {
	c := &Cache{
		pathToInode: make(map[string]string),
		ioBlockSize: ioBlockSize,
	}
	for i := range c.shards {
		c.shards[i] = &shard{contents: make(map[string]*itemEntry)}
	}
	c.engine = engine.New(nrPages, ioBlockSize, cachePageSize, applyLRUEviction, c.resolvePath)
	return c
}

func (c *Cache) resolvePath(owner engine.OwnerID) (string, bool) {
	v, ok := c.inodePaths.Load(owner)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (c *Cache) shardFor(inode string) *shard {
	return c.shards[util.HashCode([]byte(inode))%nShards]
}

func (c *Cache) get(inode string) (*itemEntry, bool) {
	sh := c.shardFor(inode)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.contents[inode]
	return e, ok
}

func (c *Cache) getOrCreate(inode string, now time.Time) *itemEntry {
	sh := c.shardFor(inode)
	sh.mu.RLock()
	if e, ok := sh.contents[inode]; ok {
		sh.mu.RUnlock()
		return e
	}
	sh.mu.RUnlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.contents[inode]; ok {
		return e
	}
	e := &itemEntry{it: item.New(item.NewMetadata(now))}
	sh.contents[inode] = e
	return e
}

// lookup returns inode's entry, or ErrNotCached if none exists — the
// one error-returning seam every "unknown inode" miss in this package
// funnels through, so a caller that needs §7's "NotCached: not an
// error" behavior converts it to a negative result right at its own
// boundary instead of the miss never being constructed as an error at
// all.
func (c *Cache) lookup(inode string) (*itemEntry, error) {
	e, ok := c.get(inode)
	if !ok {
		return nil, ErrNotCached
	}
	return e, nil
}

func (c *Cache) deleteEntry(inode string) {
	sh := c.shardFor(inode)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.contents, inode)
}

// HasContentCached reports whether inode has a live Item.
func (c *Cache) HasContentCached(inode string) bool {
	_, ok := c.get(inode)
	return ok
}

// CreateItem ensures inode has a live Item, creating one with default
// metadata if absent.
func (c *Cache) CreateItem(inode string) {
	c.getOrCreate(inode, time.Now())
}

// DeleteItem drops inode's Item and returns its pages to the engine's
// free list, regardless of link count — callers that must respect
// nlinks use RemoveCachedItem instead.
func (c *Cache) DeleteItem(inode string) {
	c.engine.RemoveCachedBlocks(inode)
	c.deleteEntry(inode)
	c.inodePaths.Delete(inode)
}

// UpdateContentMetadata selectively overwrites fields on inode's
// Metadata. Returns false if inode is unknown (§4.D
// update_content_metadata).
func (c *Cache) UpdateContentMetadata(inode string, newMeta item.Metadata, fields map[string]bool) bool {
	e, ok := c.get(inode)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.it.UpdateMetadata(newMeta, fields)
	return true
}

// GetContentMetadata returns inode's current Metadata, or false if
// unknown.
func (c *Cache) GetContentMetadata(inode string) (item.Metadata, bool) {
	e, ok := c.get(inode)
	if !ok {
		return item.Metadata{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.it.Metadata, true
}

// PutRequest is one block's worth of write input to PutDataBlocks:
// bytes, where they land within the block, and how far into the block
// they should be marked readable (-1 to leave the readable mark
// untouched, e.g. a write that doesn't extend visibility).
type PutRequest struct {
	Data          []byte
	OffsetInBlock int
	ReadableUpto  int32
}

// PutDataBlocks auto-creates inode's Item if absent, asks the engine to
// place each block (preferring whatever page it's already known to
// live on), and updates the item's block index to match. Marks the
// item unsynced if any block was placed (§4.D put_data_blocks).
func (c *Cache) PutDataBlocks(inode string, reqs map[BlockId]PutRequest, op OpType) map[BlockId]bool {
	e := c.getOrCreate(inode, time.Now())
	e.mu.Lock()
	defer e.mu.Unlock()

	allocReqs := make(map[BlockId]engine.AllocateRequest, len(reqs))
	for blockID, req := range reqs {
		allocReqs[blockID] = engine.AllocateRequest{
			Data:          req.Data,
			OffsetInBlock: req.OffsetInBlock,
			PreferredPage: e.it.Data.PageID(blockID),
		}
	}

	assigned := c.engine.AllocateBlocks(inode, allocReqs, op)
	if c.tel != nil {
		c.tel.RecordWrite()
	}

	result := make(map[BlockId]bool, len(assigned))
	placed := false
	for blockID, pageID := range assigned {
		if pageID < 0 {
			result[blockID] = false
			e.it.Data.Remove(blockID)
			continue
		}
		req := reqs[blockID]
		e.it.Data.Set(blockID, pageID, e.it.Data.ReadableHi(blockID))
		if req.ReadableUpto >= 0 {
			c.engine.MakeBlockReadableToOffset(inode, pageID, blockID, req.ReadableUpto)
			e.it.Data.MakeReadableTo(blockID, req.ReadableUpto)
		}
		result[blockID] = true
		placed = true
	}
	if placed {
		e.it.IsSynced = false
	}
	return result
}

// GetResult is one block's read outcome: whether it hit, and if so the
// readable byte range within the block.
type GetResult struct {
	Hit        bool
	ReadableLo int32
	ReadableHi int32
}

// GetDataBlocks copies each requested block's readable bytes into the
// caller's buffer. A miss (unknown inode, absent block, or nothing yet
// readable) drops any stale mapping and reports Hit=false (§4.D
// get_data_blocks).
func (c *Cache) GetDataBlocks(inode string, reqs map[BlockId][]byte) map[BlockId]GetResult {
	result := make(map[BlockId]GetResult, len(reqs))

	e, ok := c.get(inode)
	if !ok {
		for blockID := range reqs {
			result[blockID] = GetResult{}
		}
		return result
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	getReqs := make(map[BlockId]engine.GetRequest, len(reqs))
	for blockID, dst := range reqs {
		pageID := e.it.Data.PageID(blockID)
		readTo := e.it.Data.ReadableHi(blockID)
		if pageID < 0 || readTo < 0 {
			result[blockID] = GetResult{}
			continue
		}
		getReqs[blockID] = engine.GetRequest{PageID: pageID, Dst: dst, ReadToMaxIndex: int(readTo)}
	}

	hits := c.engine.GetBlocks(inode, getReqs)
	for blockID, req := range getReqs {
		if hits[blockID] {
			result[blockID] = GetResult{Hit: true, ReadableLo: 0, ReadableHi: int32(req.ReadToMaxIndex)}
		} else {
			e.it.Data.Remove(blockID)
			result[blockID] = GetResult{}
		}
		if c.tel != nil {
			c.tel.RecordLookup(hits[blockID])
			c.tel.RecordRead()
		}
	}
	return result
}

// IsBlockCached reports whether inode's blockID is currently resident
// on the page the item believes it's on.
func (c *Cache) IsBlockCached(inode string, blockID BlockId) bool {
	e, ok := c.get(inode)
	if !ok {
		return false
	}
	e.mu.Lock()
	pageID := e.it.Data.PageID(blockID)
	e.mu.Unlock()
	if pageID < 0 {
		return false
	}
	return c.engine.IsBlockCached(inode, pageID, blockID)
}

// GetCacheUsage passes through the engine's occupancy ratio, in [0,1]
// (§4.D get_cache_usage).
func (c *Cache) GetCacheUsage() float64 {
	usage := c.engine.GetEngineUsage()
	if usage.TotalPages == 0 {
		return 0
	}
	return float64(usage.TotalPages-usage.FreePages) / float64(usage.TotalPages)
}

// RemoveCachedItem removes the path→inode mapping and decrements
// nlinks (saturating at 1). The item and its pages are only dropped
// when fromCache is set or no other link remains — otherwise the item
// survives with its decremented nlinks (§4.D remove_cached_item, §9's
// stricter hardlink Open Question). Returns whether the item was
// actually dropped.
func (c *Cache) RemoveCachedItem(inode, path string, fromCache bool) bool {
	c.pathMu.Lock()
	delete(c.pathToInode, path)
	c.pathMu.Unlock()

	e, ok := c.get(inode)
	if !ok {
		return false
	}

	e.mu.Lock()
	nlinksBefore := e.it.Metadata.NLinks
	if nlinksBefore > 1 {
		e.it.Metadata.NLinks = nlinksBefore - 1
	}
	e.mu.Unlock()

	if !fromCache && nlinksBefore > 1 {
		return false
	}

	c.engine.RemoveCachedBlocks(inode)
	c.deleteEntry(inode)
	c.inodePaths.Delete(inode)
	return true
}

// SyncOwner flushes inode's dirty pages to backingPath via the engine,
// marks the item synced, and — unless onlyData — updates the backing
// file's atime/mtime (§4.D sync_owner, §6 "futimes when
// only_data=false"). A no-op, successful call if inode is unknown.
func (c *Cache) SyncOwner(inode string, onlyData bool, backingPath string) error {
	e, err := c.lookup(inode)
	if err != nil {
		// §7 "NotCached": not an error at this public boundary.
		return nil
	}

	if e.poisoned.Load() {
		return ErrLockPoisoned
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// If anything below panics, mark the entry poisoned before the panic
	// keeps unwinding (mu still gets unlocked by the defer above) — the
	// Go analogue of original_source's poisoned std::sync::Mutex. A
	// clean return leaves poisoned untouched.
	defer func() {
		if r := recover(); r != nil {
			e.poisoned.Store(true)
			panic(r)
		}
	}()

	if err := c.engine.SyncPages(inode, e.it.Metadata.Size, backingPath); err != nil {
		return wrapBackingIO(errors.Wrap(err, "cache: sync_owner"))
	}
	e.it.IsSynced = true
	if c.tel != nil {
		c.tel.RecordFlush()
	}

	if !onlyData {
		if err := os.Chtimes(backingPath, e.it.Metadata.ATime, e.it.Metadata.MTime); err != nil {
			return wrapBackingIO(errors.Wrap(err, "cache: update backing file times"))
		}
	}
	return nil
}

// RenameItem repoints newPath at the inode currently found at oldPath.
// If newPath previously referenced a different inode, that inode's
// nlinks is decremented and, if it drops to 1 or less, the old inode is
// evicted entirely (§4.D rename_item, §8 "Rename atomicity"). Returns
// false if oldPath is unmapped.
func (c *Cache) RenameItem(oldPath, newPath string) bool {
	c.pathMu.Lock()
	inode, ok := c.pathToInode[oldPath]
	if !ok {
		c.pathMu.Unlock()
		return false
	}
	prevInode, hadPrev := c.pathToInode[newPath]
	c.pathToInode[newPath] = inode
	delete(c.pathToInode, oldPath)
	c.pathMu.Unlock()

	c.inodePaths.Store(inode, newPath)

	if hadPrev && prevInode != inode {
		if pe, ok := c.get(prevInode); ok {
			pe.mu.Lock()
			if pe.it.Metadata.NLinks > 1 {
				pe.it.Metadata.NLinks--
			}
			nlinksAfter := pe.it.Metadata.NLinks
			pe.mu.Unlock()

			if nlinksAfter <= 1 {
				c.engine.RemoveCachedBlocks(prevInode)
				c.deleteEntry(prevInode)
				c.inodePaths.Delete(prevInode)
			}
		}
	}
	return true
}

// ClearCache drops every path→inode mapping and every cached item,
// returning all engine pages to the free list (§4.D clear_cache).
func (c *Cache) ClearCache() {
	c.pathMu.Lock()
	inodes := make(map[string]struct{}, len(c.pathToInode))
	for _, inode := range c.pathToInode {
		inodes[inode] = struct{}{}
	}
	c.pathToInode = make(map[string]string)
	c.pathMu.Unlock()

	for inode := range inodes {
		c.engine.RemoveCachedBlocks(inode)
		c.deleteEntry(inode)
		c.inodePaths.Delete(inode)
	}
	// Items that never had a path mapped to them are dropped too.
	for inode := range c.snapshotEntries() {
		c.engine.RemoveCachedBlocks(inode)
		c.deleteEntry(inode)
		c.inodePaths.Delete(inode)
	}
}

// TruncateItem shrinks inode to newSize: every block at or past
// newSize is dropped, the boundary block's readable-to is cut down to
// newSize's in-block remainder, and metadata.size is updated (§4.D
// truncate_item, §8 "Truncate correctness").
func (c *Cache) TruncateItem(inode string, newSize int64) {
	e, ok := c.get(inode)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ioBlk := int64(c.ioBlockSize)
	fromBlock := BlockId(newSize / ioBlk)
	idxInBlock := int32(newSize % ioBlk)

	removed := e.it.Data.TruncateAfter(fromBlock, idxInBlock)
	c.engine.TruncateCachedBlocks(inode, removed, fromBlock, idxInBlock)
	e.it.Metadata.Size = newSize
}

// FullCheckpoint flushes every currently mapped (path, inode) pair,
// returning the first error encountered but attempting every pair
// (§4.D full_checkpoint).
func (c *Cache) FullCheckpoint() error {
	c.pathMu.RLock()
	pairs := make(map[string]string, len(c.pathToInode))
	for path, inode := range c.pathToInode {
		pairs[path] = inode
	}
	c.pathMu.RUnlock()

	var firstErr error
	for path, inode := range pairs {
		if err := c.SyncOwner(inode, false, path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UnsyncedReport is one item's contribution to ReportUnsyncedData.
type UnsyncedReport struct {
	Inode  string
	Size   int64
	Blocks []engine.DirtyBlockInfo
}

// ReportUnsyncedData lists every item with is_synced == false, for
// diagnostics (§4.D report_unsynced_data).
func (c *Cache) ReportUnsyncedData() []UnsyncedReport {
	var out []UnsyncedReport
	for inode, e := range c.snapshotEntries() {
		e.mu.Lock()
		if !e.it.IsSynced {
			out = append(out, UnsyncedReport{
				Inode:  inode,
				Size:   e.it.Metadata.Size,
				Blocks: c.engine.GetDirtyBlocksInfo(inode),
			})
		}
		e.mu.Unlock()
	}
	return out
}

func (c *Cache) snapshotEntries() map[string]*itemEntry {
	out := make(map[string]*itemEntry)
	for _, sh := range c.shards {
		sh.mu.RLock()
		for inode, e := range sh.contents {
			out[inode] = e
		}
		sh.mu.RUnlock()
	}
	return out
}

// GetOriginalInode looks up the inode currently mapped to path.
func (c *Cache) GetOriginalInode(path string) (string, bool) {
	c.pathMu.RLock()
	defer c.pathMu.RUnlock()
	inode, ok := c.pathToInode[path]
	return inode, ok
}

// InsertInodeMapping records path → inode. If increaseNLinks is set,
// inode's nlinks is incremented under the same item lock used to read
// it back — this fails (returns false) if inode has no live Item
// (§4.D insert_inode_mapping).
func (c *Cache) InsertInodeMapping(path, inode string, increaseNLinks bool) bool {
	if increaseNLinks {
		e, ok := c.get(inode)
		if !ok {
			return false
		}
		e.mu.Lock()
		e.it.Metadata.NLinks++
		e.mu.Unlock()
	}

	c.pathMu.Lock()
	c.pathToInode[path] = inode
	c.pathMu.Unlock()
	c.inodePaths.Store(inode, path)
	return true
}

// FindFilesMappedToInode lists every path currently mapped to inode.
func (c *Cache) FindFilesMappedToInode(inode string) []string {
	c.pathMu.RLock()
	defer c.pathMu.RUnlock()

	var out []string
	for path, i := range c.pathToInode {
		if i == inode {
			out = append(out, path)
		}
	}
	return out
}
