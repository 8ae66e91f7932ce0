// Package blockcache provides a fixed-capacity, write-back-aware cache of
// filesystem blocks keyed by block number, backed by the same intrusive
// LRU ring pattern used elsewhere in this module's test suite.
package blockcache

import (
	"fmt"
	"sort"
	"sync"
)

// WriteFunc persists one block's worth of data to whatever backs the cache.
// It is how Flush, FlushAll, and a write-through WriteBlock reach the disk.
type WriteFunc func(block uint64, data []byte) error

// DirtyBlock is a snapshot of one cached block that has not yet reached the
// backend, returned by DirtyBlocks so a caller (a journal transaction, for
// instance) can see the whole pending write-set at once.
type DirtyBlock struct {
	Block uint64
	Data  []byte
}

// Cache caches whole filesystem blocks. It never hands out the slice it
// holds internally: Get returns a copy, so a caller that mutates the bytes
// it got back (a common pattern when editing a block in place before
// writing it out again) cannot corrupt an entry that was never re-Set.
//
// By default WriteBlock writes straight through to the backend, same as a
// plain Set after an external write. SetWriteBack(true) switches WriteBlock
// to buffer: it only marks the entry dirty, and Flush/FlushAll become
// responsible for reaching the backend. Entries with a positive refcount
// (see Acquire/Release) are never evicted, dirty or not.
type Cache struct {
	mu        sync.Mutex
	lru       *lru
	writeBack bool
	write     WriteFunc
}

// New creates a cache that holds at most maxBlocks blocks before evicting
// the least recently used one. The cache starts in write-through mode with
// no backend writer configured; call SetWriter before using WriteBlock or
// Flush/FlushAll.
func New(maxBlocks int) *Cache {
	if maxBlocks <= 0 {
		maxBlocks = 1
	}
	c := &Cache{lru: newLRU(maxBlocks)}
	c.lru.onEvict = func(b *block) error {
		if !b.dirty {
			return nil
		}
		if c.write == nil {
			return fmt.Errorf("blockcache: evicting dirty block %d with no backend writer configured", b.pos)
		}
		if err := c.write(b.pos, b.data); err != nil {
			return fmt.Errorf("flushing evicted block %d: %w", b.pos, err)
		}
		b.dirty = false
		return nil
	}
	return c
}

// SetWriter installs the function WriteBlock, Flush, FlushAll, and eviction
// of a dirty entry use to persist a block.
func (c *Cache) SetWriter(w WriteFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write = w
}

// Get returns the cached copy of block, calling fetch to populate the cache
// on a miss. fetch must return exactly one block's worth of data.
func (c *Cache) Get(block uint64, fetch func() ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.lru.get(block, fetch)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Acquire behaves like Get but additionally pins block so it cannot be
// evicted until a matching Release. Used to hold a set of blocks steady
// while a multi-step operation (building a journal transaction, say) reads
// and rewrites them.
func (c *Cache) Acquire(block uint64, fetch func() ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.lru.get(block, fetch)
	if err != nil {
		return nil, err
	}
	if b, found := c.lru.cache[block]; found {
		b.refcount++
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Release undoes one Acquire of block. Releasing a block that was never
// acquired, or over-releasing one, is a no-op rather than an error: refcount
// never drops below zero.
func (c *Cache) Release(block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, found := c.lru.cache[block]; found && b.refcount > 0 {
		b.refcount--
	}
}

// Set records data as the current content of block, already persisted
// elsewhere, for use right after a successful write so the next Get does
// not re-read stale cached content. Unlike WriteBlock, Set never marks the
// entry dirty.
func (c *Cache) Set(block uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	return c.lru.set(block, stored, false)
}

// WriteBlock records data as the new content of block. In write-through mode
// (the default) it calls the configured WriteFunc immediately, exactly like
// Set after an external write. In write-back mode it only marks the entry
// dirty; Flush, FlushAll, or eventual eviction is responsible for reaching
// the backend.
func (c *Cache) WriteBlock(block uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	if !c.writeBack {
		if c.write != nil {
			if err := c.write(block, stored); err != nil {
				return err
			}
		}
		return c.lru.set(block, stored, false)
	}
	return c.lru.set(block, stored, true)
}

// SetWriteBack toggles write-back mode. Turning it off flushes every
// currently dirty block first, so the cache never carries unwritten data
// across the transition back to write-through.
func (c *Cache) SetWriteBack(on bool) error {
	c.mu.Lock()
	was := c.writeBack
	c.writeBack = on
	c.mu.Unlock()
	if was && !on {
		return c.FlushAll()
	}
	return nil
}

// WriteBack reports whether the cache is currently in write-back mode.
func (c *Cache) WriteBack() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeBack
}

// Flush writes block to the backend if it is currently dirty, and clears
// the dirty flag on success. A miss, or a clean hit, is a no-op.
func (c *Cache) Flush(block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, found := c.lru.cache[block]
	if !found || !b.dirty {
		return nil
	}
	if c.write == nil {
		return fmt.Errorf("blockcache: no backend writer configured, cannot flush block %d", block)
	}
	if err := c.write(b.pos, b.data); err != nil {
		return fmt.Errorf("flushing block %d: %w", block, err)
	}
	b.dirty = false
	return nil
}

// FlushAll writes every currently dirty block to the backend, in ascending
// block-number order, stopping at the first error.
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var positions []uint64
	for pos, b := range c.lru.cache {
		if b.dirty {
			positions = append(positions, pos)
		}
	}
	if len(positions) == 0 {
		return nil
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	if c.write == nil {
		return fmt.Errorf("blockcache: no backend writer configured, cannot flush %d dirty blocks", len(positions))
	}
	for _, pos := range positions {
		b := c.lru.cache[pos]
		if err := c.write(pos, b.data); err != nil {
			return fmt.Errorf("flushing block %d: %w", pos, err)
		}
		b.dirty = false
	}
	return nil
}

// DirtyBlocks returns a snapshot of every block currently marked dirty, in
// ascending block-number order, without clearing the dirty flag on any of
// them. Used to inspect or journal a pending write-set before it is
// checkpointed with FlushAll.
func (c *Cache) DirtyBlocks() []DirtyBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DirtyBlock, 0, len(c.lru.cache))
	for pos, b := range c.lru.cache {
		if b.dirty {
			data := make([]byte, len(b.data))
			copy(data, b.data)
			out = append(out, DirtyBlock{Block: pos, Data: data})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Block < out[j].Block })
	return out
}

// Invalidate drops block from the cache, used when a block is freed back to
// the allocator and its old contents must never be served again. A dirty
// block is dropped without being flushed: the allocator only invalidates
// blocks it has already overwritten in the bitmap as free.
func (c *Cache) Invalidate(block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.remove(block)
}

// SetMaxBlocks adjusts the cache capacity, evicting immediately if it
// shrinks below the current occupancy.
func (c *Cache) SetMaxBlocks(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.setMaxBlocks(n)
}

// Len reports how many blocks are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lru.cache)
}
