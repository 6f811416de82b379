// Package sectorcache implements the write-back sector cache (component A):
// a fixed-capacity table of slots sitting in front of a blockdevice.Device,
// with LRU eviction and deferred write-back of dirty slots.
//
// The slot-lookup/validate/restart algorithm follows Pintos's
// filesys/cache.c: the cache latch is held only to search the slot table and
// to splice the LRU list, never across a device read or write. A hit
// re-validates the slot's sector identity after the latch is dropped and the
// slot lock is taken, and restarts the search if the slot was stolen for a
// different sector in between.
//
// The LRU list itself is not an intrusive pointer list (there is nothing to
// point a Go pointer at inside a slice without pinning it) but an
// array-of-indices doubly-linked list, the same technique
// simplygulshan4u-ecache2 uses for its `dlnk [][2]uint16` field: prev/next
// are slot indices, with -1 as the sentinel for "no neighbor".
package sectorcache

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/log"

	"github.com/pintosfs/pintosfs/internal/blockdevice"
)

const none = -1

type slot struct {
	mu     sync.Mutex
	sector uint32
	valid  bool
	dirty  bool
	data   [blockdevice.SectorSize]byte

	// prev/next are guarded by Cache.mu, not slot.mu, since they describe
	// the slot's position in the shared LRU list rather than its content.
	prev, next int32
}

// Cache is a fixed-capacity write-back cache over a blockdevice.Device.
type Cache struct {
	dev   blockdevice.Device
	mu    sync.Mutex // the "cache latch": guards index, free, head, tail, and every slot's prev/next
	slots []slot
	index map[uint32]int32
	free  []int32
	head  int32
	tail  int32

	accesses uint64
	hits     uint64
}

// New creates a cache of the given slot capacity over dev.
func New(dev blockdevice.Device, capacity int) *Cache {
	if capacity <= 0 {
		panic("sectorcache: capacity must be positive")
	}
	c := &Cache{
		dev:   dev,
		slots: make([]slot, capacity),
		index: make(map[uint32]int32, capacity),
		head:  none,
		tail:  none,
	}
	c.free = make([]int32, capacity)
	for i := range c.free {
		c.free[i] = int32(capacity - 1 - i)
	}
	return c
}

// Read copies len(buf) bytes from sector, starting at offset, into buf.
func (c *Cache) Read(sector uint32, offset int, buf []byte) {
	if offset < 0 || offset+len(buf) > blockdevice.SectorSize {
		panic("sectorcache: read out of sector bounds")
	}
	idx := c.acquire(sector)
	s := &c.slots[idx]
	copy(buf, s.data[offset:offset+len(buf)])
	s.mu.Unlock()
}

// Write copies buf into sector at offset and marks the slot dirty.
func (c *Cache) Write(sector uint32, offset int, buf []byte) {
	if offset < 0 || offset+len(buf) > blockdevice.SectorSize {
		panic("sectorcache: write out of sector bounds")
	}
	idx := c.acquire(sector)
	s := &c.slots[idx]
	copy(s.data[offset:offset+len(buf)], buf)
	s.dirty = true
	s.mu.Unlock()
}

// ZeroFill is a write that stores an all-zero sector image, used by the
// resize engine to clear newly allocated sectors without reading them first.
func (c *Cache) ZeroFill(sector uint32) {
	idx := c.acquire(sector)
	s := &c.slots[idx]
	for i := range s.data {
		s.data[i] = 0
	}
	s.dirty = true
	s.mu.Unlock()
}

// acquire returns the slot index holding `sector`'s data, with that slot's
// lock held. The caller must unlock it.
func (c *Cache) acquire(sector uint32) int32 {
	for {
		c.mu.Lock()
		atomic.AddUint64(&c.accesses, 1)
		if idx, ok := c.index[sector]; ok {
			c.mu.Unlock()
			s := &c.slots[idx]
			s.mu.Lock()
			if s.valid && s.sector == sector {
				atomic.AddUint64(&c.hits, 1)
				c.promote(idx)
				return idx
			}
			// Slot was stolen for a different sector between the latch
			// release and the slot lock; restart the search.
			s.mu.Unlock()
			continue
		}
		idx := c.evictLocked()
		c.mu.Unlock()

		s := &c.slots[idx]
		s.mu.Lock()
		if s.valid && s.dirty {
			c.dev.WriteSector(s.sector, s.data[:])
			log.Debug.Printf("sectorcache: wrote back dirty sector %d from slot %d", s.sector, idx)
		}
		c.dev.ReadSector(sector, s.data[:])
		s.sector = sector
		s.valid = true
		s.dirty = false

		c.mu.Lock()
		if _, raced := c.index[sector]; raced {
			// Another miss on the same sector published its slot while this
			// one was filling; hand this slot back and use that one.
			s.valid = false
			c.free = append(c.free, idx)
			c.mu.Unlock()
			s.mu.Unlock()
			continue
		}
		c.index[sector] = idx
		c.pushHeadLocked(idx)
		c.mu.Unlock()
		return idx
	}
}

// evictLocked picks a slot to reuse for a new sector. c.mu must be held; the
// returned slot is unlinked from the free list / LRU list and its old
// mapping (if any) is already removed from index, but the slot itself is
// not yet locked or reassigned — the caller does that without holding c.mu.
func (c *Cache) evictLocked() int32 {
	if n := len(c.free); n > 0 {
		idx := c.free[n-1]
		c.free = c.free[:n-1]
		return idx
	}
	if c.tail == none {
		panic("sectorcache: capacity is zero")
	}
	idx := c.tail
	c.unlinkLocked(idx)
	delete(c.index, c.slots[idx].sector)
	return idx
}

func (c *Cache) unlinkLocked(idx int32) {
	s := &c.slots[idx]
	if s.prev != none {
		c.slots[s.prev].next = s.next
	} else {
		c.head = s.next
	}
	if s.next != none {
		c.slots[s.next].prev = s.prev
	} else {
		c.tail = s.prev
	}
	s.prev, s.next = none, none
}

func (c *Cache) pushHeadLocked(idx int32) {
	s := &c.slots[idx]
	s.prev = none
	s.next = c.head
	if c.head != none {
		c.slots[c.head].prev = idx
	}
	c.head = idx
	if c.tail == none {
		c.tail = idx
	}
}

// promote moves idx to the head of the LRU list, under the cache latch. A
// slot that evictLocked unlinked after the caller validated it is no longer
// in index and is left for its evictor to relink.
func (c *Cache) promote(idx int32) {
	c.mu.Lock()
	if cur, ok := c.index[c.slots[idx].sector]; ok && cur == idx && c.head != idx {
		c.unlinkLocked(idx)
		c.pushHeadLocked(idx)
	}
	c.mu.Unlock()
}

// Flush writes back every dirty slot, in LRU order, and then invalidates
// the cache: matching spec's cache_flush, a read immediately afterward is a
// cold miss against the device rather than a hit against still-resident
// data. Hit/access counters are left alone; Reset is the one that also
// zeroes them.
func (c *Cache) Flush() {
	c.writeBackDirtyLocked()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

// writeBackDirtyLocked writes every dirty slot back to the device, in LRU
// order, without evicting them.
func (c *Cache) writeBackDirtyLocked() {
	c.mu.Lock()
	indices := make([]int32, 0, len(c.slots))
	for idx := c.head; idx != none; idx = c.slots[idx].next {
		indices = append(indices, idx)
	}
	c.mu.Unlock()

	for _, idx := range indices {
		s := &c.slots[idx]
		s.mu.Lock()
		if s.valid && s.dirty {
			c.dev.WriteSector(s.sector, s.data[:])
			s.dirty = false
		}
		s.mu.Unlock()
	}
}

// invalidateLocked clears every slot's identity and rebuilds the free and
// LRU lists from scratch. c.mu must be held.
func (c *Cache) invalidateLocked() {
	for i := range c.slots {
		c.slots[i].valid = false
		c.slots[i].dirty = false
		c.slots[i].prev, c.slots[i].next = none, none
	}
	c.index = make(map[uint32]int32, len(c.slots))
	c.free = make([]int32, len(c.slots))
	for i := range c.free {
		c.free[i] = int32(len(c.slots) - 1 - i)
	}
	c.head, c.tail = none, none
}

// Reset flushes every dirty slot, invalidates the cache, and zeroes the
// hit/access counters, matching spec's reset_cache.
func (c *Cache) Reset() {
	c.Flush()
	atomic.StoreUint64(&c.accesses, 0)
	atomic.StoreUint64(&c.hits, 0)
}

// Hits returns the number of cache hits since the last Reset.
func (c *Cache) Hits() uint64 { return atomic.LoadUint64(&c.hits) }

// Accesses returns the number of cache accesses since the last Reset.
func (c *Cache) Accesses() uint64 { return atomic.LoadUint64(&c.accesses) }
