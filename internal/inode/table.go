// Package inode's open-inode table (component E) guarantees a single
// in-core OpenInode per sector: every Open of the same sector returns the
// same *OpenInode, refcounted, mirroring Pintos's open_inodes list and
// inode_open's linear search for an existing instance before allocating a
// new one.
package inode

import (
	"sync"

	"github.com/grailbio/base/log"

	"github.com/pintosfs/pintosfs/internal/freemap"
	"github.com/pintosfs/pintosfs/internal/sectorcache"
)

// OpenInode is the in-core instance of an inode. One exists per on-disk
// inode sector that is currently open, regardless of how many fsapi-level
// handles reference it.
type OpenInode struct {
	Sector uint32
	Access *Controller

	// metadataMu guards everything below: the on-disk record's in-core
	// copy, removal state, and the deny-write counter pair. Table methods
	// release the table latch before taking it, and the access gate's
	// mutex is never held while it is taken. fileio.WriteAt takes it while
	// holding the resize latch, and WithMetadata callers make sector-cache
	// calls under it, so the nesting in use is resize latch -> metadataMu
	// -> cache; metadataMu is never held while waiting for the resize latch.
	metadataMu sync.Mutex
	Disk       Disk
	removed    bool

	refCount       int
	openCount      int
	denyWriteCount int
}

// WithMetadata runs fn with the inode's metadata lock held, giving callers
// (fileio, directory) safe access to the in-core Disk record.
func (o *OpenInode) WithMetadata(fn func(d *Disk)) {
	o.metadataMu.Lock()
	defer o.metadataMu.Unlock()
	fn(&o.Disk)
}

// Removed reports whether Remove has marked this inode for deletion; it
// still exists because it's open.
func (o *OpenInode) Removed() bool {
	o.metadataMu.Lock()
	defer o.metadataMu.Unlock()
	return o.removed
}

// DenyWrite increments the deny-write counter, refusing future writers.
// Matches Pintos's inode_deny_write_at, including its invariant that the
// counter never exceeds the number of times this inode has been opened.
func (o *OpenInode) DenyWrite() {
	o.metadataMu.Lock()
	defer o.metadataMu.Unlock()
	o.denyWriteCount++
	if o.denyWriteCount > o.openCount {
		panic("inode: deny_write_count exceeds open_count")
	}
}

// AllowWrite reverses one DenyWrite.
func (o *OpenInode) AllowWrite() {
	o.metadataMu.Lock()
	defer o.metadataMu.Unlock()
	if o.denyWriteCount == 0 {
		panic("inode: allow_write without matching deny_write")
	}
	o.denyWriteCount--
}

// WritesDenied reports whether new writers are currently refused.
func (o *OpenInode) WritesDenied() bool {
	o.metadataMu.Lock()
	defer o.metadataMu.Unlock()
	return o.denyWriteCount > 0
}

// Table is the open-inode table: table_latch in the lock-ordering doc.
type Table struct {
	mu     sync.Mutex
	open   map[uint32]*OpenInode
	cache  *sectorcache.Cache
	fm     *freemap.FreeMap
}

// NewTable creates an empty open-inode table over the given cache and free
// map.
func NewTable(cache *sectorcache.Cache, fm *freemap.FreeMap) *Table {
	return &Table{
		open:  make(map[uint32]*OpenInode),
		cache: cache,
		fm:    fm,
	}
}

// Create formats a fresh inode at a newly allocated sector, with the given
// initial length (zero-extending its sector map to hold it), and returns
// the sector it was written to. It does not add the inode to the open
// table; call Open afterward if the caller wants a handle.
func (t *Table) Create(length uint32) (uint32, error) {
	return t.create(length, false)
}

// CreateDir is Create but marks the new inode as a directory.
func (t *Table) CreateDir(length uint32) (uint32, error) {
	return t.create(length, true)
}

func (t *Table) create(length uint32, isDir bool) (uint32, error) {
	sector, err := t.fm.Allocate(1)
	if err != nil {
		return 0, err
	}
	d := &Disk{Magic: Magic, IsDir: isDir}
	if err := Resize(t.cache, t.fm, d, length); err != nil {
		t.fm.Release(sector, 1)
		return 0, err
	}
	t.writeDisk(sector, d)
	return sector, nil
}

// CreateAt formats a fresh inode at a caller-specified sector, used only at
// format time to bootstrap the two fixed-location inodes (the free-map
// file and the root directory) before the free map is itself trustworthy
// enough to hand out an allocation. The caller is responsible for having
// already reserved `sector` in the free map (freemap.MarkUsed).
func (t *Table) CreateAt(sector uint32, length uint32, isDir bool) error {
	d := &Disk{Magic: Magic, IsDir: isDir}
	if err := Resize(t.cache, t.fm, d, length); err != nil {
		return err
	}
	t.writeDisk(sector, d)
	return nil
}

func (t *Table) writeDisk(sector uint32, d *Disk) {
	buf := d.Encode()
	t.cache.Write(sector, 0, buf[:])
}

// FlushMetadata re-encodes o's in-core inode record back to its own sector.
// Length and the direct/indirect/double-indirect pointers live in the
// inode's own sector, not in the pointer blocks fileio already writes
// through the cache, so a resize (which only updates the in-core copy)
// must be followed by this or the growth is invisible after a remount.
// Takes the cache directly rather than a *Table so fileio, which holds an
// *OpenInode and a *sectorcache.Cache but no *Table, can call it too.
func FlushMetadata(cache *sectorcache.Cache, o *OpenInode) {
	o.metadataMu.Lock()
	d := o.Disk
	o.metadataMu.Unlock()
	buf := d.Encode()
	cache.Write(o.Sector, 0, buf[:])
}

// Open returns the in-core inode for `sector`, creating and loading it from
// disk if this is the first open. Every subsequent Open of the same sector
// returns the identical *OpenInode until its reference count drops to zero.
func (t *Table) Open(sector uint32) (*OpenInode, error) {
	t.mu.Lock()
	if o, ok := t.open[sector]; ok {
		o.refCount++
		t.mu.Unlock()
		o.metadataMu.Lock()
		o.openCount++
		o.metadataMu.Unlock()
		return o, nil
	}
	t.mu.Unlock()

	var buf [512]byte
	t.cache.Read(sector, 0, buf[:])
	d, err := Decode(buf[:])
	if err != nil {
		return nil, err
	}

	o := &OpenInode{
		Sector: sector,
		Access: NewController(),
		Disk:   *d,
	}
	t.mu.Lock()
	if existing, ok := t.open[sector]; ok {
		// Lost a race with a concurrent first-open of the same sector;
		// use the winner's instance instead of the one just decoded.
		existing.refCount++
		t.mu.Unlock()
		existing.metadataMu.Lock()
		existing.openCount++
		existing.metadataMu.Unlock()
		return existing, nil
	}
	o.refCount = 1
	o.openCount = 1
	t.open[sector] = o
	t.mu.Unlock()
	return o, nil
}

// Reopen increments o's reference count, used when the same in-core inode
// is handed to a second caller (e.g. dup of a file descriptor) without
// re-reading it from disk.
func (t *Table) Reopen(o *OpenInode) {
	t.mu.Lock()
	o.refCount++
	t.mu.Unlock()
	o.metadataMu.Lock()
	o.openCount++
	o.metadataMu.Unlock()
}

// Remove marks o for deletion: it remains valid until every open handle
// closes, at which point Close frees its sectors. Matches Pintos's
// inode_remove, which just sets inode->removed and lets inode_close do the
// actual deallocation once open_cnt reaches zero.
func (t *Table) Remove(o *OpenInode) {
	o.metadataMu.Lock()
	o.removed = true
	o.metadataMu.Unlock()
}

// Close drops one reference to o. When the last reference closes, the
// in-core instance is evicted from the table; if it was marked Remove'd,
// its sectors (data sectors plus the inode's own sector) are returned to
// the free map.
func (t *Table) Close(o *OpenInode) error {
	t.mu.Lock()
	o.refCount--
	if o.refCount > 0 {
		t.mu.Unlock()
		o.metadataMu.Lock()
		o.openCount--
		o.metadataMu.Unlock()
		return nil
	}
	delete(t.open, o.Sector)
	t.mu.Unlock()

	o.metadataMu.Lock()
	o.openCount--
	removed := o.removed
	d := o.Disk
	o.metadataMu.Unlock()

	if removed {
		Deallocate(t.cache, t.fm, &d)
		t.fm.Release(o.Sector, 1)
		log.Debug.Printf("inode: freed removed inode at sector %d", o.Sector)
	}
	return nil
}

// Lookup returns the currently open instance for sector, if any, without
// affecting its reference count. It exists for diagnostics and tests.
func (t *Table) Lookup(sector uint32) (*OpenInode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.open[sector]
	return o, ok
}
