// Package fsapi is the filesystem's external interface (§6): format/mount
// a device, then create/open/close/read/write/seek/tell/filesize/remove/
// chdir/mkdir/readdir/isdir/inumber plus the cache diagnostics
// (reset_cache, num_cache_hits, num_cache_accesses, num_device_reads,
// num_device_writes). It wires blockdevice -> freemap -> sectorcache ->
// inode -> fileio -> directory together and is the one place that turns a
// ferrors.Kind-Fatal error into a panic, matching Pintos's PANIC() on
// corrupt on-disk state.
package fsapi

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/grailbio/base/log"

	"github.com/pintosfs/pintosfs/internal/blockdevice"
	"github.com/pintosfs/pintosfs/internal/directory"
	"github.com/pintosfs/pintosfs/internal/ferrors"
	"github.com/pintosfs/pintosfs/internal/fileio"
	"github.com/pintosfs/pintosfs/internal/freemap"
	"github.com/pintosfs/pintosfs/internal/inode"
	"github.com/pintosfs/pintosfs/internal/pathutil"
	"github.com/pintosfs/pintosfs/internal/sectorcache"
)

// Fixed sector layout, matching Pintos's FREE_MAP_SECTOR / ROOT_DIR_SECTOR.
const (
	FreeMapSector   = 0
	RootDirSector   = 1
	reservedSectors = 2
)

// Counting is implemented by blockdevice.Memory and blockdevice.File; it's
// how Filesys exposes num_device_reads/num_device_writes without forcing
// every Device implementation (a test fake, say) to track counters it
// doesn't care about.
type Counting interface {
	Reads() uint64
	Writes() uint64
}

// Filesys is one mounted filesystem.
type Filesys struct {
	dev   blockdevice.Device
	cache *sectorcache.Cache
	fm    *freemap.FreeMap
	table *inode.Table

	mountID uuid.UUID
}

// Format lays out a brand-new filesystem on dev: reserves the free-map and
// root-directory sectors, bootstraps the free-map file's own inode
// in-place (it cannot go through the normal allocation path — it IS the
// allocator's persisted state), and formats an empty root directory.
func Format(dev blockdevice.Device, cacheCapacity int) (*Filesys, error) {
	if dev.SectorCount() < reservedSectors {
		return nil, ferrors.New(ferrors.OutOfSpace, "fsapi: device too small (%d sectors)", dev.SectorCount())
	}
	cache := sectorcache.New(dev, cacheCapacity)
	fm := freemap.New(dev.SectorCount())
	fm.MarkUsed(FreeMapSector, 1)
	fm.MarkUsed(RootDirSector, 1)
	table := inode.NewTable(cache, fm)

	if err := table.CreateAt(FreeMapSector, 0, false); err != nil {
		return nil, err
	}
	if err := table.CreateAt(RootDirSector, 0, true); err != nil {
		return nil, err
	}

	fs := &Filesys{dev: dev, cache: cache, fm: fm, table: table, mountID: uuid.New()}
	// FormatRoot allocates sectors for the root directory's "." / ".."
	// entries; persistFreeMap must run after that, not before, or the
	// persisted bitmap would mark those sectors free.
	if err := directory.FormatRoot(context.Background(), table, cache, fm, RootDirSector); err != nil {
		return nil, err
	}
	if err := fs.persistFreeMap(); err != nil {
		return nil, err
	}
	cache.Flush()
	log.Info.Printf("fsapi[%s]: formatted %d sectors", fs.mountID, dev.SectorCount())
	return fs, nil
}

// Mount opens a filesystem previously written by Format: it reads the
// free-map file's own inode directly (a read never needs an allocator), and
// only then rebuilds the in-memory free map from its persisted bitmap.
func Mount(dev blockdevice.Device, cacheCapacity int) (*Filesys, error) {
	cache := sectorcache.New(dev, cacheCapacity)

	// Bootstrap table: its free map is a throwaway, used only to satisfy
	// inode.NewTable's signature while we read (never allocate/release
	// through) the free-map file's own inode.
	bootFM := freemap.New(dev.SectorCount())
	bootTable := inode.NewTable(cache, bootFM)

	open, err := bootTable.Open(FreeMapSector)
	if err != nil {
		return nil, err
	}
	var length uint32
	open.WithMetadata(func(d *inode.Disk) { length = d.Length })
	bitmap := make([]byte, length)
	f := fileio.New(open, cache, bootFM)
	if _, err := readFull(f, bitmap); err != nil {
		bootTable.Close(open)
		return nil, err
	}
	bootTable.Close(open)

	fm := freemap.NewFromBitmap(dev.SectorCount(), bitmap)
	table := inode.NewTable(cache, fm)
	fs := &Filesys{dev: dev, cache: cache, fm: fm, table: table, mountID: uuid.New()}
	log.Info.Printf("fsapi[%s]: mounted, %d sectors free", fs.mountID, fm.Free())
	return fs, nil
}

func readFull(f *fileio.File, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := f.ReadAt(buf[read:], int64(read))
		read += n
		if err != nil {
			return read, err
		}
		if n == 0 {
			break
		}
	}
	return read, nil
}

// persistFreeMap writes the free map's own in-memory bitmap to its file.
// WriteAt's resize of the free-map file's own inode allocates sectors out
// of fs.fm, so growing the file to its final size happens first, as its
// own step; only once that settles is the bitmap snapshot taken and
// written, so the allocation it just did to hold itself is itself
// reflected in the image, rather than captured by a snapshot taken before
// it happened and then silently overwritten as stale.
func (fs *Filesys) persistFreeMap() error {
	open, err := fs.table.Open(FreeMapSector)
	if err != nil {
		return err
	}
	defer fs.table.Close(open)
	f := fileio.New(open, fs.cache, fs.fm)

	size := len(fs.fm.Bitmap())
	if cur := int(f.Length()); cur < size {
		if _, err := f.WriteAt(context.Background(), make([]byte, size-cur), int64(cur)); err != nil {
			return err
		}
	}
	_, err = f.WriteAt(context.Background(), fs.fm.Bitmap(), 0)
	return err
}

// Sync flushes the in-memory free map and every dirty cache slot to the
// device, used before a clean shutdown.
func (fs *Filesys) Sync() error {
	if err := fs.persistFreeMap(); err != nil {
		return err
	}
	fs.cache.Flush()
	return nil
}

// ResetCache discards every cached slot (after flushing dirty ones).
func (fs *Filesys) ResetCache() { fs.cache.Reset() }

// NumCacheHits and NumCacheAccesses report the cache's running counters.
func (fs *Filesys) NumCacheHits() uint64     { return fs.cache.Hits() }
func (fs *Filesys) NumCacheAccesses() uint64 { return fs.cache.Accesses() }

// NumDeviceReads and NumDeviceWrites report device traffic, if the
// underlying Device tracks it.
func (fs *Filesys) NumDeviceReads() uint64 {
	if c, ok := fs.dev.(Counting); ok {
		return c.Reads()
	}
	return 0
}
func (fs *Filesys) NumDeviceWrites() uint64 {
	if c, ok := fs.dev.(Counting); ok {
		return c.Writes()
	}
	return 0
}

// checkFatal checks fatal error kinds and panics, matching Pintos's PANIC on
// corrupt on-disk state or a precondition the caller never should have
// been able to violate.
func (fs *Filesys) checkFatal(err error) error {
	if err == nil {
		return nil
	}
	if k := ferrors.KindOf(err); k.Fatal() {
		panic(fmt.Sprintf("fsapi[%s]: fatal: %v", fs.mountID, err))
	}
	return err
}

// Session is one process's view of the filesystem: its own current
// directory and open-file-handle table. Supplementing spec.md, which
// describes inode/cache/resize mechanics but takes open/read/write/seek
// syscalls as given; Session is the thin layer those syscalls actually
// dispatch through, grounded on Pintos's per-thread cwd and per-process fd
// table (userprog/process.c's fd_table, filesys.c's thread_current()->cwd).
type Session struct {
	fs      *Filesys
	cwd     uint32
	handles map[int]*handle
	nextFD  int
}

type handle struct {
	file  *fileio.File
	inode *inode.OpenInode
	pos   int64
	isDir bool
}

// NewSession opens a session rooted at the filesystem's root directory.
func NewSession(fs *Filesys) *Session {
	return &Session{fs: fs, cwd: RootDirSector, handles: make(map[int]*handle)}
}

// resolveParent walks `path` (absolute or cwd-relative) to the inumber of its
// final component's parent directory plus the final component name, the
// split dir_lookup/get_next_part needs to either find or create an entry.
func (s *Session) resolveParent(path string) (parentSector uint32, name string, err error) {
	absolute, parts, err := pathutil.Split(path)
	if err != nil {
		return 0, "", ferrors.New(ferrors.PreconditionViolation, "fsapi: %v", err)
	}
	if len(parts) == 0 {
		return 0, "", ferrors.New(ferrors.PreconditionViolation, "fsapi: empty path")
	}
	cur := s.cwd
	if absolute {
		cur = RootDirSector
	}
	for _, seg := range parts[:len(parts)-1] {
		next, err := s.lookupChild(cur, seg)
		if err != nil {
			return 0, "", err
		}
		cur = next
	}
	return cur, parts[len(parts)-1], nil
}

// resolve walks `path` all the way to its final inumber.
func (s *Session) resolve(path string) (uint32, error) {
	absolute, parts, err := pathutil.Split(path)
	if err != nil {
		return 0, ferrors.New(ferrors.PreconditionViolation, "fsapi: %v", err)
	}
	cur := s.cwd
	if absolute {
		cur = RootDirSector
	}
	if len(parts) == 0 {
		return cur, nil
	}
	for _, seg := range parts {
		next, err := s.lookupChild(cur, seg)
		if err != nil {
			return 0, err
		}
		cur = next
	}
	return cur, nil
}

func (s *Session) lookupChild(dirSector uint32, name string) (uint32, error) {
	open, err := s.fs.table.Open(dirSector)
	if err != nil {
		return 0, s.fs.checkFatal(err)
	}
	defer s.fs.table.Close(open)
	var isDir bool
	open.WithMetadata(func(d *inode.Disk) { isDir = d.IsDir })
	if !isDir {
		return 0, ferrors.New(ferrors.NotADirectory, "fsapi: %q is not a directory", name)
	}
	f := fileio.New(open, s.fs.cache, s.fs.fm)
	entry, found, err := directory.Lookup(f, name)
	if err != nil {
		return 0, s.fs.checkFatal(err)
	}
	if !found {
		return 0, ferrors.New(ferrors.FileNotFound, "fsapi: %q not found", name)
	}
	return entry.Inumber, nil
}

// Create makes a new, empty regular file named by path and returns its
// inumber, without opening it.
func (s *Session) Create(path string) (uint32, error) {
	parentSector, name, err := s.resolveParent(path)
	if err != nil {
		return 0, err
	}
	parentOpen, err := s.fs.table.Open(parentSector)
	if err != nil {
		return 0, s.fs.checkFatal(err)
	}
	defer s.fs.table.Close(parentOpen)
	parentFile := fileio.New(parentOpen, s.fs.cache, s.fs.fm)

	sector, err := s.fs.table.Create(0)
	if err != nil {
		return 0, s.fs.checkFatal(err)
	}
	if err := directory.Add(context.Background(), parentFile, name, sector); err != nil {
		open, oerr := s.fs.table.Open(sector)
		if oerr == nil {
			s.fs.table.Remove(open)
			s.fs.table.Close(open)
		}
		return 0, s.fs.checkFatal(err)
	}
	return sector, nil
}

// Mkdir creates a new, empty subdirectory.
func (s *Session) Mkdir(path string) (uint32, error) {
	parentSector, name, err := s.resolveParent(path)
	if err != nil {
		return 0, err
	}
	parentOpen, err := s.fs.table.Open(parentSector)
	if err != nil {
		return 0, s.fs.checkFatal(err)
	}
	defer s.fs.table.Close(parentOpen)
	parentFile := fileio.New(parentOpen, s.fs.cache, s.fs.fm)

	sector, err := directory.Mkdir(context.Background(), s.fs.table, s.fs.cache, s.fs.fm, parentFile, name)
	return sector, s.fs.checkFatal(err)
}

// Open opens path for reading/writing and returns a handle number.
func (s *Session) Open(path string) (int, error) {
	sector, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	open, err := s.fs.table.Open(sector)
	if err != nil {
		return 0, s.fs.checkFatal(err)
	}
	var isDir bool
	open.WithMetadata(func(d *inode.Disk) { isDir = d.IsDir })

	fd := s.nextFD
	s.nextFD++
	s.handles[fd] = &handle{
		file:  fileio.New(open, s.fs.cache, s.fs.fm),
		inode: open,
		isDir: isDir,
	}
	return fd, nil
}

func (s *Session) get(fd int) (*handle, error) {
	h, ok := s.handles[fd]
	if !ok {
		return nil, ferrors.New(ferrors.InvalidHandle, "fsapi: invalid handle %d", fd)
	}
	return h, nil
}

// Close closes a handle, releasing the underlying inode reference.
func (s *Session) Close(fd int) error {
	h, err := s.get(fd)
	if err != nil {
		return err
	}
	delete(s.handles, fd)
	return s.fs.checkFatal(s.fs.table.Close(h.inode))
}

// Read reads up to len(buf) bytes at the handle's current position,
// advancing it by the number of bytes read.
func (s *Session) Read(fd int, buf []byte) (int, error) {
	h, err := s.get(fd)
	if err != nil {
		return 0, err
	}
	n, err := h.file.ReadAt(buf, h.pos)
	h.pos += int64(n)
	return n, err
}

// Write writes buf at the handle's current position, advancing it.
func (s *Session) Write(ctx context.Context, fd int, buf []byte) (int, error) {
	h, err := s.get(fd)
	if err != nil {
		return 0, err
	}
	n, err := h.file.WriteAt(ctx, buf, h.pos)
	h.pos += int64(n)
	return n, s.fs.checkFatal(err)
}

// Seek repositions the handle's cursor.
func (s *Session) Seek(fd int, pos int64) error {
	h, err := s.get(fd)
	if err != nil {
		return err
	}
	if pos < 0 {
		return ferrors.New(ferrors.PreconditionViolation, "fsapi: negative seek position")
	}
	h.pos = pos
	return nil
}

// Tell returns the handle's current cursor position.
func (s *Session) Tell(fd int) (int64, error) {
	h, err := s.get(fd)
	if err != nil {
		return 0, err
	}
	return h.pos, nil
}

// Filesize returns the length of the file a handle refers to.
func (s *Session) Filesize(fd int) (uint32, error) {
	h, err := s.get(fd)
	if err != nil {
		return 0, err
	}
	return h.file.Length(), nil
}

// IsDir reports whether a handle refers to a directory.
func (s *Session) IsDir(fd int) (bool, error) {
	h, err := s.get(fd)
	if err != nil {
		return false, err
	}
	return h.isDir, nil
}

// Inumber returns the sector identifying a handle's inode.
func (s *Session) Inumber(fd int) (uint32, error) {
	h, err := s.get(fd)
	if err != nil {
		return 0, err
	}
	return h.file.Inumber(), nil
}

// DenyWrite and AllowWrite pass through to the handle's inode.
func (s *Session) DenyWrite(fd int) error {
	h, err := s.get(fd)
	if err != nil {
		return err
	}
	h.file.DenyWrite()
	return nil
}
func (s *Session) AllowWrite(fd int) error {
	h, err := s.get(fd)
	if err != nil {
		return err
	}
	h.file.AllowWrite()
	return nil
}

// Readdir lists the entries of a directory handle, excluding "." and "..".
func (s *Session) Readdir(fd int) ([]string, error) {
	h, err := s.get(fd)
	if err != nil {
		return nil, err
	}
	if !h.isDir {
		return nil, ferrors.New(ferrors.NotADirectory, "fsapi: handle %d is not a directory", fd)
	}
	entries, err := directory.List(h.file)
	if err != nil {
		return nil, s.fs.checkFatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		names = append(names, e.Name)
	}
	return names, nil
}

// Chdir changes the session's current directory.
func (s *Session) Chdir(path string) error {
	sector, err := s.resolve(path)
	if err != nil {
		return err
	}
	open, err := s.fs.table.Open(sector)
	if err != nil {
		return s.fs.checkFatal(err)
	}
	var isDir bool
	open.WithMetadata(func(d *inode.Disk) { isDir = d.IsDir })
	s.fs.table.Close(open)
	if !isDir {
		return ferrors.New(ferrors.NotADirectory, "fsapi: %q is not a directory", path)
	}
	s.cwd = sector
	return nil
}

// Remove unlinks path: a regular file is removed outright (freed once the
// last open handle closes); a directory is removed only if empty,
// resolving spec's open question the same way the teacher's RmdirDirD81
// defaults.
func (s *Session) Remove(path string) error {
	parentSector, name, err := s.resolveParent(path)
	if err != nil {
		return err
	}
	parentOpen, err := s.fs.table.Open(parentSector)
	if err != nil {
		return s.fs.checkFatal(err)
	}
	defer s.fs.table.Close(parentOpen)
	parentFile := fileio.New(parentOpen, s.fs.cache, s.fs.fm)

	entry, found, err := directory.Lookup(parentFile, name)
	if err != nil {
		return s.fs.checkFatal(err)
	}
	if !found {
		return ferrors.New(ferrors.FileNotFound, "fsapi: %q not found", name)
	}

	targetOpen, err := s.fs.table.Open(entry.Inumber)
	if err != nil {
		return s.fs.checkFatal(err)
	}
	var isDir bool
	targetOpen.WithMetadata(func(d *inode.Disk) { isDir = d.IsDir })

	if isDir {
		s.fs.table.Close(targetOpen)
		return directory.Rmdir(context.Background(), s.fs.table, s.fs.cache, s.fs.fm, parentFile, name)
	}

	s.fs.table.Remove(targetOpen)
	if err := s.fs.table.Close(targetOpen); err != nil {
		return s.fs.checkFatal(err)
	}
	return directory.Remove(context.Background(), parentFile, name)
}
