// Package directory implements directories as ordinary files holding a
// sequence of fixed-size entry records, the same approach Pintos's
// filesys.c/directory.c take (dir_lookup/dir_add/dir_remove operating over
// an inode's byte stream via inode_read_at/inode_write_at). Entry slot
// layout and the mkdir "create '.' and '..' first" sequencing mirror the
// teacher's directory-entry handling in diskimage/d81_dir_ops.go
// (MkdirDirD81's parent-walk, RmdirDirD81's empty-check-by-default).
package directory

import (
	"context"
	"sync"

	"github.com/pintosfs/pintosfs/internal/ferrors"
	"github.com/pintosfs/pintosfs/internal/fileio"
	"github.com/pintosfs/pintosfs/internal/freemap"
	"github.com/pintosfs/pintosfs/internal/inode"
	"github.com/pintosfs/pintosfs/internal/sectorcache"
)

// NameMax is the longest name a directory entry can hold.
const NameMax = 14

// entrySize is the fixed on-disk width of one directory entry: a 4-byte
// inumber, a 14-byte name field, a 1-byte in-use flag, and one pad byte to
// keep the record at a round size.
const entrySize = 20

// Entry is one slot of a directory's entry stream.
type Entry struct {
	Inumber uint32
	Name    string
	InUse   bool
}

func encodeEntry(e Entry) [entrySize]byte {
	var buf [entrySize]byte
	buf[0] = byte(e.Inumber)
	buf[1] = byte(e.Inumber >> 8)
	buf[2] = byte(e.Inumber >> 16)
	buf[3] = byte(e.Inumber >> 24)
	copy(buf[4:4+NameMax], e.Name)
	if e.InUse {
		buf[4+NameMax] = 1
	}
	return buf
}

func decodeEntry(buf []byte) Entry {
	inumber := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	nameBuf := buf[4 : 4+NameMax]
	n := 0
	for n < len(nameBuf) && nameBuf[n] != 0 {
		n++
	}
	return Entry{
		Inumber: inumber,
		Name:    string(nameBuf[:n]),
		InUse:   buf[4+NameMax] != 0,
	}
}

func numSlots(f *fileio.File) int {
	return int(f.Length()) / entrySize
}

func readEntry(f *fileio.File, slot int) (Entry, error) {
	var buf [entrySize]byte
	_, err := f.ReadAt(buf[:], int64(slot)*entrySize)
	if err != nil {
		return Entry{}, err
	}
	return decodeEntry(buf[:]), nil
}

// Lookup searches a directory's entry stream for `name`.
func Lookup(f *fileio.File, name string) (Entry, bool, error) {
	n := numSlots(f)
	for i := 0; i < n; i++ {
		e, err := readEntry(f, i)
		if err != nil {
			return Entry{}, false, err
		}
		if e.InUse && e.Name == name {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// List returns every in-use entry in a directory.
func List(f *fileio.File) ([]Entry, error) {
	n := numSlots(f)
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := readEntry(f, i)
		if err != nil {
			return nil, err
		}
		if e.InUse {
			out = append(out, e)
		}
	}
	return out, nil
}

// IsEmpty reports whether a directory has no entries besides "." and "..".
func IsEmpty(f *fileio.File) (bool, error) {
	entries, err := List(f)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return false, nil
		}
	}
	return true, nil
}

// addMu serializes Add across all directories: Add scans the entry stream
// for a duplicate and a free slot before it writes, and two interleaved
// Adds could otherwise pick the same slot.
var addMu sync.Mutex

// Add inserts a new entry, reusing a cleared slot if one exists, otherwise
// appending. It refuses a duplicate name with ferrors.AlreadyExists,
// matching filesys_create's check before it ever allocates an inode.
func Add(ctx context.Context, f *fileio.File, name string, inumber uint32) error {
	if len(name) == 0 || len(name) > NameMax {
		return ferrors.New(ferrors.PreconditionViolation, "directory: name %q out of range", name)
	}
	addMu.Lock()
	defer addMu.Unlock()
	if _, found, err := Lookup(f, name); err != nil {
		return err
	} else if found {
		return ferrors.New(ferrors.AlreadyExists, "directory: %q already exists", name)
	}

	n := numSlots(f)
	slot := n
	for i := 0; i < n; i++ {
		e, err := readEntry(f, i)
		if err != nil {
			return err
		}
		if !e.InUse {
			slot = i
			break
		}
	}
	buf := encodeEntry(Entry{Inumber: inumber, Name: name, InUse: true})
	_, err := f.WriteAt(ctx, buf[:], int64(slot)*entrySize)
	return err
}

// Remove clears the entry named `name`. It does not touch the underlying
// inode's reference count or removed flag; callers that also need to
// release the target inode do that separately through the open-inode
// table, mirroring how Pintos's dir_remove only unlinks the directory
// entry and leaves inode_close to do the actual deallocation.
func Remove(ctx context.Context, f *fileio.File, name string) error {
	n := numSlots(f)
	for i := 0; i < n; i++ {
		e, err := readEntry(f, i)
		if err != nil {
			return err
		}
		if e.InUse && e.Name == name {
			buf := encodeEntry(Entry{})
			_, err := f.WriteAt(ctx, buf[:], int64(i)*entrySize)
			return err
		}
	}
	return ferrors.New(ferrors.FileNotFound, "directory: no entry named %q", name)
}

// Format writes the "." and ".." bootstrap entries into a freshly created,
// empty directory inode. The root directory formats with parentSector
// equal to its own sector, a Pintos convention (ROOT_DIR_SECTOR's ".."
// points to itself) carried into FormatRoot below.
func Format(ctx context.Context, table *inode.Table, cache *sectorcache.Cache, fm *freemap.FreeMap, sector, parentSector uint32) error {
	open, err := table.Open(sector)
	if err != nil {
		return err
	}
	defer table.Close(open)

	f := fileio.New(open, cache, fm)
	if err := Add(ctx, f, ".", sector); err != nil {
		return err
	}
	return Add(ctx, f, "..", parentSector)
}

// FormatRoot formats the root directory's own inode, whose ".." is itself.
func FormatRoot(ctx context.Context, table *inode.Table, cache *sectorcache.Cache, fm *freemap.FreeMap, rootSector uint32) error {
	return Format(ctx, table, cache, fm, rootSector, rootSector)
}

// Mkdir creates a new, empty directory named `name` inside parent, formats
// its "." / ".." entries, and links it into parent. If linking fails (name
// already taken) the freshly created inode is torn back down rather than
// left as an orphaned, unreachable sector.
func Mkdir(ctx context.Context, table *inode.Table, cache *sectorcache.Cache, fm *freemap.FreeMap, parent *fileio.File, name string) (uint32, error) {
	sector, err := table.CreateDir(0)
	if err != nil {
		return 0, err
	}
	if err := Format(ctx, table, cache, fm, sector, parent.Inumber()); err != nil {
		discard(table, sector)
		return 0, err
	}
	if err := Add(ctx, parent, name, sector); err != nil {
		discard(table, sector)
		return 0, err
	}
	return sector, nil
}

// discard removes a just-created, never-linked inode: open it, mark it
// removed, and close that reference; with no other opener, the close frees
// its sectors immediately.
func discard(table *inode.Table, sector uint32) {
	open, err := table.Open(sector)
	if err != nil {
		return
	}
	table.Remove(open)
	table.Close(open)
}

// Rmdir unlinks a directory entry that names a directory, refusing to do
// so if the target directory still has entries beyond "." and "..". This
// resolves spec's open question on non-empty directories the same way the
// teacher's RmdirDirD81 defaults (refuse unless told otherwise) rather than
// silently recursing.
func Rmdir(ctx context.Context, table *inode.Table, cache *sectorcache.Cache, fm *freemap.FreeMap, parent *fileio.File, name string) error {
	entry, found, err := Lookup(parent, name)
	if err != nil {
		return err
	}
	if !found {
		return ferrors.New(ferrors.FileNotFound, "directory: no entry named %q", name)
	}

	open, err := table.Open(entry.Inumber)
	if err != nil {
		return err
	}
	isDir := false
	open.WithMetadata(func(d *inode.Disk) { isDir = d.IsDir })
	if !isDir {
		table.Close(open)
		return ferrors.New(ferrors.NotADirectory, "directory: %q is not a directory", name)
	}
	target := fileio.New(open, cache, fm)
	empty, err := IsEmpty(target)
	if err != nil {
		table.Close(open)
		return err
	}
	if !empty {
		table.Close(open)
		return ferrors.New(ferrors.DirNotEmpty, "directory: %q is not empty", name)
	}
	table.Remove(open)
	if err := table.Close(open); err != nil {
		return err
	}
	return Remove(ctx, parent, name)
}
