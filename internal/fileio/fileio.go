// Package fileio implements the file read/write driver (component F):
// splitting a logical (offset, length) request into the sector-sized
// chunks the cache understands, growing a file on write-past-EOF through
// the inode package's resize engine, and enforcing deny_write.
package fileio

import (
	"context"
	"io"

	"github.com/pintosfs/pintosfs/internal/blockdevice"
	"github.com/pintosfs/pintosfs/internal/ferrors"
	"github.com/pintosfs/pintosfs/internal/freemap"
	"github.com/pintosfs/pintosfs/internal/inode"
	"github.com/pintosfs/pintosfs/internal/sectorcache"
)

// File is a read/write handle onto one open inode.
type File struct {
	open  *inode.OpenInode
	cache *sectorcache.Cache
	fm    *freemap.FreeMap
}

// New wraps an already-open inode for read/write access.
func New(open *inode.OpenInode, cache *sectorcache.Cache, fm *freemap.FreeMap) *File {
	return &File{open: open, cache: cache, fm: fm}
}

// Length returns the file's current length in bytes.
func (f *File) Length() uint32 {
	var length uint32
	f.open.WithMetadata(func(d *inode.Disk) { length = d.Length })
	return length
}

// Inumber returns the sector number that identifies this file.
func (f *File) Inumber() uint32 { return f.open.Sector }

// DenyWrite and AllowWrite pass through to the underlying open inode;
// exposed here because fileio is where deny_write actually takes effect.
func (f *File) DenyWrite()        { f.open.DenyWrite() }
func (f *File) AllowWrite()       { f.open.AllowWrite() }
func (f *File) WritesDenied() bool { return f.open.WritesDenied() }

// ReadAt copies up to len(buf) bytes starting at file offset pos into buf,
// clamped to the file's current length. It returns the number of bytes
// read and io.EOF if pos is at or past the end of the file, matching
// os.File.ReadAt's contract rather than inventing a distinct error kind for
// an entirely ordinary condition.
func (f *File) ReadAt(buf []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, ferrors.New(ferrors.PreconditionViolation, "fileio: negative read offset %d", pos)
	}

	f.open.Access.AcquireRead()
	defer f.open.Access.ReleaseRead()

	length := f.Length()
	if pos >= int64(length) {
		return 0, io.EOF
	}
	want := len(buf)
	if avail := int64(length) - pos; int64(want) > avail {
		want = int(avail)
	}

	read := 0
	for read < want {
		curPos := pos + int64(read)
		var sector uint32
		var ok bool
		f.open.WithMetadata(func(d *inode.Disk) {
			sector, ok = inode.SectorForPos(f.cache, d, curPos)
		})
		offsetInSector := int(curPos % blockdevice.SectorSize)
		chunk := blockdevice.SectorSize - offsetInSector
		if remaining := want - read; chunk > remaining {
			chunk = remaining
		}
		if !ok {
			// A zero map entry reads as zero without touching the cache.
			// Resize allocates and zero-fills every sector below the
			// length, so this is reached only for an inode record whose
			// map holds a zero entry below its length.
			for i := 0; i < chunk; i++ {
				buf[read+i] = 0
			}
		} else {
			f.cache.Read(sector, offsetInSector, buf[read:read+chunk])
		}
		read += chunk
	}
	return read, nil
}

// WriteAt copies buf into the file at offset pos, growing the file (via the
// resize engine) if pos+len(buf) exceeds the current length. ctx bounds how
// long the call is willing to wait to acquire this inode's resize latch.
func (f *File) WriteAt(ctx context.Context, buf []byte, pos int64) (int, error) {
	if pos < 0 {
		return 0, ferrors.New(ferrors.PreconditionViolation, "fileio: negative write offset %d", pos)
	}

	f.open.Access.AcquireWrite()
	defer f.open.Access.ReleaseWrite()

	if f.open.WritesDenied() {
		return 0, ferrors.New(ferrors.WritesDenied, "fileio: writes denied on inode %d", f.open.Sector)
	}

	end := pos + int64(len(buf))
	var length uint32
	f.open.WithMetadata(func(d *inode.Disk) { length = d.Length })

	if end > int64(length) {
		if end > inode.MaxFileSize {
			return 0, ferrors.New(ferrors.OutOfSpace, "fileio: write would exceed max file size")
		}
		if err := f.open.Access.AcquireResize(ctx); err != nil {
			return 0, err
		}
		var rerr error
		f.open.WithMetadata(func(d *inode.Disk) {
			rerr = inode.Resize(f.cache, f.fm, d, uint32(end))
		})
		if rerr == nil {
			// Length and the sector-map pointers just changed live in the
			// inode's own sector, not in any pointer block the loop below
			// touches, so the growth must be persisted here or it's lost
			// the moment this inode is evicted from the open table.
			inode.FlushMetadata(f.cache, f.open)
		}
		f.open.Access.ReleaseResize()
		if rerr != nil {
			return 0, rerr
		}
	}

	written := 0
	for written < len(buf) {
		curPos := pos + int64(written)
		var sector uint32
		var ok bool
		f.open.WithMetadata(func(d *inode.Disk) {
			sector, ok = inode.SectorForPos(f.cache, d, curPos)
		})
		if !ok {
			panic("fileio: write target sector unallocated after resize")
		}
		offsetInSector := int(curPos % blockdevice.SectorSize)
		chunk := blockdevice.SectorSize - offsetInSector
		if remaining := len(buf) - written; chunk > remaining {
			chunk = remaining
		}
		f.cache.Write(sector, offsetInSector, buf[written:written+chunk])
		written += chunk
	}
	return written, nil
}
