// Package inode implements the on-disk inode (component B), the tri-level
// resize engine (component C), the per-inode access controller (component
// D), and the open-inode table (component E).
//
// The on-disk layout is the self-contained form spec.md calls for: the
// inode's own sector *is* its on-disk record, there is no separate
// "self_sector" / "data sector" split (the original Pintos inode.c keeps
// struct inode_disk in a sector separate from the in-core struct inode's
// identity sector in one early draft; spec.md explicitly directs the
// simpler single-sector form, so that is what ships here).
package inode

import (
	"encoding/binary"

	"github.com/pintosfs/pintosfs/internal/blockdevice"
	"github.com/pintosfs/pintosfs/internal/ferrors"
	"github.com/pintosfs/pintosfs/internal/sectorcache"
)

const (
	// pointerBytes is the on-disk width of one sector-number pointer.
	pointerBytes = 4

	// DirectCount is the number of direct block pointers embedded in the
	// inode sector itself: everything that's left in a 512-byte sector
	// once Length, Indirect, DoubleIndirect, and Magic are accounted for.
	DirectCount = 124

	// PointersPerSector is how many sector-number pointers fit in one
	// indirect block: a full 512-byte sector of 4-byte pointers.
	PointersPerSector = blockdevice.SectorSize / pointerBytes

	// directCapacity, indirectCapacity, doubleIndirectCapacity are the
	// cumulative sector counts addressable once each band is exhausted.
	directCapacity         = DirectCount
	indirectCapacity       = directCapacity + PointersPerSector
	doubleIndirectCapacity = indirectCapacity + PointersPerSector*PointersPerSector

	// Magic tags a sector as a valid inode record; SectorForPos and the
	// open-inode table refuse to trust a sector whose magic doesn't match.
	Magic uint32 = 0x494e4f44 // "INOD"
)

// MaxFileSize is the largest length (in bytes) the tri-level sector map can
// address.
const MaxFileSize = int64(doubleIndirectCapacity) * blockdevice.SectorSize

// isDirBit is packed into the high bit of the on-disk Length word. A
// directory's length never approaches 2^31 bytes (MaxFileSize is far
// smaller), so the bit is always free; this avoids growing the record
// past 512 bytes just to carry one boolean, and keeps direct/indirect/
// doubly-indirect at exactly the sizes the design calls for.
const isDirBit = uint32(1) << 31

// Disk is the on-disk inode record, exactly one sector wide.
type Disk struct {
	Length         uint32
	IsDir          bool
	Direct         [DirectCount]uint32
	Indirect       uint32
	DoubleIndirect uint32
	Magic          uint32
}

// Encode serializes d into a 512-byte sector image.
func (d *Disk) Encode() [blockdevice.SectorSize]byte {
	var buf [blockdevice.SectorSize]byte
	off := 0
	lengthWord := d.Length &^ isDirBit
	if d.IsDir {
		lengthWord |= isDirBit
	}
	binary.LittleEndian.PutUint32(buf[off:], lengthWord)
	off += 4
	for i := 0; i < DirectCount; i++ {
		binary.LittleEndian.PutUint32(buf[off:], d.Direct[i])
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], d.Indirect)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.DoubleIndirect)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.Magic)
	return buf
}

// Decode parses a 512-byte sector image into a Disk. It returns
// ferrors.CorruptInode if the magic does not match.
func Decode(buf []byte) (*Disk, error) {
	if len(buf) != blockdevice.SectorSize {
		return nil, ferrors.New(ferrors.PreconditionViolation, "inode: decode buffer length %d", len(buf))
	}
	d := &Disk{}
	off := 0
	lengthWord := binary.LittleEndian.Uint32(buf[off:])
	d.Length = lengthWord &^ isDirBit
	d.IsDir = lengthWord&isDirBit != 0
	off += 4
	for i := 0; i < DirectCount; i++ {
		d.Direct[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	d.Indirect = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.DoubleIndirect = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.Magic = binary.LittleEndian.Uint32(buf[off:])
	if d.Magic != Magic {
		return nil, ferrors.New(ferrors.CorruptInode, "inode: bad magic %#x", d.Magic)
	}
	return d, nil
}

// bytesToSectors rounds a byte length up to a sector count.
func bytesToSectors(size uint32) int {
	return int((int64(size) + blockdevice.SectorSize - 1) / blockdevice.SectorSize)
}

// SectorForPos resolves the sector that holds file offset pos, following
// the direct/indirect/doubly-indirect bands in turn. ok is false if pos
// lies beyond any sector this inode has allocated.
func SectorForPos(cache *sectorcache.Cache, d *Disk, pos int64) (sector uint32, ok bool) {
	if pos < 0 {
		return 0, false
	}
	index := int(pos / blockdevice.SectorSize)

	if index < directCapacity {
		s := d.Direct[index]
		return s, s != 0
	}
	index -= directCapacity

	if index < PointersPerSector {
		if d.Indirect == 0 {
			return 0, false
		}
		s := readPointer(cache, d.Indirect, index)
		return s, s != 0
	}
	index -= PointersPerSector

	if index < PointersPerSector*PointersPerSector {
		if d.DoubleIndirect == 0 {
			return 0, false
		}
		first := index / PointersPerSector
		second := index % PointersPerSector
		l1 := readPointer(cache, d.DoubleIndirect, first)
		if l1 == 0 {
			return 0, false
		}
		s := readPointer(cache, l1, second)
		return s, s != 0
	}
	return 0, false
}

func readPointer(cache *sectorcache.Cache, sector uint32, slot int) uint32 {
	var buf [pointerBytes]byte
	cache.Read(sector, slot*pointerBytes, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func writePointer(cache *sectorcache.Cache, sector uint32, slot int, value uint32) {
	var buf [pointerBytes]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	cache.Write(sector, slot*pointerBytes, buf[:])
}
