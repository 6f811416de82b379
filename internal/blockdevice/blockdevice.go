// Package blockdevice is the lowest external collaborator: a fixed-size
// sector device. Its contract mirrors Pintos's devices/block.h
// (block_read/block_write): both operations are assumed synchronous and
// infallible from the filesystem's point of view — a failing read or write
// indicates a broken harness or device, not a condition the filesystem can
// recover from, so implementations panic rather than return an error.
package blockdevice

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// SectorSize is the fixed size of one addressable unit of the device, as in
// spec.md's Sector (512 bytes).
const SectorSize = 512

// Device is the interface the rest of the filesystem consumes. Sector is a
// zero-based index; out-of-range indices panic, matching the spec's
// PreconditionViolation / "diagnostic panic" failure mode for this layer.
type Device interface {
	// ReadSector copies exactly SectorSize bytes from sector idx into out.
	ReadSector(idx uint32, out []byte)
	// WriteSector copies exactly SectorSize bytes from in into sector idx.
	WriteSector(idx uint32, in []byte)
	// SectorCount reports the number of addressable sectors.
	SectorCount() uint32
}

// Memory is an in-memory Device, useful for tests and for formatting a new
// image before it is ever backed by a file.
type Memory struct {
	mu      sync.Mutex
	data    []byte
	reads   uint64
	writes  uint64
}

// NewMemory allocates a zero-filled in-memory device of the given sector
// count.
func NewMemory(sectors uint32) *Memory {
	return &Memory{data: make([]byte, uint64(sectors)*SectorSize)}
}

func (m *Memory) SectorCount() uint32 { return uint32(len(m.data) / SectorSize) }

func (m *Memory) ReadSector(idx uint32, out []byte) {
	if len(out) != SectorSize {
		panic(fmt.Sprintf("blockdevice: read buffer length %d != sector size", len(out)))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	off := sectorOffset(idx, m.SectorCount())
	copy(out, m.data[off:off+SectorSize])
	atomic.AddUint64(&m.reads, 1)
}

func (m *Memory) WriteSector(idx uint32, in []byte) {
	if len(in) != SectorSize {
		panic(fmt.Sprintf("blockdevice: write buffer length %d != sector size", len(in)))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	off := sectorOffset(idx, m.SectorCount())
	copy(m.data[off:off+SectorSize], in)
	atomic.AddUint64(&m.writes, 1)
}

// Reads returns the number of completed ReadSector calls.
func (m *Memory) Reads() uint64 { return atomic.LoadUint64(&m.reads) }

// Writes returns the number of completed WriteSector calls.
func (m *Memory) Writes() uint64 { return atomic.LoadUint64(&m.writes) }

// File is a Device backed by a regular OS file, pre-sized to sectors *
// SectorSize bytes. Reads/writes go straight to the file; the sector cache
// above this layer is what gives them write-back batching.
type File struct {
	mu      sync.Mutex
	f       *os.File
	sectors uint32
	reads   uint64
	writes  uint64
}

// OpenFile opens (creating and zero-extending if necessary) a file-backed
// device with the given sector count.
func OpenFile(path string, sectors uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	want := int64(sectors) * SectorSize
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < want {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &File{f: f, sectors: sectors}, nil
}

func (d *File) SectorCount() uint32 { return d.sectors }

func (d *File) ReadSector(idx uint32, out []byte) {
	if len(out) != SectorSize {
		panic(fmt.Sprintf("blockdevice: read buffer length %d != sector size", len(out)))
	}
	off := sectorOffset(idx, d.sectors)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.ReadAt(out, off); err != nil {
		panic(fmt.Sprintf("blockdevice: read sector %d: %v", idx, err))
	}
	atomic.AddUint64(&d.reads, 1)
}

func (d *File) WriteSector(idx uint32, in []byte) {
	if len(in) != SectorSize {
		panic(fmt.Sprintf("blockdevice: write buffer length %d != sector size", len(in)))
	}
	off := sectorOffset(idx, d.sectors)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.WriteAt(in, off); err != nil {
		panic(fmt.Sprintf("blockdevice: write sector %d: %v", idx, err))
	}
	atomic.AddUint64(&d.writes, 1)
}

// Sync flushes the underlying file to stable storage.
func (d *File) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

// Close releases the underlying file handle.
func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

func (d *File) Reads() uint64  { return atomic.LoadUint64(&d.reads) }
func (d *File) Writes() uint64 { return atomic.LoadUint64(&d.writes) }

func sectorOffset(idx, count uint32) int64 {
	if idx >= count {
		panic(fmt.Sprintf("blockdevice: sector %d out of range (count=%d)", idx, count))
	}
	return int64(idx) * SectorSize
}
