package inode

import (
	"github.com/grailbio/base/log"

	"github.com/pintosfs/pintosfs/internal/freemap"
	"github.com/pintosfs/pintosfs/internal/sectorcache"
)

// Resize grows or shrinks d's sector map to hold newLength bytes, allocating
// or releasing sectors band by band (direct, indirect, doubly-indirect) as
// Pintos's inode_resize does. On allocation failure partway through, it
// rolls back by resizing back down to the original length — which only ever
// releases sectors, and so cannot itself fail — and returns
// ferrors.OutOfSpace. On success, d.Length is updated to newLength.
func Resize(cache *sectorcache.Cache, fm *freemap.FreeMap, d *Disk, newLength uint32) error {
	original := d.Length
	target := bytesToSectors(newLength)

	if err := resizeTo(cache, fm, d, target); err != nil {
		if rerr := resizeTo(cache, fm, d, bytesToSectors(original)); rerr != nil {
			log.Error.Printf("inode: rollback resize failed: %v (original error: %v)", rerr, err)
		}
		return err
	}
	d.Length = newLength
	return nil
}

func resizeTo(cache *sectorcache.Cache, fm *freemap.FreeMap, d *Disk, target int) error {
	if err := resizeDirectBand(cache, fm, d, clamp(target, 0, directCapacity)); err != nil {
		return err
	}

	indirectTarget := clamp(target-directCapacity, 0, PointersPerSector)
	if err := resizeIndirectBand(cache, fm, &d.Indirect, indirectTarget); err != nil {
		return err
	}

	doubleTarget := clamp(target-indirectCapacity, 0, PointersPerSector*PointersPerSector)
	return resizeDoubleIndirectBand(cache, fm, &d.DoubleIndirect, doubleTarget)
}

func resizeDirectBand(cache *sectorcache.Cache, fm *freemap.FreeMap, d *Disk, target int) error {
	for i := 0; i < DirectCount; i++ {
		want := i < target
		switch {
		case want && d.Direct[i] == 0:
			sec, err := fm.Allocate(1)
			if err != nil {
				return err
			}
			cache.ZeroFill(sec)
			d.Direct[i] = sec
		case !want && d.Direct[i] != 0:
			fm.Release(d.Direct[i], 1)
			d.Direct[i] = 0
		}
	}
	return nil
}

// resizeIndirectBand manages one indirect pointer block (single level):
// allocating or freeing the block itself as needed, and the data sectors it
// points to.
func resizeIndirectBand(cache *sectorcache.Cache, fm *freemap.FreeMap, blockSector *uint32, target int) error {
	if target > 0 && *blockSector == 0 {
		sec, err := fm.Allocate(1)
		if err != nil {
			return err
		}
		cache.ZeroFill(sec)
		*blockSector = sec
	}
	if *blockSector != 0 {
		if err := resizePointerBlock(cache, fm, *blockSector, target); err != nil {
			return err
		}
	}
	if target == 0 && *blockSector != 0 {
		fm.Release(*blockSector, 1)
		*blockSector = 0
	}
	return nil
}

func resizeDoubleIndirectBand(cache *sectorcache.Cache, fm *freemap.FreeMap, topSector *uint32, target int) error {
	if target > 0 && *topSector == 0 {
		sec, err := fm.Allocate(1)
		if err != nil {
			return err
		}
		cache.ZeroFill(sec)
		*topSector = sec
	}
	if *topSector != 0 {
		for first := 0; first < PointersPerSector; first++ {
			subTarget := clamp(target-first*PointersPerSector, 0, PointersPerSector)
			l1 := readPointer(cache, *topSector, first)
			if subTarget > 0 && l1 == 0 {
				sec, err := fm.Allocate(1)
				if err != nil {
					return err
				}
				cache.ZeroFill(sec)
				writePointer(cache, *topSector, first, sec)
				l1 = sec
			}
			if l1 != 0 {
				if err := resizePointerBlock(cache, fm, l1, subTarget); err != nil {
					return err
				}
			}
			if subTarget == 0 && l1 != 0 {
				fm.Release(l1, 1)
				writePointer(cache, *topSector, first, 0)
			}
		}
	}
	if target == 0 && *topSector != 0 {
		fm.Release(*topSector, 1)
		*topSector = 0
	}
	return nil
}

// resizePointerBlock allocates or releases the `target` data sectors
// referenced by the pointer block at blockSector.
func resizePointerBlock(cache *sectorcache.Cache, fm *freemap.FreeMap, blockSector uint32, target int) error {
	for slot := 0; slot < PointersPerSector; slot++ {
		want := slot < target
		cur := readPointer(cache, blockSector, slot)
		switch {
		case want && cur == 0:
			sec, err := fm.Allocate(1)
			if err != nil {
				return err
			}
			cache.ZeroFill(sec)
			writePointer(cache, blockSector, slot, sec)
		case !want && cur != 0:
			fm.Release(cur, 1)
			writePointer(cache, blockSector, slot, 0)
		}
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Deallocate releases every sector this inode owns, including the direct
// pointers and any allocated indirect/doubly-indirect blocks, without
// touching d.Length's stored value (the caller is discarding the inode
// entirely). It is equivalent to Resize(..., 0) but does not roll back on
// failure, since releasing sectors cannot fail.
func Deallocate(cache *sectorcache.Cache, fm *freemap.FreeMap, d *Disk) {
	if err := resizeTo(cache, fm, d, 0); err != nil {
		// Unreachable: resizeTo with target 0 only ever releases sectors.
		log.Error.Printf("inode: unexpected error deallocating: %v", err)
	}
}
