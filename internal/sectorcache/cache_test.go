package sectorcache_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pintosfs/pintosfs/internal/blockdevice"
	"github.com/pintosfs/pintosfs/internal/sectorcache"
)

func TestReadMissFetchesFromDevice(t *testing.T) {
	dev := blockdevice.NewMemory(4)
	seed := make([]byte, blockdevice.SectorSize)
	seed[0] = 0x42
	dev.WriteSector(1, seed)

	c := sectorcache.New(dev, 2)
	buf := make([]byte, 1)
	c.Read(1, 0, buf)
	assert.Equal(t, byte(0x42), buf[0])
	assert.EqualValues(t, 1, c.Accesses())
	assert.EqualValues(t, 0, c.Hits())
}

func TestReadHitDoesNotTouchDeviceAgain(t *testing.T) {
	dev := blockdevice.NewMemory(4)
	c := sectorcache.New(dev, 2)
	buf := make([]byte, 1)
	c.Read(0, 0, buf)
	readsAfterFirst := dev.Reads()
	c.Read(0, 0, buf)
	assert.Equal(t, readsAfterFirst, dev.Reads())
	assert.EqualValues(t, 2, c.Accesses())
	assert.EqualValues(t, 1, c.Hits())
}

func TestWriteIsDeferredUntilFlush(t *testing.T) {
	dev := blockdevice.NewMemory(2)
	c := sectorcache.New(dev, 2)
	data := []byte{0xFF}
	c.Write(0, 0, data)
	assert.EqualValues(t, 0, dev.Writes())

	c.Flush()
	assert.EqualValues(t, 1, dev.Writes())

	got := make([]byte, blockdevice.SectorSize)
	dev.ReadSector(0, got)
	assert.Equal(t, byte(0xFF), got[0])
}

func TestEvictionWritesBackDirtySlot(t *testing.T) {
	dev := blockdevice.NewMemory(3)
	c := sectorcache.New(dev, 1) // capacity 1 forces eviction on second sector
	c.Write(0, 0, []byte{0xAA})
	buf := make([]byte, 1)
	c.Read(1, 0, buf) // evicts sector 0's dirty slot

	got := make([]byte, blockdevice.SectorSize)
	dev.ReadSector(0, got)
	assert.Equal(t, byte(0xAA), got[0])
}

func TestZeroFillProducesAllZeroSector(t *testing.T) {
	dev := blockdevice.NewMemory(2)
	c := sectorcache.New(dev, 2)
	c.Write(0, 0, []byte{0x11, 0x22})
	c.ZeroFill(0)

	got := make([]byte, 4)
	c.Read(0, 0, got)
	assert.Equal(t, []byte{0, 0, 0, 0}, got)
}

func TestResetClearsCountersAndForcesColdMiss(t *testing.T) {
	dev := blockdevice.NewMemory(2)
	c := sectorcache.New(dev, 2)
	buf := make([]byte, 1)
	c.Read(0, 0, buf)
	c.Read(0, 0, buf)
	assert.EqualValues(t, 1, c.Hits())

	c.Reset()
	assert.EqualValues(t, 0, c.Hits())
	assert.EqualValues(t, 0, c.Accesses())

	c.Read(0, 0, buf)
	assert.EqualValues(t, 1, c.Accesses())
	assert.EqualValues(t, 0, c.Hits())
}

func TestResetFlushesDirtySlotsFirst(t *testing.T) {
	dev := blockdevice.NewMemory(2)
	c := sectorcache.New(dev, 2)
	c.Write(1, 0, []byte{0x77})
	c.Reset()

	got := make([]byte, blockdevice.SectorSize)
	dev.ReadSector(1, got)
	assert.Equal(t, byte(0x77), got[0])
}

func TestConcurrentAccessDoesNotRace(t *testing.T) {
	dev := blockdevice.NewMemory(8)
	c := sectorcache.New(dev, 4)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(sector uint32) {
			defer wg.Done()
			buf := make([]byte, 1)
			for i := 0; i < 50; i++ {
				c.Write(sector%8, 0, []byte{byte(i)})
				c.Read(sector%8, 0, buf)
			}
		}(uint32(g))
	}
	wg.Wait()
}
