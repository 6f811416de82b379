package inode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintosfs/pintosfs/internal/blockdevice"
	"github.com/pintosfs/pintosfs/internal/freemap"
	"github.com/pintosfs/pintosfs/internal/inode"
	"github.com/pintosfs/pintosfs/internal/sectorcache"
)

func newTableFixture(sectors uint32) *inode.Table {
	dev := blockdevice.NewMemory(sectors)
	cache := sectorcache.New(dev, int(sectors))
	fm := freemap.New(sectors)
	return inode.NewTable(cache, fm)
}

func TestCreateThenOpenLoadsDecodedRecord(t *testing.T) {
	tbl := newTableFixture(32)
	sector, err := tbl.Create(5 * blockdevice.SectorSize)
	require.NoError(t, err)

	o, err := tbl.Open(sector)
	require.NoError(t, err)
	defer tbl.Close(o)

	var length uint32
	o.WithMetadata(func(d *inode.Disk) { length = d.Length })
	assert.EqualValues(t, 5*blockdevice.SectorSize, length)
}

func TestCreateDirSetsIsDir(t *testing.T) {
	tbl := newTableFixture(32)
	sector, err := tbl.CreateDir(0)
	require.NoError(t, err)

	o, err := tbl.Open(sector)
	require.NoError(t, err)
	defer tbl.Close(o)

	var isDir bool
	o.WithMetadata(func(d *inode.Disk) { isDir = d.IsDir })
	assert.True(t, isDir)
}

func TestOpenOfSameSectorReturnsSameInstance(t *testing.T) {
	tbl := newTableFixture(32)
	sector, err := tbl.Create(0)
	require.NoError(t, err)

	a, err := tbl.Open(sector)
	require.NoError(t, err)
	b, err := tbl.Open(sector)
	require.NoError(t, err)

	assert.Same(t, a, b)
	tbl.Close(a)
	tbl.Close(b)
}

func TestCloseLastReferenceFreesRemovedInode(t *testing.T) {
	tbl := newTableFixture(32)
	sector, err := tbl.Create(3 * blockdevice.SectorSize)
	require.NoError(t, err)

	o, err := tbl.Open(sector)
	require.NoError(t, err)

	tbl.Remove(o)
	_, stillOpen := tbl.Lookup(sector)
	assert.True(t, stillOpen)

	require.NoError(t, tbl.Close(o))
	_, stillOpen = tbl.Lookup(sector)
	assert.False(t, stillOpen)
}

func TestRemoveWhileStillOpenDoesNotFreeUntilLastClose(t *testing.T) {
	tbl := newTableFixture(32)
	sector, err := tbl.Create(0)
	require.NoError(t, err)

	a, err := tbl.Open(sector)
	require.NoError(t, err)
	b, err := tbl.Open(sector)
	require.NoError(t, err)
	tbl.Remove(a)

	require.NoError(t, tbl.Close(a))
	_, stillOpen := tbl.Lookup(sector)
	assert.True(t, stillOpen, "second reference should keep the inode open")

	require.NoError(t, tbl.Close(b))
	_, stillOpen = tbl.Lookup(sector)
	assert.False(t, stillOpen)
}

func TestDenyWriteExceedsOpenCountPanics(t *testing.T) {
	tbl := newTableFixture(32)
	sector, err := tbl.Create(0)
	require.NoError(t, err)
	o, err := tbl.Open(sector)
	require.NoError(t, err)
	defer tbl.Close(o)

	o.DenyWrite()
	assert.Panics(t, func() { o.DenyWrite() })
}

func TestAllowWriteWithoutDenyPanics(t *testing.T) {
	tbl := newTableFixture(32)
	sector, err := tbl.Create(0)
	require.NoError(t, err)
	o, err := tbl.Open(sector)
	require.NoError(t, err)
	defer tbl.Close(o)

	assert.Panics(t, func() { o.AllowWrite() })
}

func TestCreateAtBootstrapsFixedSector(t *testing.T) {
	sectors := uint32(8)
	dev := blockdevice.NewMemory(sectors)
	cache := sectorcache.New(dev, int(sectors))
	fm := freemap.New(sectors)
	fm.MarkUsed(0, 1)
	tbl := inode.NewTable(cache, fm)

	require.NoError(t, tbl.CreateAt(0, 0, true))
	o, err := tbl.Open(0)
	require.NoError(t, err)
	defer tbl.Close(o)

	var isDir bool
	o.WithMetadata(func(d *inode.Disk) { isDir = d.IsDir })
	assert.True(t, isDir)
}
