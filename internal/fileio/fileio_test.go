package fileio_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pintosfs/pintosfs/internal/blockdevice"
	"github.com/pintosfs/pintosfs/internal/ferrors"
	"github.com/pintosfs/pintosfs/internal/fileio"
	"github.com/pintosfs/pintosfs/internal/freemap"
	"github.com/pintosfs/pintosfs/internal/inode"
	"github.com/pintosfs/pintosfs/internal/sectorcache"
)

type fixture struct {
	table *inode.Table
	cache *sectorcache.Cache
	fm    *freemap.FreeMap
}

func newFixture(sectors uint32) *fixture {
	dev := blockdevice.NewMemory(sectors)
	cache := sectorcache.New(dev, int(sectors))
	fm := freemap.New(sectors)
	return &fixture{table: inode.NewTable(cache, fm), cache: cache, fm: fm}
}

func (fx *fixture) newFile(t *testing.T) (*fileio.File, func()) {
	t.Helper()
	sector, err := fx.table.Create(0)
	require.NoError(t, err)
	open, err := fx.table.Open(sector)
	require.NoError(t, err)
	return fileio.New(open, fx.cache, fx.fm), func() { fx.table.Close(open) }
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	fx := newFixture(64)
	f, closeFn := fx.newFile(t)
	defer closeFn()

	want := []byte("hello pintos")
	n, err := f.WriteAt(context.Background(), want, 0)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)

	got := make([]byte, len(want))
	n, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, want, got)
}

func TestWriteGrowsFileAndZeroFillsHoles(t *testing.T) {
	fx := newFixture(64)
	f, closeFn := fx.newFile(t)
	defer closeFn()

	_, err := f.WriteAt(context.Background(), []byte("end"), 2000)
	require.NoError(t, err)
	assert.EqualValues(t, 2003, f.Length())

	got := make([]byte, 10)
	_, err = f.ReadAt(got, 100)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 10), got)
}

func TestWriteSpanningMultipleSectors(t *testing.T) {
	fx := newFixture(64)
	f, closeFn := fx.newFile(t)
	defer closeFn()

	payload := make([]byte, blockdevice.SectorSize*3+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	n, err := f.WriteAt(context.Background(), payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got := make([]byte, len(payload))
	n, err = f.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}

func TestReadAtOrPastEOFReturnsEOF(t *testing.T) {
	fx := newFixture(64)
	f, closeFn := fx.newFile(t)
	defer closeFn()

	_, err := f.WriteAt(context.Background(), []byte("abc"), 0)
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := f.ReadAt(buf, 3)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadClampsToFileLength(t *testing.T) {
	fx := newFixture(64)
	f, closeFn := fx.newFile(t)
	defer closeFn()

	_, err := f.WriteAt(context.Background(), []byte("abcde"), 0)
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := f.ReadAt(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte("cde"), buf[:3])
}

func TestWriteDeniedReturnsError(t *testing.T) {
	fx := newFixture(64)
	f, closeFn := fx.newFile(t)
	defer closeFn()

	f.DenyWrite()
	_, err := f.WriteAt(context.Background(), []byte("x"), 0)
	assert.Equal(t, ferrors.WritesDenied, ferrors.KindOf(err))
	f.AllowWrite()

	_, err = f.WriteAt(context.Background(), []byte("x"), 0)
	assert.NoError(t, err)
}

func TestWriteBeyondMaxFileSizeFails(t *testing.T) {
	fx := newFixture(64)
	f, closeFn := fx.newFile(t)
	defer closeFn()

	_, err := f.WriteAt(context.Background(), []byte("x"), inode.MaxFileSize)
	assert.Equal(t, ferrors.OutOfSpace, ferrors.KindOf(err))
}

func TestNegativeOffsetsRejected(t *testing.T) {
	fx := newFixture(64)
	f, closeFn := fx.newFile(t)
	defer closeFn()

	_, err := f.ReadAt(make([]byte, 1), -1)
	assert.Equal(t, ferrors.PreconditionViolation, ferrors.KindOf(err))

	_, err = f.WriteAt(context.Background(), []byte("x"), -1)
	assert.Equal(t, ferrors.PreconditionViolation, ferrors.KindOf(err))
}
