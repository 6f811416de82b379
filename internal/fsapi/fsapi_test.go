package fsapi_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pintosfs/pintosfs/internal/blockdevice"
	"github.com/pintosfs/pintosfs/internal/ferrors"
	"github.com/pintosfs/pintosfs/internal/fsapi"
)

func newFormatted(t *testing.T, sectors uint32) *fsapi.Filesys {
	t.Helper()
	dev := blockdevice.NewMemory(sectors)
	fs, err := fsapi.Format(dev, 16)
	require.NoError(t, err)
	return fs
}

func TestFormatThenCreateOpenWriteReadRoundTrip(t *testing.T) {
	fs := newFormatted(t, 1024)
	sess := fsapi.NewSession(fs)

	_, err := sess.Create("hello.txt")
	require.NoError(t, err)

	fd, err := sess.Open("hello.txt")
	require.NoError(t, err)
	defer sess.Close(fd)

	n, err := sess.Write(context.Background(), fd, []byte("hi there"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	require.NoError(t, sess.Seek(fd, 0))
	buf := make([]byte, 8)
	n, err = sess.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "hi there", string(buf))
}

func TestMkdirAndReaddir(t *testing.T) {
	fs := newFormatted(t, 1024)
	sess := fsapi.NewSession(fs)

	_, err := sess.Mkdir("docs")
	require.NoError(t, err)
	_, err = sess.Create("docs/readme.txt")
	require.NoError(t, err)

	fd, err := sess.Open("docs")
	require.NoError(t, err)
	defer sess.Close(fd)

	isDir, err := sess.IsDir(fd)
	require.NoError(t, err)
	assert.True(t, isDir)

	names, err := sess.Readdir(fd)
	require.NoError(t, err)
	assert.Equal(t, []string{"readme.txt"}, names)
}

func TestChdirThenRelativePaths(t *testing.T) {
	fs := newFormatted(t, 1024)
	sess := fsapi.NewSession(fs)

	_, err := sess.Mkdir("a")
	require.NoError(t, err)
	require.NoError(t, sess.Chdir("a"))

	_, err = sess.Create("inner.txt")
	require.NoError(t, err)

	fd, err := sess.Open("inner.txt")
	require.NoError(t, err)
	sess.Close(fd)

	require.NoError(t, sess.Chdir(".."))
	fd, err = sess.Open("a/inner.txt")
	require.NoError(t, err)
	sess.Close(fd)
}

func TestRemoveFileWhileOpenDeferredUntilClose(t *testing.T) {
	fs := newFormatted(t, 1024)
	sess := fsapi.NewSession(fs)
	_, err := sess.Create("doomed.txt")
	require.NoError(t, err)

	fd, err := sess.Open("doomed.txt")
	require.NoError(t, err)

	require.NoError(t, sess.Remove("doomed.txt"))

	// Still usable via the open handle.
	_, err = sess.Write(context.Background(), fd, []byte("abc"))
	require.NoError(t, err)

	require.NoError(t, sess.Close(fd))

	_, err = sess.Open("doomed.txt")
	assert.Equal(t, ferrors.FileNotFound, ferrors.KindOf(err))
}

func TestRemoveNonEmptyDirFails(t *testing.T) {
	fs := newFormatted(t, 1024)
	sess := fsapi.NewSession(fs)
	_, err := sess.Mkdir("full")
	require.NoError(t, err)
	_, err = sess.Create("full/x.txt")
	require.NoError(t, err)

	err = sess.Remove("full")
	assert.Equal(t, ferrors.DirNotEmpty, ferrors.KindOf(err))
}

func TestDenyWritePreventsOtherWriters(t *testing.T) {
	fs := newFormatted(t, 1024)
	sess := fsapi.NewSession(fs)
	_, err := sess.Create("exe")
	require.NoError(t, err)

	fd, err := sess.Open("exe")
	require.NoError(t, err)
	defer sess.Close(fd)

	require.NoError(t, sess.DenyWrite(fd))
	_, err = sess.Write(context.Background(), fd, []byte("x"))
	assert.Equal(t, ferrors.WritesDenied, ferrors.KindOf(err))

	require.NoError(t, sess.AllowWrite(fd))
	_, err = sess.Write(context.Background(), fd, []byte("x"))
	assert.NoError(t, err)
}

func TestSyncThenMountRecoversContents(t *testing.T) {
	dev := blockdevice.NewMemory(1024)
	fs, err := fsapi.Format(dev, 16)
	require.NoError(t, err)
	sess := fsapi.NewSession(fs)

	_, err = sess.Create("persisted.txt")
	require.NoError(t, err)
	fd, err := sess.Open("persisted.txt")
	require.NoError(t, err)
	_, err = sess.Write(context.Background(), fd, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, sess.Close(fd))
	require.NoError(t, fs.Sync())

	remounted, err := fsapi.Mount(dev, 16)
	require.NoError(t, err)
	sess2 := fsapi.NewSession(remounted)

	fd2, err := sess2.Open("persisted.txt")
	require.NoError(t, err)
	defer sess2.Close(fd2)
	buf := make([]byte, 7)
	n, err := sess2.Read(fd2, buf)
	require.NoError(t, err)
	assert.Equal(t, "durable", string(buf[:n]))
}

func TestReadPastEndOfFileReturnsEOF(t *testing.T) {
	fs := newFormatted(t, 1024)
	sess := fsapi.NewSession(fs)
	_, err := sess.Create("short.txt")
	require.NoError(t, err)
	fd, err := sess.Open("short.txt")
	require.NoError(t, err)
	defer sess.Close(fd)

	_, err = sess.Write(context.Background(), fd, []byte("ab"))
	require.NoError(t, err)
	require.NoError(t, sess.Seek(fd, 2))

	buf := make([]byte, 4)
	_, err = sess.Read(fd, buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCacheAndDeviceCountersAdvance(t *testing.T) {
	fs := newFormatted(t, 1024)
	sess := fsapi.NewSession(fs)
	_, err := sess.Create("counted.txt")
	require.NoError(t, err)
	fd, err := sess.Open("counted.txt")
	require.NoError(t, err)
	defer sess.Close(fd)

	_, err = sess.Write(context.Background(), fd, []byte("abc"))
	require.NoError(t, err)

	assert.Greater(t, fs.NumCacheAccesses(), uint64(0))
	fs.ResetCache()
	assert.EqualValues(t, 0, fs.NumCacheAccesses())
}

func TestOpenMissingPathFails(t *testing.T) {
	fs := newFormatted(t, 1024)
	sess := fsapi.NewSession(fs)
	_, err := sess.Open("nope.txt")
	assert.Equal(t, ferrors.FileNotFound, ferrors.KindOf(err))
}

func TestPathThroughNonDirectoryComponentFails(t *testing.T) {
	fs := newFormatted(t, 1024)
	sess := fsapi.NewSession(fs)
	_, err := sess.Create("plain")
	require.NoError(t, err)

	_, err = sess.Open("plain/child")
	assert.Equal(t, ferrors.NotADirectory, ferrors.KindOf(err))
}

// Separate sessions opening and writing their own files concurrently must
// not corrupt each other's data; each session's fd table and cwd are its
// own, only the underlying Filesys is shared.
func TestConcurrentSessionsWriteDistinctFilesSafely(t *testing.T) {
	fs := newFormatted(t, 1024)

	const numWriters = 8
	var g errgroup.Group
	for i := 0; i < numWriters; i++ {
		i := i
		g.Go(func() error {
			sess := fsapi.NewSession(fs)
			name := "concurrent-" + string(rune('a'+i)) + ".txt"
			if _, err := sess.Create(name); err != nil {
				return err
			}
			fd, err := sess.Open(name)
			if err != nil {
				return err
			}
			defer sess.Close(fd)
			payload := []byte(name)
			if _, err := sess.Write(context.Background(), fd, payload); err != nil {
				return err
			}
			require.NoError(t, sess.Seek(fd, 0))
			buf := make([]byte, len(payload))
			n, err := sess.Read(fd, buf)
			if err != nil {
				return err
			}
			if n != len(payload) || string(buf) != name {
				t.Errorf("round trip mismatch for %s: got %q", name, buf[:n])
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
