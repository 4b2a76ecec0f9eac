package engine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDetectSparseSegments_NonSparse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regular")
	data := bytes.Repeat([]byte("A"), 4096)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	fd, err := os.Open(path)
	require.NoError(t, err)
	defer fd.Close()

	segments, err := DetectSparseSegments(int(fd.Fd()), int64(len(data)))
	require.NoError(t, err)
	require.NotEmpty(t, segments)
	assert.Equal(t, int64(len(data)), dataLength(segments))
}

func TestDetectSparseSegments_Sparse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparse")

	// 1MB hole followed by 4KB of data.
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	fileSize := int64(1024*1024 + 4096)
	require.NoError(t, fd.Truncate(fileSize))
	_, err = unix.Pwrite(int(fd.Fd()), bytes.Repeat([]byte("B"), 4096), 1024*1024)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	rfd, err := os.Open(path)
	require.NoError(t, err)
	defer rfd.Close()

	segments, err := DetectSparseSegments(int(rfd.Fd()), fileSize)
	require.NoError(t, err)
	require.NotEmpty(t, segments)

	// Filesystems without hole tracking report the whole file as data;
	// either way the data written must be covered.
	last := segments[len(segments)-1]
	assert.Equal(t, fileSize, last.End())
	assert.GreaterOrEqual(t, dataLength(segments), int64(4096))
	assert.LessOrEqual(t, dataLength(segments), fileSize)
}

func TestDetectSparseSegments_AllHole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hole")
	fd, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, fd.Truncate(1<<20))
	defer fd.Close()

	segments, err := DetectSparseSegments(int(fd.Fd()), 1<<20)
	require.NoError(t, err)
	// Either no data at all or a single whole-file fallback segment.
	assert.LessOrEqual(t, len(segments), 1)
}

func TestDetectSparseSegments_Empty(t *testing.T) {
	segments, err := DetectSparseSegments(-1, 0)
	require.NoError(t, err)
	assert.Nil(t, segments)
}

func TestSegmentEnd(t *testing.T) {
	assert.Equal(t, int64(150), Segment{Offset: 100, Length: 50}.End())
	assert.Equal(t, int64(80), dataLength([]Segment{{Offset: 0, Length: 30}, {Offset: 100, Length: 50}}))
}
