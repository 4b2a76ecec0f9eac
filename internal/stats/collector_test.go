package stats

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()
	const goroutines = 100
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range opsPerGoroutine {
				c.AddFilesScanned(1)
				c.AddFilesCopied(1)
				c.AddFilesSkipped(1)
				c.AddBytesCopied(256)
				c.AddDirsCreated(1)
				c.AddSymlinksCreated(1)
				c.AddHardlinksCreated(1)
				c.AddSpecialsCreated(1)
				c.AddBoundariesSkipped(1)
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	expected := int64(goroutines * opsPerGoroutine)
	assert.Equal(t, expected, s.FilesScanned)
	assert.Equal(t, expected, s.FilesCopied)
	assert.Equal(t, expected, s.FilesSkipped)
	assert.Equal(t, expected*256, s.BytesCopied)
	assert.Equal(t, expected, s.DirsCreated)
	assert.Equal(t, expected, s.SymlinksCreated)
	assert.Equal(t, expected, s.HardlinksCreated)
	assert.Equal(t, expected, s.SpecialsCreated)
	assert.Equal(t, expected, s.BoundariesSkipped)
}

func TestRecordFailureConcurrent(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordFailure(Failure{Path: "f", Kind: "permanent_io", Attempts: i, Err: errors.New("boom")})
		}()
	}
	wg.Wait()

	assert.Len(t, c.Failures(), 50)
	assert.Equal(t, int64(50), c.Snapshot().FilesFailed)
}

func TestFailuresIsACopy(t *testing.T) {
	c := NewCollector()
	c.RecordFailure(Failure{Path: "a"})
	got := c.Failures()
	got[0].Path = "mutated"
	assert.Equal(t, "a", c.Failures()[0].Path)
}

func TestFailureString(t *testing.T) {
	f := Failure{Path: "dir/x", Kind: "transient_io", Attempts: 5, Err: errors.New("resource busy")}
	assert.Equal(t, "dir/x: transient_io after 5 attempt(s): resource busy", f.String())
}

func TestSnapshotString(t *testing.T) {
	s := Snapshot{
		FilesScanned:      10,
		FilesCopied:       8,
		FilesFailed:       1,
		FilesSkipped:      1,
		BytesCopied:       4096,
		DirsCreated:       3,
		SymlinksCreated:   1,
		HardlinksCreated:  2,
		BoundariesSkipped: 1,
	}
	expected := "scanned=10 copied=8 failed=1 skipped=1 bytes=4096 dirs=3 symlinks=1 hardlinks=2 boundaries=1"
	assert.Equal(t, expected, s.String())
}

func TestRollingSpeed(t *testing.T) {
	c := NewCollector()
	assert.Zero(t, c.RollingSpeed(5))

	c.AddBytesCopied(100)
	c.AddFilesCopied(1)
	c.Tick()
	c.AddBytesCopied(300)
	c.AddFilesCopied(3)
	c.Tick()

	assert.InDelta(t, 200, c.RollingSpeed(2), 0.001)
	assert.InDelta(t, 300, c.RollingSpeed(1), 0.001)
	assert.InDelta(t, 2, c.RollingFilesPerSec(10), 0.001)
}

func TestETA(t *testing.T) {
	c := NewCollector()
	c.AddBytesTotal(1000)
	assert.Zero(t, c.ETA())

	c.AddBytesCopied(100)
	c.Tick()
	assert.Equal(t, 9*time.Second, c.ETA())
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	require.False(t, c.startTime.IsZero())
	assert.InDelta(t, 0, c.Elapsed().Seconds(), 1)
}

func TestTotals(t *testing.T) {
	c := NewCollector()
	c.AddFilesTotal(100)
	c.AddBytesTotal(1024 * 1024)
	s := c.Snapshot()
	assert.Equal(t, int64(100), s.FilesTotal)
	assert.Equal(t, int64(1024*1024), s.BytesTotal)
}
