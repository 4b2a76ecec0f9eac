package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Failure is one item that could not be synced.
type Failure struct {
	Err      error
	Path     string
	Kind     string
	Attempts int
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", f.Path, f.Kind, f.Attempts, f.Err)
}

// Collector tracks sync statistics using lock-free atomic counters.
type Collector struct {
	startTime time.Time

	filesScanned      atomic.Int64
	filesCopied       atomic.Int64
	filesFailed       atomic.Int64
	filesSkipped      atomic.Int64
	bytesCopied       atomic.Int64
	bytesTotal        atomic.Int64
	filesTotal        atomic.Int64
	dirsCreated       atomic.Int64
	symlinksCreated   atomic.Int64
	hardlinksCreated  atomic.Int64
	specialsCreated   atomic.Int64
	boundariesSkipped atomic.Int64
	attrWarnings      atomic.Int64
	retries           atomic.Int64
	zeroCopyFiles     atomic.Int64
	filesVerified     atomic.Int64
	filesCancelled    atomic.Int64

	// failures is appended to by workers; guarded by failMu.
	failMu   sync.Mutex
	failures []Failure

	// Ring buffer, written only by Tick.
	mu          sync.Mutex
	throughput  [ringSize]int64 // bytes delta per second
	filesPerSec [ringSize]int64 // files delta per second
	ringIdx     int
	ringCount   int // samples written, capped at ringSize
	lastBytes   int64
	lastFiles   int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesScanned      int64
	FilesCopied       int64
	FilesFailed       int64
	FilesSkipped      int64
	BytesCopied       int64
	BytesTotal        int64
	FilesTotal        int64
	DirsCreated       int64
	SymlinksCreated   int64
	HardlinksCreated  int64
	SpecialsCreated   int64
	BoundariesSkipped int64
	AttrWarnings      int64
	Retries           int64
	ZeroCopyFiles     int64
	FilesVerified     int64
	FilesCancelled    int64
	Elapsed           time.Duration
}

// AddFilesTotal and AddBytesTotal grow the totals while the walk is running.
func (c *Collector) AddFilesTotal(n int64) { c.filesTotal.Add(n) }
func (c *Collector) AddBytesTotal(n int64) { c.bytesTotal.Add(n) }

func (c *Collector) AddFilesScanned(n int64)      { c.filesScanned.Add(n) }
func (c *Collector) AddFilesCopied(n int64)       { c.filesCopied.Add(n) }
func (c *Collector) AddFilesFailed(n int64)       { c.filesFailed.Add(n) }
func (c *Collector) AddFilesSkipped(n int64)      { c.filesSkipped.Add(n) }
func (c *Collector) AddBytesCopied(n int64)       { c.bytesCopied.Add(n) }
func (c *Collector) AddDirsCreated(n int64)       { c.dirsCreated.Add(n) }
func (c *Collector) AddSymlinksCreated(n int64)   { c.symlinksCreated.Add(n) }
func (c *Collector) AddHardlinksCreated(n int64)  { c.hardlinksCreated.Add(n) }
func (c *Collector) AddSpecialsCreated(n int64)   { c.specialsCreated.Add(n) }
func (c *Collector) AddBoundariesSkipped(n int64) { c.boundariesSkipped.Add(n) }
func (c *Collector) AddAttrWarnings(n int64)      { c.attrWarnings.Add(n) }
func (c *Collector) AddRetries(n int64)           { c.retries.Add(n) }
func (c *Collector) AddZeroCopyFiles(n int64)     { c.zeroCopyFiles.Add(n) }
func (c *Collector) AddFilesVerified(n int64)     { c.filesVerified.Add(n) }
func (c *Collector) AddFilesCancelled(n int64)    { c.filesCancelled.Add(n) }

// RecordFailure counts a failed item and keeps it for the final report.
func (c *Collector) RecordFailure(f Failure) {
	c.filesFailed.Add(1)
	c.failMu.Lock()
	c.failures = append(c.failures, f)
	c.failMu.Unlock()
}

// Failures returns a copy of every recorded failure, in record order.
func (c *Collector) Failures() []Failure {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	out := make([]Failure, len(c.failures))
	copy(out, c.failures)
	return out
}

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesScanned:      c.filesScanned.Load(),
		FilesCopied:       c.filesCopied.Load(),
		FilesFailed:       c.filesFailed.Load(),
		FilesSkipped:      c.filesSkipped.Load(),
		BytesCopied:       c.bytesCopied.Load(),
		BytesTotal:        c.bytesTotal.Load(),
		FilesTotal:        c.filesTotal.Load(),
		DirsCreated:       c.dirsCreated.Load(),
		SymlinksCreated:   c.symlinksCreated.Load(),
		HardlinksCreated:  c.hardlinksCreated.Load(),
		SpecialsCreated:   c.specialsCreated.Load(),
		BoundariesSkipped: c.boundariesSkipped.Load(),
		AttrWarnings:      c.attrWarnings.Load(),
		Retries:           c.retries.Load(),
		ZeroCopyFiles:     c.zeroCopyFiles.Load(),
		FilesVerified:     c.filesVerified.Load(),
		FilesCancelled:    c.filesCancelled.Load(),
		Elapsed:           c.Elapsed(),
	}
}

// Tick snapshots byte/file deltas into the ring buffer. Called once a second
// by the progress reporter.
func (c *Collector) Tick() {
	currentBytes := c.bytesCopied.Load()
	currentFiles := c.filesCopied.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	bytesDelta := currentBytes - c.lastBytes
	filesDelta := currentFiles - c.lastFiles
	c.lastBytes = currentBytes
	c.lastFiles = currentFiles

	c.throughput[c.ringIdx] = bytesDelta
	c.filesPerSec[c.ringIdx] = filesDelta
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.throughput[:], seconds)
}

// RollingFilesPerSec returns average files/sec over the last n seconds.
func (c *Collector) RollingFilesPerSec(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.filesPerSec[:], seconds)
}

func (c *Collector) rollingAvg(buf []int64, n int) float64 {
	count := min(n, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += buf[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining time based on rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesCopied.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"scanned=%d copied=%d failed=%d skipped=%d bytes=%d dirs=%d symlinks=%d hardlinks=%d boundaries=%d",
		s.FilesScanned, s.FilesCopied, s.FilesFailed, s.FilesSkipped,
		s.BytesCopied, s.DirsCreated, s.SymlinksCreated, s.HardlinksCreated,
		s.BoundariesSkipped,
	)
}
