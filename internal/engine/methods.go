package engine

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/bamsammich/ringsync/internal/platform"
)

// CopyPolicy restricts how file content is moved.
type CopyPolicy int

const (
	// CopyAuto uses zero-copy within one device for files at or above the
	// threshold and read/write otherwise.
	CopyAuto CopyPolicy = iota
	// CopyZeroCopy tries zero-copy for every non-empty file regardless of
	// size or device. Pairs the kernel refuses still fall back.
	CopyZeroCopy
	// CopyReadWrite never uses zero-copy.
	CopyReadWrite
)

func (p CopyPolicy) String() string {
	switch p {
	case CopyAuto:
		return "auto"
	case CopyZeroCopy:
		return "zero-copy"
	case CopyReadWrite:
		return "read-write"
	default:
		return "unknown"
	}
}

// ParseCopyPolicy accepts auto, zero-copy (or copy_file_range) and
// read-write (or read_write).
func ParseCopyPolicy(s string) (CopyPolicy, error) {
	switch s {
	case "", "auto":
		return CopyAuto, nil
	case "zero-copy", "zero_copy", "copy_file_range":
		return CopyZeroCopy, nil
	case "read-write", "read_write":
		return CopyReadWrite, nil
	}
	return CopyAuto, fmt.Errorf("unknown copy method %q (use auto, zero-copy or read-write)", s)
}

type devPair struct {
	src, dst uint64
}

// methodCache memoizes the copy method per (source device, destination
// device) pair for the duration of a run.
type methodCache struct {
	m         *xsync.MapOf[devPair, platform.CopyMethod]
	threshold int64
	policy    CopyPolicy
}

func newMethodCache(threshold int64, policy CopyPolicy) *methodCache {
	return &methodCache{
		m:         xsync.NewMapOf[devPair, platform.CopyMethod](),
		threshold: threshold,
		policy:    policy,
	}
}

// choose returns the method for a file of size bytes moving between the
// given devices. Under CopyAuto zero-copy is attempted only within one
// device and for files at or above the threshold. A pair that fell back
// stays ReadWrite.
func (c *methodCache) choose(pair devPair, size int64) platform.CopyMethod {
	switch {
	case size == 0, c.policy == CopyReadWrite:
		return platform.ReadWrite
	case c.policy == CopyAuto && (pair.src != pair.dst || size < c.threshold):
		return platform.ReadWrite
	}
	if m, ok := c.m.Load(pair); ok {
		return m
	}
	return platform.ZeroCopy
}

// confirm records that zero-copy worked for pair unless a fallback was
// already recorded.
func (c *methodCache) confirm(pair devPair) {
	c.m.LoadOrStore(pair, platform.ZeroCopy)
}

// fallback marks pair ReadWrite for the rest of the run.
func (c *methodCache) fallback(pair devPair) {
	c.m.Store(pair, platform.ReadWrite)
}
