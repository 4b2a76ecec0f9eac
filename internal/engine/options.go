package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/klauspost/cpuid/v2"

	"github.com/bamsammich/ringsync/internal/event"
	"github.com/bamsammich/ringsync/internal/filter"
	"github.com/bamsammich/ringsync/internal/platform"
)

const (
	defaultQueueDepth        = 64
	defaultBufferSize        = 256 * 1024
	defaultZeroCopyThreshold = 128 * 1024
	defaultMaxShortRetries   = 3
	defaultSubmitTimeout     = 30 * time.Second

	// zeroCopyChunk bounds a single copy_file_range call.
	zeroCopyChunk = 8 << 20
)

// DefaultMaxRetries is the retry limit used when Options.MaxRetries is zero.
const DefaultMaxRetries = 4

// NoRetries disables retries of transient errors when set as
// Options.MaxRetries.
const NoRetries = -1

// Options configures a sync job. Zero numeric fields take defaults.
type Options struct {
	Logger *slog.Logger
	Events chan<- event.Event
	// Filter selects the entries to sync. Nil selects everything.
	Filter *filter.Chain

	// newIOContext overrides the completion context constructor.
	newIOContext func(depth int) (platform.IOContext, error)

	QueueDepth        int
	CoreCount         int
	BufferSize        int
	MaxRetries        int // NoRetries disables retries
	MaxShortRetries   int
	MaxFilesInFlight  int // across all workers, CoreCount*QueueDepth when zero
	ZeroCopyThreshold int64
	BWLimit           int64 // bytes per second, 0 = unlimited
	SubmitTimeout     time.Duration
	CopyMethod        CopyPolicy

	PreserveOwner     bool
	PreservePerms     bool
	PreserveTimes     bool
	PreserveHardlinks bool
	PreserveXattrs    bool
	PreserveACL       bool
	PreserveDevices   bool // recreate device nodes, fifos and sockets
	CrossFilesystem   bool
	FailFast          bool
	DryRun            bool
	Strict            bool
	Verify            bool
	DisableIOURing    bool
}

// DefaultOptions preserves ownership, permissions, times and hardlinks and
// crosses filesystem boundaries. Xattrs and ACLs are opt-in.
func DefaultOptions() Options {
	return Options{
		PreserveOwner:     true,
		PreservePerms:     true,
		PreserveTimes:     true,
		PreserveHardlinks: true,
		CrossFilesystem:   true,
	}
}

// DefaultCoreCount is the number of logical cores reported by the CPU,
// bounded by what the Go runtime can schedule on.
func DefaultCoreCount() int {
	n := cpuid.CPU.LogicalCores
	if n <= 0 || n > runtime.NumCPU() {
		n = runtime.NumCPU()
	}
	return max(n, 1)
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.QueueDepth == 0 {
		o.QueueDepth = defaultQueueDepth
	}
	if o.CoreCount == 0 {
		o.CoreCount = DefaultCoreCount()
	}
	if o.BufferSize == 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.ZeroCopyThreshold == 0 {
		o.ZeroCopyThreshold = defaultZeroCopyThreshold
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.MaxShortRetries == 0 {
		o.MaxShortRetries = defaultMaxShortRetries
	}
	if o.MaxFilesInFlight == 0 {
		o.MaxFilesInFlight = o.CoreCount * o.QueueDepth
	}
	if o.SubmitTimeout == 0 {
		o.SubmitTimeout = defaultSubmitTimeout
	}
	if o.newIOContext == nil {
		o.newIOContext = newIOContext(o.DisableIOURing, o.Logger)
	}
	return o
}

func (o Options) validate() error {
	var errs []error
	if o.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("queue depth must be positive, got %d", o.QueueDepth))
	}
	if o.CoreCount < 1 {
		errs = append(errs, fmt.Errorf("core count must be positive, got %d", o.CoreCount))
	}
	if o.BufferSize < 4096 {
		errs = append(errs, fmt.Errorf("buffer size must be at least 4096, got %d", o.BufferSize))
	}
	if o.ZeroCopyThreshold < 0 {
		errs = append(errs, fmt.Errorf("zero-copy threshold must not be negative, got %d", o.ZeroCopyThreshold))
	}
	if o.BWLimit < 0 {
		errs = append(errs, fmt.Errorf("bandwidth limit must not be negative, got %d", o.BWLimit))
	}
	if o.MaxShortRetries < 0 {
		errs = append(errs, errors.New("short transfer retry limit must not be negative"))
	}
	if o.MaxFilesInFlight < 1 {
		errs = append(errs, fmt.Errorf("max files in flight must be positive, got %d", o.MaxFilesInFlight))
	}
	if o.CopyMethod < CopyAuto || o.CopyMethod > CopyReadWrite {
		errs = append(errs, fmt.Errorf("unknown copy method %d", o.CopyMethod))
	}
	return errors.Join(errs...)
}

// newIOContext picks io_uring when the kernel has it, the emulated context
// otherwise.
func newIOContext(disableRing bool, log *slog.Logger) func(int) (platform.IOContext, error) {
	return func(depth int) (platform.IOContext, error) {
		if !disableRing {
			ring, err := platform.NewRing(depth)
			if err == nil {
				return ring, nil
			}
			log.Debug("io_uring unavailable, using emulated io context", "error", err)
		}
		return platform.NewEmulated(depth)
	}
}
