package platform

import (
	"errors"
	"syscall"
)

// CopyMethod identifies how file content is moved.
type CopyMethod int

const (
	ReadWrite CopyMethod = iota // chunked pread/pwrite through a completion context
	ZeroCopy                    // in-kernel range transfer (copy_file_range(2))
)

func (m CopyMethod) String() string {
	switch m {
	case ReadWrite:
		return "read_write"
	case ZeroCopy:
		return "zero_copy"
	default:
		return "unknown"
	}
}

// OpKind is the kind of operation submitted to an IOContext.
type OpKind uint8

const (
	OpRead OpKind = iota + 1
	OpWrite
	OpCopyRange
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpCopyRange:
		return "copy_range"
	default:
		return "unknown"
	}
}

// Op describes a single positioned I/O operation. Buf must stay reachable
// and unmodified until the operation's completion has been polled.
type Op struct {
	Buf    []byte // OpRead destination / OpWrite source
	Offset int64
	Fd     int // read source or write destination
	DstFd  int // OpCopyRange destination; Fd is the source
	Len    int // OpCopyRange byte count
	Kind   OpKind
}

// OperationID identifies a submitted operation until its completion is
// consumed.
type OperationID uint64

// Completion is the result of one operation. Res follows the kernel
// convention: bytes transferred when >= 0, negated errno otherwise.
type Completion struct {
	ID  OperationID
	Res int32
}

// Bytes returns the number of bytes transferred, or 0 on error.
func (c Completion) Bytes() int {
	if c.Res < 0 {
		return 0
	}
	return int(c.Res)
}

// Err returns the operation's error, if any.
func (c Completion) Err() error {
	if c.Res >= 0 {
		return nil
	}
	return syscall.Errno(-c.Res)
}

// errENOTSUP aliases EOPNOTSUPP on Linux, so it is compared outside of
// switch statements.
var errENOTSUP = syscall.ENOTSUP

// defaultUmask is assumed when the process umask cannot be determined.
const defaultUmask = 0o022

// ErrQueueFull is returned by Submit when depth operations are already in
// flight.
var ErrQueueFull = errors.New("io context: queue full")

// ErrRingUnsupported is returned by NewRing when the running kernel has no
// usable io_uring.
var ErrRingUnsupported = errors.New("io_uring not supported on this system")

// IOContext is a completion-based I/O context owned by a single goroutine.
// Submitted operations stay in flight until their completion is returned by
// Poll; at most Depth operations are in flight at any time.
type IOContext interface {
	// Submit queues op and returns its identifier. It fails with
	// ErrQueueFull when Depth operations are already in flight.
	Submit(op Op) (OperationID, error)
	// Flush hands queued operations to the kernel without waiting.
	Flush() error
	// Poll appends every ready completion to out without blocking.
	Poll(out []Completion) []Completion
	// Wait blocks until at least one completion is ready. It returns
	// immediately when nothing is in flight.
	Wait() error
	InFlight() int
	Depth() int
	// HighWater reports the largest in-flight count observed.
	HighWater() int
	Name() string
	Close() error
}

// IsFallbackErr reports whether err signals that a zero-copy transfer is
// not possible for this pair of files and a buffered copy should be used.
func IsFallbackErr(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ENOSYS, syscall.EXDEV, syscall.EINVAL, syscall.EOPNOTSUPP, syscall.EBADF:
		return true
	}
	return errno == errENOTSUP
}

// IsUnsupportedErr reports whether err means the filesystem does not
// support the requested attribute operation.
func IsUnsupportedErr(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.EOPNOTSUPP || errno == errENOTSUP || errno == syscall.ENOSYS
}
