package platform

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Emulated is an IOContext that performs each operation synchronously at
// submit time and queues its completion. It keeps the submit/poll contract
// and the depth bound of Ring on systems without io_uring.
type Emulated struct {
	ready    []Completion
	depth    int
	inFlight int
	high     int
	nextID   OperationID
}

// NewEmulated returns an emulated completion context holding at most depth
// operations in flight.
//
//nolint:ireturn // mirrors NewRing so callers can swap contexts
func NewEmulated(depth int) (IOContext, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("emulated io context: invalid depth %d", depth)
	}
	return &Emulated{depth: depth, ready: make([]Completion, 0, depth)}, nil
}

func (e *Emulated) Name() string   { return "emulated" }
func (e *Emulated) Depth() int     { return e.depth }
func (e *Emulated) InFlight() int  { return e.inFlight }
func (e *Emulated) HighWater() int { return e.high }
func (e *Emulated) Flush() error   { return nil }
func (e *Emulated) Wait() error    { return nil }
func (e *Emulated) Close() error   { return nil }

// Submit runs op and records its completion for the next Poll.
func (e *Emulated) Submit(op Op) (OperationID, error) {
	if e.inFlight >= e.depth {
		return 0, ErrQueueFull
	}

	var (
		n   int
		err error
	)
	switch op.Kind {
	case OpRead:
		n, err = retryEINTR(func() (int, error) { return unix.Pread(op.Fd, op.Buf, op.Offset) })
	case OpWrite:
		n, err = retryEINTR(func() (int, error) { return unix.Pwrite(op.Fd, op.Buf, op.Offset) })
	case OpCopyRange:
		n, err = copyRange(op.Fd, op.DstFd, op.Offset, op.Len)
	default:
		return 0, fmt.Errorf("emulated io context: unsupported op %s", op.Kind)
	}

	e.nextID++
	e.ready = append(e.ready, completionOf(e.nextID, n, err))
	e.inFlight++
	if e.inFlight > e.high {
		e.high = e.inFlight
	}
	return e.nextID, nil
}

// Poll hands back every queued completion.
func (e *Emulated) Poll(out []Completion) []Completion {
	out = append(out, e.ready...)
	e.inFlight -= len(e.ready)
	e.ready = e.ready[:0]
	return out
}

func retryEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if !errors.Is(err, syscall.EINTR) {
			return n, err
		}
	}
}

func completionOf(id OperationID, n int, err error) Completion {
	if err != nil {
		var errno syscall.Errno
		if !errors.As(err, &errno) {
			errno = syscall.EIO
		}
		return Completion{ID: id, Res: -int32(errno)} //nolint:gosec // G115: errno values are small
	}
	return Completion{ID: id, Res: int32(n)} //nolint:gosec // G115: n is bounded by the op length
}
