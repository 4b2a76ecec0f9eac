//go:build linux

package platform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring constants.
const (
	ioringOpRead  = 22
	ioringOpWrite = 23

	ioringEnterGetevents = 1 << 0

	ioringOffSQRing = 0
	ioringOffCQRing = 0x8000000
	ioringOffSQEs   = 0x10000000

	// IORING_MAX_ENTRIES
	maxRingEntries = 32768
)

// io_uring_sqe: submission queue entry (64 bytes).
type ioUringSQE struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64
	bufIG       uint16
	personality uint16
	spliceFdIn  int32
	_pad2       [2]uint64
}

// io_uring_cqe: completion queue entry (16 bytes).
type ioUringCQE struct {
	userData uint64
	res      int32
	flags    uint32
}

// io_uring_params: setup parameters.
type ioUringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        ioUringSQRingOffsets
	cqOff        ioUringCQRingOffsets
}

type ioUringSQRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	userAddr    uint64
}

type ioUringCQRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

const sqeSize = 64
const cqeSize = 16

// ring wraps the memory-mapped io_uring state.
type ring struct {
	fd        int
	sqEntries uint32
	cqEntries uint32

	// SQ ring pointers (into mmap'd memory).
	sqHead    *uint32
	sqTail    *uint32
	sqMask    *uint32
	sqArray   unsafe.Pointer
	sqes      unsafe.Pointer
	sqRingMem []byte

	// CQ ring pointers.
	cqHead    *uint32
	cqTail    *uint32
	cqMask    *uint32
	cqes      unsafe.Pointer
	cqRingMem []byte

	sqesMem []byte
}

// Ring is an IOContext backed by io_uring. Reads and writes go through the
// submission queue; range transfers have no io_uring opcode and complete
// inline, surfacing through Poll like any other operation.
type Ring struct {
	r        *ring
	inline   []Completion
	depth    int
	inFlight int
	high     int
	queued   uint32 // SQEs written but not yet consumed by the kernel
	nextID   OperationID
}

// NewRing sets up an io_uring instance able to hold depth operations in
// flight. It returns ErrRingUnsupported on kernels older than 5.6.
//
//nolint:ireturn // mirrors NewEmulated so callers can swap contexts
func NewRing(depth int) (IOContext, error) {
	if depth <= 0 || depth > maxRingEntries {
		return nil, fmt.Errorf("io_uring: invalid depth %d", depth)
	}
	if !kernelSupportsIOURing() {
		return nil, ErrRingUnsupported
	}

	r, err := setupRing(uint32(depth)) //nolint:gosec // G115: bounded above
	if err != nil {
		return nil, err
	}
	return &Ring{r: r, depth: depth}, nil
}

func (rg *Ring) Name() string   { return "io_uring" }
func (rg *Ring) Depth() int     { return rg.depth }
func (rg *Ring) InFlight() int  { return rg.inFlight }
func (rg *Ring) HighWater() int { return rg.high }

// Submit queues op. Read and write SQEs are handed to the kernel on the
// next Flush, Wait or Poll cycle.
func (rg *Ring) Submit(op Op) (OperationID, error) {
	if rg.inFlight >= rg.depth {
		return 0, ErrQueueFull
	}

	switch op.Kind {
	case OpRead, OpWrite:
		if len(op.Buf) == 0 {
			return 0, fmt.Errorf("io_uring %s: empty buffer", op.Kind)
		}
		rg.nextID++
		opcode := uint8(ioringOpRead)
		if op.Kind == OpWrite {
			opcode = ioringOpWrite
		}
		//nolint:gosec // G115: fds and offsets are non-negative
		rg.r.prepare(opcode, int32(op.Fd), op.Buf, uint64(op.Offset), uint64(rg.nextID))
		rg.queued++
	case OpCopyRange:
		rg.nextID++
		n, err := copyRange(op.Fd, op.DstFd, op.Offset, op.Len)
		rg.inline = append(rg.inline, completionOf(rg.nextID, n, err))
	default:
		return 0, fmt.Errorf("io_uring: unsupported op %s", op.Kind)
	}

	rg.inFlight++
	if rg.inFlight > rg.high {
		rg.high = rg.inFlight
	}
	return rg.nextID, nil
}

// Flush submits queued SQEs without waiting for completions.
func (rg *Ring) Flush() error {
	if rg.queued == 0 {
		return nil
	}
	n, err := rg.r.enter(rg.queued, 0, 0)
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EBUSY) {
			return nil // kernel is saturated; retried on the next cycle
		}
		return fmt.Errorf("io_uring_enter: %w", err)
	}
	rg.queued -= uint32(n) //nolint:gosec // G115: n <= queued
	return nil
}

// Poll reaps every available completion without entering the kernel.
func (rg *Ring) Poll(out []Completion) []Completion {
	if len(rg.inline) > 0 {
		out = append(out, rg.inline...)
		rg.inFlight -= len(rg.inline)
		rg.inline = rg.inline[:0]
	}

	r := rg.r
	head := *r.cqHead
	tail := atomic.LoadUint32(r.cqTail)
	mask := *r.cqMask
	for ; head != tail; head++ {
		cqe := (*ioUringCQE)(unsafe.Add(r.cqes, uintptr(head&mask)*cqeSize))
		out = append(out, Completion{ID: OperationID(cqe.userData), Res: cqe.res})
		rg.inFlight--
	}
	atomic.StoreUint32(r.cqHead, head)
	return out
}

// Wait flushes pending SQEs and blocks until at least one completion is
// ready. It never blocks when every in-flight operation is still queued on
// our side or already completed.
func (rg *Ring) Wait() error {
	if err := rg.Flush(); err != nil {
		return err
	}
	if len(rg.inline) > 0 || rg.r.cqReady() {
		return nil
	}
	if rg.inFlight-int(rg.queued) <= 0 {
		return nil
	}
	if _, err := rg.r.enter(0, 1, ioringEnterGetevents); err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EBUSY) {
			return nil
		}
		return fmt.Errorf("io_uring_enter wait: %w", err)
	}
	return nil
}

// Close releases the ring. In-flight operations are waited for by the
// kernel during teardown.
func (rg *Ring) Close() error {
	if rg == nil || rg.r == nil {
		return nil
	}
	err := rg.r.close()
	rg.r = nil
	return err
}

// setupRing creates and maps an io_uring instance.
func setupRing(entries uint32) (*ring, error) {
	var params ioUringParams
	fd, _, errno := syscall.Syscall(
		unix.SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(&params)),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	r := &ring{
		fd:        int(fd),
		sqEntries: params.sqEntries,
		cqEntries: params.cqEntries,
	}

	if err := r.mmap(&params); err != nil {
		_ = syscall.Close(r.fd)
		return nil, err
	}

	return r, nil
}

func (r *ring) mmap(params *ioUringParams) error {
	sqRingSize := uintptr(params.sqOff.array) + uintptr(params.sqEntries)*4
	sqMem, err := syscall.Mmap(r.fd, ioringOffSQRing, int(sqRingSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	r.sqRingMem = sqMem

	base := unsafe.Pointer(&sqMem[0])
	r.sqHead = (*uint32)(unsafe.Add(base, params.sqOff.head))
	r.sqTail = (*uint32)(unsafe.Add(base, params.sqOff.tail))
	r.sqMask = (*uint32)(unsafe.Add(base, params.sqOff.ringMask))
	r.sqArray = unsafe.Add(base, params.sqOff.array)

	sqesMem, err := syscall.Mmap(r.fd, ioringOffSQEs, int(uintptr(params.sqEntries)*sqeSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		_ = syscall.Munmap(r.sqRingMem)
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqesMem = sqesMem
	r.sqes = unsafe.Pointer(&sqesMem[0])

	cqRingSize := uintptr(params.cqOff.cqes) + uintptr(params.cqEntries)*cqeSize
	cqMem, err := syscall.Mmap(r.fd, ioringOffCQRing, int(cqRingSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		_ = syscall.Munmap(r.sqesMem)
		_ = syscall.Munmap(r.sqRingMem)
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	r.cqRingMem = cqMem

	cqBase := unsafe.Pointer(&cqMem[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, params.cqOff.head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, params.cqOff.tail))
	r.cqMask = (*uint32)(unsafe.Add(cqBase, params.cqOff.ringMask))
	r.cqes = unsafe.Add(cqBase, params.cqOff.cqes)

	return nil
}

func (r *ring) close() error {
	var firstErr error
	if r.cqRingMem != nil {
		if err := syscall.Munmap(r.cqRingMem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.sqesMem != nil {
		if err := syscall.Munmap(r.sqesMem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.sqRingMem != nil {
		if err := syscall.Munmap(r.sqRingMem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := syscall.Close(r.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// prepare fills the next SQE and publishes it by advancing the SQ tail.
func (r *ring) prepare(opcode uint8, fd int32, buf []byte, offset, userData uint64) {
	tail := *r.sqTail
	idx := tail & *r.sqMask

	sqe := (*ioUringSQE)(unsafe.Add(r.sqes, uintptr(idx)*sqeSize))
	*sqe = ioUringSQE{
		opcode:   opcode,
		fd:       fd,
		off:      offset,
		addr:     uint64(uintptr(unsafe.Pointer(&buf[0]))),
		len:      uint32(len(buf)), //nolint:gosec // G115: buffers are far below 4 GiB
		userData: userData,
	}

	sqArr := (*uint32)(unsafe.Add(r.sqArray, uintptr(idx)*4))
	*sqArr = idx

	atomic.StoreUint32(r.sqTail, tail+1)
}

func (r *ring) cqReady() bool {
	return *r.cqHead != atomic.LoadUint32(r.cqTail)
}

func (r *ring) enter(toSubmit, minComplete, flags uint32) (int, error) {
	for {
		n, _, errno := syscall.Syscall6(
			unix.SYS_IO_URING_ENTER,
			uintptr(r.fd),
			uintptr(toSubmit),
			uintptr(minComplete),
			uintptr(flags),
			0, 0,
		)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return int(n), nil
	}
}

// kernelSupportsIOURing checks if the kernel version is >= 5.6, the first
// release with IORING_OP_READ and IORING_OP_WRITE.
func kernelSupportsIOURing() bool {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return false
	}

	release := unix.ByteSliceToString(uname.Release[:])
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return false
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}

	minorStr := parts[1]
	if idx := strings.IndexFunc(minorStr, func(r rune) bool { return r < '0' || r > '9' }); idx > 0 {
		minorStr = minorStr[:idx]
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return false
	}

	return major > 5 || (major == 5 && minor >= 6)
}

// KernelSupportsIOURing is exported for testing.
func KernelSupportsIOURing() bool {
	return kernelSupportsIOURing()
}
