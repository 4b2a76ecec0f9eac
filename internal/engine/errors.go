package engine

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies a sync failure.
type Kind int

const (
	TransientIO Kind = iota + 1
	PermanentIO
	FilesystemBoundary
	Metadata
	AttributeUnsupported
	ResourceExhausted
	PartialCopy
	Cancelled
)

var kindNames = [...]string{
	TransientIO:          "transient_io",
	PermanentIO:          "permanent_io",
	FilesystemBoundary:   "filesystem_boundary",
	Metadata:             "metadata",
	AttributeUnsupported: "attribute_unsupported",
	ResourceExhausted:    "resource_exhausted",
	PartialCopy:          "partial_copy",
	Cancelled:            "cancelled",
}

func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

var (
	// ErrResourceExhausted means no queue accepted a task within the submit
	// timeout.
	ErrResourceExhausted = errors.New("no queue slot available")
	// ErrAborted is the cause recorded when fail-fast stops a run.
	ErrAborted = errors.New("run aborted")
	// ErrBoundary marks a subtree skipped because it lives on another
	// filesystem.
	ErrBoundary = errors.New("crosses filesystem boundary")
	// ErrShortTransfer means the kernel kept returning fewer bytes than
	// requested.
	ErrShortTransfer = errors.New("short transfer")
	// ErrVerifyMismatch means the destination hash differs from the source.
	ErrVerifyMismatch = errors.New("checksum mismatch")
)

// Error is a classified failure for one path.
type Error struct {
	Err  error
	Op   string
	Path string
	Kind Kind
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.Path, e.Err, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// wrapErr classifies err from its errno and wraps it.
func wrapErr(op, path string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(classify(err), op, path, err)
}

// KindOf returns the Kind of err, classifying bare errors by errno.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	if isTransientErrno(err) {
		return TransientIO
	}
	return PermanentIO
}

func isTransientErrno(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EAGAIN, syscall.EINTR, syscall.EBUSY, syscall.EMFILE,
		syscall.ENFILE, syscall.ENOMEM, syscall.ENOBUFS, syscall.ETIMEDOUT:
		return true
	}
	return false
}

func isPermissionErr(err error) bool {
	return errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES)
}
