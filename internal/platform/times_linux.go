//go:build linux

package platform

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SetFdTimes sets atime and mtime on an open file with nanosecond
// precision (futimens semantics: utimensat with a NULL path).
func SetFdTimes(fd int, path string, atime, mtime time.Time) error {
	ts := timespecs(atime, mtime)
	_, _, errno := unix.Syscall6(
		unix.SYS_UTIMENSAT,
		uintptr(fd),
		0,
		uintptr(unsafe.Pointer(&ts[0])),
		0, 0, 0,
	)
	if errno == 0 {
		return nil
	}
	// Some seccomp profiles reject the NULL path form.
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, 0); err != nil {
		return errno
	}
	return nil
}
