//go:build darwin

package platform

import (
	"time"

	"golang.org/x/sys/unix"
)

// SetFdTimes sets atime and mtime by path; Darwin has no futimens with
// nanosecond precision exposed through x/sys.
func SetFdTimes(_ int, path string, atime, mtime time.Time) error {
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, timespecs(atime, mtime), 0)
}
