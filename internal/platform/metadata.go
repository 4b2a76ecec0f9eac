//go:build linux || darwin

package platform

import (
	"time"

	"golang.org/x/sys/unix"
)

// Fchown sets ownership of an open file.
func Fchown(fd int, uid, gid uint32) error {
	return unix.Fchown(fd, int(uid), int(gid))
}

// Lchown sets ownership of path without following symlinks.
func Lchown(path string, uid, gid uint32) error {
	return unix.Lchown(path, int(uid), int(gid))
}

// Fchmod sets permission bits (including setuid/setgid/sticky) on an open file.
func Fchmod(fd int, mode uint32) error {
	return unix.Fchmod(fd, mode&0o7777)
}

// Chmod sets permission bits on path, following symlinks.
func Chmod(path string, mode uint32) error {
	return unix.Chmod(path, mode&0o7777)
}

// Mknod creates a special file at path with the file type and permission
// bits of mode. Fifos go through mkfifo, everything else through mknod
// with rdev.
func Mknod(path string, mode uint32, rdev uint64) error {
	if mode&unix.S_IFMT == unix.S_IFIFO {
		return unix.Mkfifo(path, mode&0o7777)
	}
	return unix.Mknod(path, mode, int(rdev)) //nolint:gosec // G115: dev_t fits in int on 64-bit
}

// SetPathTimes sets atime and mtime on path. With nofollow the times of a
// symlink itself are changed.
func SetPathTimes(path string, atime, mtime time.Time, nofollow bool) error {
	flags := 0
	if nofollow {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, timespecs(atime, mtime), flags)
}

func timespecs(atime, mtime time.Time) []unix.Timespec {
	return []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
}
