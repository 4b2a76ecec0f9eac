//go:build linux || darwin

package platform

import (
	"time"

	"golang.org/x/sys/unix"
)

// Stat is the subset of stat(2) the sync engine carries around.
type Stat struct {
	Atime time.Time
	Mtime time.Time
	Dev   uint64
	Ino   uint64
	Nlink uint64
	Rdev  uint64 // device number of character and block devices
	Size  int64
	Mode  uint32 // full st_mode, file type bits included
	UID   uint32
	GID   uint32
}

func (s Stat) IsDir() bool     { return s.Mode&unix.S_IFMT == unix.S_IFDIR }
func (s Stat) IsRegular() bool { return s.Mode&unix.S_IFMT == unix.S_IFREG }
func (s Stat) IsSymlink() bool { return s.Mode&unix.S_IFMT == unix.S_IFLNK }

// IsSpecial reports whether s is a device node, fifo or socket.
func (s Stat) IsSpecial() bool {
	switch s.Mode & unix.S_IFMT {
	case unix.S_IFCHR, unix.S_IFBLK, unix.S_IFIFO, unix.S_IFSOCK:
		return true
	}
	return false
}

// FileType returns the S_IFMT bits of the mode.
func (s Stat) FileType() uint32 { return s.Mode & unix.S_IFMT }

// Perm returns the permission bits including setuid, setgid and sticky.
func (s Stat) Perm() uint32 { return s.Mode & 0o7777 }

// Lstat stats path without following a trailing symlink.
func Lstat(path string) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Stat{}, err
	}
	return fromStatT(&st), nil
}

// Fstat stats an open descriptor.
func Fstat(fd int) (Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return Stat{}, err
	}
	return fromStatT(&st), nil
}

//nolint:unconvert,gosec // field widths differ across platforms
func fromStatT(st *unix.Stat_t) Stat {
	return Stat{
		Dev:   uint64(st.Dev),
		Ino:   uint64(st.Ino),
		Nlink: uint64(st.Nlink),
		Rdev:  uint64(st.Rdev),
		Size:  int64(st.Size),
		Mode:  uint32(st.Mode),
		UID:   st.Uid,
		GID:   st.Gid,
		Atime: time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec)),
		Mtime: time.Unix(int64(st.Mtim.Sec), int64(st.Mtim.Nsec)),
	}
}
