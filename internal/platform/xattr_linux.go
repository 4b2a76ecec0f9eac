//go:build linux

package platform

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListXattrs returns the extended attribute names of path. With nofollow
// the attributes of a symlink itself are listed.
func ListXattrs(path string, nofollow bool) ([]string, error) {
	list := unix.Listxattr
	if nofollow {
		list = unix.Llistxattr
	}
	for {
		sz, err := list(path, nil)
		if err != nil {
			return nil, err
		}
		if sz == 0 {
			return nil, nil
		}
		buf := make([]byte, sz)
		sz, err = list(path, buf)
		if errors.Is(err, syscall.ERANGE) {
			continue // attribute set grew between calls
		}
		if err != nil {
			return nil, err
		}
		return parseXattrNames(buf[:sz]), nil
	}
}

// GetXattr reads one extended attribute of path.
func GetXattr(path, name string, nofollow bool) ([]byte, error) {
	get := unix.Getxattr
	if nofollow {
		get = unix.Lgetxattr
	}
	for {
		sz, err := get(path, name, nil)
		if err != nil {
			return nil, err
		}
		if sz == 0 {
			return []byte{}, nil
		}
		buf := make([]byte, sz)
		sz, err = get(path, name, buf)
		if errors.Is(err, syscall.ERANGE) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:sz], nil
	}
}

// FSetXattr sets an extended attribute on an open file.
func FSetXattr(fd int, name string, value []byte) error {
	return unix.Fsetxattr(fd, name, value, 0)
}

// SetXattr sets an extended attribute on path. With nofollow a symlink
// itself is targeted.
func SetXattr(path, name string, value []byte, nofollow bool) error {
	if nofollow {
		return unix.Lsetxattr(path, name, value, 0)
	}
	return unix.Setxattr(path, name, value, 0)
}
