//go:build linux

package platform

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// copyRange moves up to n bytes at offset from srcFd to the same offset in
// dstFd inside the kernel.
func copyRange(srcFd, dstFd int, offset int64, n int) (int, error) {
	roff := offset
	woff := offset
	for {
		written, err := unix.CopyFileRange(srcFd, &roff, dstFd, &woff, n, 0)
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return written, err
	}
}
