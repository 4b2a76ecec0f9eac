//go:build !linux

package platform

import "syscall"

// copyRange is not available outside Linux; callers fall back to
// buffered transfers on ENOSYS.
func copyRange(_, _ int, _ int64, _ int) (int, error) {
	return 0, syscall.ENOSYS
}
