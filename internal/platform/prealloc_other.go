//go:build !linux

package platform

// Preallocate is a no-op on non-Linux platforms (fallocate is Linux-only).
func Preallocate(_ int, _ int64) {}
