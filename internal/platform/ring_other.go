//go:build !linux

package platform

// NewRing always returns ErrRingUnsupported outside Linux.
//
//nolint:ireturn // mirrors NewEmulated so callers can swap contexts
func NewRing(_ int) (IOContext, error) {
	return nil, ErrRingUnsupported
}

// KernelSupportsIOURing always returns false on non-Linux platforms.
func KernelSupportsIOURing() bool {
	return false
}
