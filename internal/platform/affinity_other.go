//go:build !linux

package platform

// PinToCPU is a no-op where thread affinity is not exposed.
func PinToCPU(_ int) error { return nil }
