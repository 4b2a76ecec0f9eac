//go:build !linux

package platform

// Umask returns the conventional 022; the process umask cannot be read
// without changing it.
func Umask() uint32 { return defaultUmask }
