//go:build linux

package platform

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinToCPU restricts the calling OS thread to cpu (modulo the number of
// CPUs). The caller must hold runtime.LockOSThread.
func PinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu % runtime.NumCPU())
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity cpu %d: %w", cpu, err)
	}
	return nil
}
