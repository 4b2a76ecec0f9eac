//go:build !linux

package platform

import "syscall"

func ListXattrs(_ string, _ bool) ([]string, error) { return nil, syscall.ENOTSUP }
func GetXattr(_, _ string, _ bool) ([]byte, error)  { return nil, syscall.ENOTSUP }
func FSetXattr(_ int, _ string, _ []byte) error     { return syscall.ENOTSUP }
func SetXattr(_, _ string, _ []byte, _ bool) error  { return syscall.ENOTSUP }
