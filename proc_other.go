//go:build !linux

package replaycache

import "syscall"

// childSysProcAttr returns nil: without a parent death signal the child is only stopped by Proxy.Close.
func childSysProcAttr() *syscall.SysProcAttr {
	return nil
}
