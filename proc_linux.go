//go:build linux

package replaycache

import "syscall"

// childSysProcAttr makes the kernel kill a spawned proxy when the process that started it dies,
// so a crashed host never leaves a proxy holding its port and database.
func childSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
