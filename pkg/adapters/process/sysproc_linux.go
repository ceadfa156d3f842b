//go:build linux

package process

import "syscall"

// Children get SIGKILL when the node dies without draining.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
