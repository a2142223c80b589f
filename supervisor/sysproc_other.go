//go:build !linux

package supervisor

import "syscall"

// sysProcAttr makes the child lead a new process group. Parent-death
// signaling is unavailable off Linux; orphan recovery falls to the reaper.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
