//go:build linux

package supervisor

import "syscall"

// sysProcAttr makes the child lead a new process group and, on Linux, marks
// it with PDEATHSIG so the kernel delivers SIGKILL if the supervising
// process dies. Elsewhere the orphan reaper is the sole recourse.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
