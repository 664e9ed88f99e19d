//go:build !windows

package sandbox

import (
	"os/exec"
	"syscall"
)

// cpuBudgetKill reports whether the interpreter died from the kernel's
// CPU rlimit, which delivers SIGXCPU when RLIMIT_CPU trips.
func cpuBudgetKill(exitErr *exec.ExitError) bool {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return ws.Signaled() && ws.Signal() == syscall.SIGXCPU
}
