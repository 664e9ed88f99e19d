//go:build windows

package sandbox

import "os/exec"

// cpuBudgetKill always reports false: there is no RLIMIT_CPU signal on
// Windows, so only the wall-clock budget binds.
func cpuBudgetKill(*exec.ExitError) bool {
	return false
}
