//go:build !windows

package permguard

import (
	"os"
	"strconv"
	"syscall"
)

// SetUmask applies the 0o077 process-wide file-creation mask from
// spec.md §4.A and returns the previous mask, in case a caller ever needs
// to restore it (none currently do, but syscall.Umask always returns the
// old value and discarding it silently would hide that).
func SetUmask() int {
	return syscall.Umask(0o077)
}

// processIsSameExecutable reports whether pid is alive and running the
// same binary as this process. Linux and the BSDs expose the running
// executable's path via /proc/<pid>/exe; where that is unavailable we
// fall back to a liveness-only check (signal 0) rather than failing
// acquisition outright.
func processIsSameExecutable(pid int) bool {
	self, err := os.Executable()
	if err != nil {
		return signalZero(pid)
	}

	exe, err := os.Readlink("/proc/" + strconv.Itoa(pid) + "/exe")
	if err != nil {
		// /proc not mounted (e.g. macOS): fall back to a liveness check.
		return signalZero(pid)
	}
	return exe == self
}

func signalZero(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
