//go:build windows

package permguard

import "os"

// SetUmask is a no-op on Windows, which has no umask concept; file ACLs
// are left to their Windows defaults. Returning 0 keeps the signature
// symmetric with the Unix build.
func SetUmask() int {
	return 0
}

// processIsSameExecutable reports whether pid refers to a live process.
// Windows has no /proc/<pid>/exe equivalent reachable without extra
// syscalls, so this is liveness-only: on Windows os.FindProcess opens a
// handle to the process, so a stale PID file from a process that has
// since exited is caught when acquiring that handle fails.
func processIsSameExecutable(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
