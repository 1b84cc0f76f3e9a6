// Package permguard hardens the daemon's on-disk footprint: it sets the
// process umask, creates the runtime/config directories with the right
// modes, chmods sensitive files after writing them, and enforces the
// single-instance PID-file guard from spec.md §4.A.
package permguard

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SensitiveFileMode is applied to config, token, TLS material and the CLI
// snippet after they are written.
const SensitiveFileMode = 0o600

// RuntimeDirMode returns 0700, or 0770 when groupAccess is enabled.
func RuntimeDirMode(groupAccess bool) os.FileMode {
	if groupAccess {
		return 0o770
	}
	return 0o700
}

// SocketMode returns the mode applied to the Unix control socket.
func SocketMode(groupAccess bool) os.FileMode {
	if groupAccess {
		return 0o660
	}
	return 0o600
}

// EnsureRuntimeDir creates dir (and parents) at the mode RuntimeDirMode
// returns, tightening the mode if the directory already existed with a
// looser one.
func EnsureRuntimeDir(dir string, groupAccess bool) error {
	mode := RuntimeDirMode(groupAccess)
	if err := os.MkdirAll(dir, mode); err != nil {
		return fmt.Errorf("create runtime dir %s: %w", dir, err)
	}
	return os.Chmod(dir, mode)
}

// HardenFile chmods path to SensitiveFileMode. Call this right after
// writing any config, token, TLS material or CLI snippet file.
func HardenFile(path string) error {
	if err := os.Chmod(path, SensitiveFileMode); err != nil {
		return fmt.Errorf("harden file %s: %w", path, err)
	}
	return nil
}

// ErrAlreadyRunning is returned by Acquire when another instance of this
// daemon already holds the PID file.
var ErrAlreadyRunning = errors.New("another instance is running")

// PIDGuard enforces the single-instance rule around <runtime>/daemon.pid.
type PIDGuard struct {
	path   string
	logger *log.Logger
}

func NewPIDGuard(runtimeDir string, logger *log.Logger) *PIDGuard {
	if logger == nil {
		logger = log.Default()
	}
	return &PIDGuard{path: filepath.Join(runtimeDir, "daemon.pid"), logger: logger}
}

// Acquire checks for a stale or live PID file. If the file names a live
// process running the same executable, it returns ErrAlreadyRunning.
// Otherwise it removes any stale file (tolerating a missing one) and
// writes the current PID.
func (g *PIDGuard) Acquire() error {
	if data, err := os.ReadFile(g.path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid > 0 && processIsSameExecutable(pid) {
			return fmt.Errorf("%w (pid %d, pidfile %s)", ErrAlreadyRunning, pid, g.path)
		}
		g.logger.Printf("permguard: removing stale pid file %s", g.path)
		if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
			g.logger.Printf("permguard: could not remove stale pid file: %v", err)
		}
	}

	if err := os.WriteFile(g.path, []byte(strconv.Itoa(os.Getpid())), SensitiveFileMode); err != nil {
		return fmt.Errorf("write pid file %s: %w", g.path, err)
	}
	return nil
}

// Release removes the PID file. Best-effort: a stale file left behind by
// a crash is tolerated by the next Acquire, so errors here are logged, not
// returned.
func (g *PIDGuard) Release() {
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		g.logger.Printf("permguard: failed to remove pid file on exit: %v", err)
	}
}
