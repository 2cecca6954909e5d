// Package pidfile enforces one daemon per (directory, port) pair.
//
// The pid file is the singleton authority: a new instance that finds a
// live pid recorded silently declines to initialize, leaving the existing
// daemon in charge. A dead or malformed pid file is removed and the new
// instance takes over. The file holds the decimal pid and nothing else.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning reports a live daemon owning the pid file.
var ErrAlreadyRunning = errors.New("daemon already running")

// Check reports whether the pid file at path is claimable.
//
// Returns ErrAlreadyRunning when the recorded pid is alive. A stale or
// malformed file is removed, leaving the path free for Write. Check and
// Write are separate because a daemonizing instance must probe before
// forking but record the pid it ends up with.
func Check(path string) error {
	if pid, err := readPid(path); err == nil {
		if alive(pid) {
			return ErrAlreadyRunning
		}
		// Stale: the recorded process is gone.
		os.Remove(path)
	} else if !errors.Is(err, os.ErrNotExist) {
		// Malformed or unreadable; replace it.
		os.Remove(path)
	}
	return nil
}

// Acquire claims the pid file at path for the current process.
//
// Returns ErrAlreadyRunning when the recorded pid is alive; any other
// failure is an I/O error. On success the file contains this process's
// pid, written atomically with mode 0644 so a crash can never leave a
// half-written pid behind.
func Acquire(path string) error {
	if err := Check(path); err != nil {
		return err
	}
	return Write(path, os.Getpid())
}

// Write records pid at path atomically with mode 0644.
func Write(path string, pid int) error {
	content := strconv.Itoa(pid)
	if err := renameio.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write pid file %s: %w", path, err)
	}
	return nil
}

// Release removes the pid file. Only the owning daemon calls this.
func Release(path string) {
	os.Remove(path)
}

// readPid parses the strictly-decimal pid recorded at path.
func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("empty pid file %s", path)
	}
	for _, c := range data {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("malformed pid file %s", path)
		}
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// alive probes pid with the null signal. EPERM still means the process
// exists, just not ours to signal.
func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
