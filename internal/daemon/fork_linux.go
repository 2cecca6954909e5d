package daemon

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Fork forks the process with plain fork semantics. Returns the child pid
// in the parent and 0 in the child.
//
// This is a raw clone(SIGCHLD), not ForkExec: the child never execs — it
// walks straight back into the host's entrypoint. The child must restrict
// itself to straight-line code and direct syscalls until it leaves Go;
// only the forking thread survives, and any lock another thread held at
// fork time stays held forever in the child. ForkLock serializes us
// against the runtime's own fork/exec machinery.
func Fork() (int, error) {
	syscall.ForkLock.Lock()
	pid, _, errno := unix.RawSyscall(unix.SYS_CLONE, uintptr(unix.SIGCHLD), 0, 0)
	syscall.ForkLock.Unlock()
	if errno != 0 {
		return -1, fmt.Errorf("clone: %w", errno)
	}
	return int(pid), nil
}

// SpawnDummy forks a child that sleeps forever. It keeps the reaper's
// wait from running out of children and gives the SIGTERM group
// broadcast something to deliver to. Returns the dummy's pid.
func SpawnDummy() (int, error) {
	pid, err := Fork()
	if err != nil {
		return -1, err
	}
	if pid == 0 {
		for {
			unix.Pause()
		}
	}
	return pid, nil
}

// Daemonize detaches from the launching terminal: fork, let the parent
// die, start a new session in the child. Descriptors stay open — the
// children still redirect I/O onto the passed sockets.
func Daemonize() error {
	pid, err := Fork()
	if err != nil {
		return err
	}
	if pid != 0 {
		unix.Exit(0)
	}
	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("setsid: %w", err)
	}
	return nil
}
