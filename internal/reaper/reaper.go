// Package reaper collects dead children and relays their exit status.
//
// One background worker blocks in wait(2) while the daemon's accept loop
// keeps serving. The worker owns each child's control connection from
// registration until the status word is sent, so within one request the
// PID (sent by the controller) always precedes the exit status on the
// wire. A dedicated worker — rather than a SIGCHLD handler — is the only
// way to deliver each status to the right client without interrupting the
// accept loop's blocking syscalls.
//
// Lifecycle:
//   - New allocates the child table and Start launches the worker
//   - Register is called by the controller after every fork
//   - the worker reaps, translates status, sends it, frees the slot
//   - Finish drops the table in forked children before re-entry
package reaper

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// initialSlots is the child table's starting capacity.
	initialSlots = 16

	// maxAttempts bounds the lookup retries for a child that died before
	// the controller could register it.
	maxAttempts = 3

	// retryPause is the wait between lookup retries.
	retryPause = 20 * time.Millisecond
)

// IgnoreFD registers a child whose exit status nobody wants (the dummy
// keep-alive child). Slots holding it are still occupied until the child
// dies.
const IgnoreFD = -2

// freeFD marks an unoccupied slot.
const freeFD = -1

// child is one live (pid, connection) record.
type child struct {
	pid int
	fd  int
}

// Logger is the slice of the daemon's logging the reaper needs.
type Logger interface {
	Crit(format string, args ...any)
	Trace(format string, args ...any)
	Die(format string, args ...any)
}

// StatusSender delivers an exit code on a child's control connection.
// It matches ipc.SendInt32.
type StatusSender func(fd int, code int32) error

// Completion is invoked after each reap with the child's pid and the
// translated exit code. Used to close out serve-history records; may be
// nil.
type Completion func(pid, code int)

// Reaper owns the child table and the wait worker.
type Reaper struct {
	mu        sync.Mutex
	children  []child
	lastEmpty int

	log      Logger
	send     StatusSender
	complete Completion
}

// New builds a Reaper with an empty child table. Start launches the
// worker; they are separate so the table can be exercised without a live
// wait loop.
func New(log Logger, send StatusSender, complete Completion) *Reaper {
	r := &Reaper{
		children: make([]child, initialSlots),
		log:      log,
		send:     send,
		complete: complete,
	}
	for i := range r.children {
		r.children[i].fd = freeFD
	}
	return r
}

// Start launches the wait worker.
func (r *Reaper) Start() {
	go r.waitChildren()
}

// Register records a forked child and transfers ownership of its control
// connection to the reaper. Insertion tries the last-freed slot first,
// then scans, then doubles the table.
func (r *Reaper) Register(pid, fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos := r.lastEmpty
	if pos >= len(r.children) || r.children[pos].fd != freeFD {
		pos = -1
		for i := range r.children {
			if r.children[i].fd == freeFD {
				pos = i
				break
			}
		}
		if pos < 0 {
			pos = len(r.children)
			grown := make([]child, 2*len(r.children))
			copy(grown, r.children)
			for i := pos; i < len(grown); i++ {
				grown[i].fd = freeFD
			}
			r.children = grown
		}
	}

	r.children[pos] = child{pid: pid, fd: fd}
	r.lastEmpty = pos + 1 // educated guess for the next insert
}

// Finish drops the child table. Called in forked children only; the
// worker goroutine does not survive the fork, so there is nothing else to
// stop.
func (r *Reaper) Finish() {
	r.children = nil
}

// waitChildren is the worker loop: reap, look up, translate, send, free.
func (r *Reaper) waitChildren() {
	attempts := 0
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// ECHILD cannot happen: the dummy child forked at init
			// outlives the daemon. Anything here is fatal.
			r.log.Die("reaper: wait failed: %v", err)
			return
		}

		for {
			pos, fd := r.take(pid)
			if pos >= 0 {
				attempts = 0
				code := TranslateStatus(ws)
				if fd != IgnoreFD {
					if err := r.send(fd, int32(code)); err != nil {
						r.log.Crit("reaper: cannot send status to pid %d on fd %d, client gone? %v", pid, fd, err)
					}
					unix.Close(fd)
				}
				if r.complete != nil {
					r.complete(pid, code)
				}
				r.free(pos)
				r.log.Trace("reaper: pid %d exited with %d", pid, code)
				break
			}

			// The child may have died before the controller registered
			// it; give the registration a moment to land.
			attempts++
			r.log.Crit("reaper: unknown child pid %d, attempt %d/%d", pid, attempts, maxAttempts)
			if attempts >= maxAttempts {
				r.log.Die("reaper: attempts exceeded for pid %d, aborting", pid)
				return
			}
			time.Sleep(retryPause)
		}
	}
}

// take looks up pid and returns its slot index and fd without freeing it.
func (r *Reaper) take(pid int) (pos, fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.children {
		if r.children[i].fd != freeFD && r.children[i].pid == pid {
			return i, r.children[i].fd
		}
	}
	return -1, freeFD
}

// free releases a slot and records it as the next insertion hint.
func (r *Reaper) free(pos int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children[pos].fd = freeFD
	r.lastEmpty = pos
}

// TranslateStatus converts a wait status into the shell convention:
// the exit code for a normal exit, 128 plus the signal number for a
// signal death, 1 for anything else.
func TranslateStatus(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return 1
	}
}

// Occupied reports the number of live child records. Test hook.
func (r *Reaper) Occupied() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.children {
		if r.children[i].fd != freeFD {
			n++
		}
	}
	return n
}
