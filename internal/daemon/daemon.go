// Package daemon runs the preloader request loop.
//
// The controller is a single-threaded blocking accept loop: accept a
// connection, receive the control message, fork. The parent registers
// the child with the reaper, sends the pid back and keeps serving; the
// child tears down its copy of the daemon (listener, log, reaper state),
// wires the client's descriptors onto stdio, and hands its request
// payload back to the re-entry engine.
//
// Lifecycle:
//   - Serve transitions init → serving once the endpoint and reaper are up
//   - per-request errors (bad message, fork failure) drop the request
//     and return to accept
//   - fatal IPC errors end the daemon (faulted is terminal)
//   - SIGTERM reinstates the default handler and signals the process group
package daemon

/*
extern void preloader_child_stdio(void);
*/
import "C"

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/xfeldman/preloader/internal/config"
	"github.com/xfeldman/preloader/internal/history"
	"github.com/xfeldman/preloader/internal/ipc"
	"github.com/xfeldman/preloader/internal/logging"
	"github.com/xfeldman/preloader/internal/reaper"
)

// Daemon is the controller state shared by the accept loop and the
// child-teardown path.
type Daemon struct {
	cfg  *config.Config
	log  *logging.Log
	ep   *ipc.Endpoint
	rp   *reaper.Reaper
	hist *history.Store

	// dummyPid is the keep-alive child forked at library init.
	dummyPid int
}

// New builds a Daemon. hist may be nil.
func New(cfg *config.Config, log *logging.Log, hist *history.Store, dummyPid int) *Daemon {
	return &Daemon{cfg: cfg, log: log, hist: hist, dummyPid: dummyPid}
}

// Serve brings up the endpoint and reaper, then runs the request loop.
// It blocks forever in the parent; the only return path is inside a
// freshly forked child, carrying that child's payload and argc.
func (d *Daemon) Serve() (payload []byte, argc int) {
	ep, err := ipc.Listen(d.cfg.SockPath())
	if err != nil {
		d.log.Die("cannot start IPC: %v", err)
	}
	d.ep = ep

	d.rp = reaper.New(d.log, ipc.SendInt32, d.finishHistory)
	if d.dummyPid > 0 {
		d.rp.Register(d.dummyPid, reaper.IgnoreFD)
	}
	d.rp.Start()

	d.installSigterm()

	d.log.Info("serving on %s", d.cfg.SockPath())

	for {
		conn, err := d.ep.WaitConn()
		if err != nil {
			d.log.Die("accept failed, aborting: %v", err)
		}

		req, err := ipc.RecvRequest(conn)
		if err != nil {
			d.log.Info("dropping request: %v", err)
			ipc.CloseAll(conn)
			continue
		}
		d.log.Trace("request: argc=%d argv0=%q cwd=%q", req.Argc, req.Argv[0], req.CWD)

		pid, err := Fork()
		if err != nil {
			d.log.Crit("fork failed, dropping request: %v", err)
			ipc.CloseAll(req.Stdout, req.Stderr, req.Stdin, conn)
			continue
		}

		if pid == 0 {
			d.setupChild(conn, req)
			return req.Payload, req.Argc
		}

		if err := ipc.SendInt32(conn, int32(pid)); err != nil {
			d.log.Err("cannot send pid %d to client: %v", pid, err)
		}
		// The reaper owns conn from here until the status is sent.
		d.rp.Register(pid, conn)
		ipc.CloseAll(req.Stdout, req.Stderr, req.Stdin)

		d.recordHistory(pid, req)
	}
}

// setupChild turns the forked copy of the daemon into the client's
// process: only straight-line teardown and direct syscalls until the
// engine returns into the host entrypoint.
func (d *Daemon) setupChild(conn int, req *ipc.Request) {
	// The host resolved everything at daemon start; forcing eager
	// binding again in the child would be wasted work.
	os.Unsetenv("LD_BIND_NOW")

	d.ep.CloseListener()
	d.log.Close()
	d.rp.Finish()

	unix.Dup2(req.Stdin, 0)
	unix.Dup2(req.Stdout, 1)
	unix.Dup2(req.Stderr, 2)
	ipc.CloseAll(req.Stdin, req.Stdout, req.Stderr, conn)

	C.preloader_child_stdio()

	if err := unix.Chdir(req.CWD); err != nil {
		// Running the program in the wrong directory is worse than not
		// running it.
		d.log.Crit("chdir %s: %v", req.CWD, err)
		unix.Exit(1)
	}

	signal.Reset(syscall.SIGTERM)
}

// installSigterm arranges the daemon's one-shot SIGTERM handling:
// reinstate the default disposition, then broadcast to the process group
// so the dummy child and any stragglers die with us.
func (d *Daemon) installSigterm() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	go func() {
		<-ch
		signal.Reset(syscall.SIGTERM)
		unix.Kill(0, unix.SIGTERM)
	}()
}

// recordHistory inserts a serve-history row. Best effort by design.
func (d *Daemon) recordHistory(pid int, req *ipc.Request) {
	if d.hist == nil {
		return
	}
	if err := d.hist.Insert(pid, req.Argv[0], req.Argc, req.CWD); err != nil {
		d.log.Err("history insert: %v", err)
	}
}

// finishHistory closes out a serve-history row after a reap.
func (d *Daemon) finishHistory(pid, code int) {
	if d.hist == nil || pid == d.dummyPid {
		return
	}
	if err := d.hist.Finish(pid, code); err != nil {
		d.log.Err("history finish: %v", err)
	}
}
