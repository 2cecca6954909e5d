// Package reentry returns forked children into the host's entrypoint.
//
// The entry stub transfers control to the ISA trampoline, which calls
// go_premain with a stack hint. From there the engine locates the host's
// startup frame, parks in the daemon's request loop, and — in each forked
// child — rewrites argc/argv in place, repoints libc's environ, restores
// the original entry bytes and fixes the saved return address. When
// go_premain returns, the trampoline's final return lands on the host's
// first original instruction and the startup proceeds exactly as in a
// fresh process.
package reentry

/*
extern void preloader_set_environ(char **e);
extern void preloader_install_premain(void);
*/
import "C"

import (
	"unsafe"

	"github.com/xfeldman/preloader/internal/arch"
)

// Logger is the slice of the daemon's logging the engine needs.
type Logger interface {
	Trace(format string, args ...any)
	Die(format string, args ...any)
}

// ServeFunc blocks in the daemon request loop and returns only inside a
// forked child, carrying that child's request payload and argc.
type ServeFunc func() (payload []byte, argc int)

// Config wires the engine to the rest of the daemon.
type Config struct {
	// Arch is the installed entrypoint patch.
	Arch *arch.State

	// Serve is the daemon controller's request loop.
	Serve ServeFunc

	// Log receives engine diagnostics. Fatal conditions here mean the
	// host's startup invariants are broken; continuing would corrupt it.
	Log Logger
}

// engine is the package-wide state. The trampoline's call into
// go_premain cannot carry a context, so this is the one place the design
// tolerates a package global; it is written exactly once, during library
// init, before the entry stub can possibly run.
var engine *Config

// Configure installs the engine state and points the patcher's
// trampoline at go_premain. Must be called before the host reaches its
// entrypoint.
func Configure(cfg *Config) {
	engine = cfg
	C.preloader_install_premain()
}

//export go_premain
func go_premain(sp uintptr) {
	if engine == nil {
		// Stub installed without an engine: nothing sane to do.
		return
	}
	e := engine

	match := e.Arch.Entry() + arch.RestoreDelta()
	frame, ok := FindFrame(sp, match)
	if !ok {
		e.Log.Die("unable to find the startup return address near %#x, cannot proceed", sp)
		return
	}
	e.Log.Trace("startup frame at %#x, host argc %d", frame.base, frame.Argc())

	// Park in the request loop. Everything below runs in a forked child.
	payload, argc := e.Serve()

	envp, err := frame.RewriteArgs(payload, argc)
	if err != nil {
		e.Log.Die("argv rewrite failed: %v", err)
		return
	}

	delta := e.Arch.Restore()
	frame.SetRet(frame.Ret() - delta)

	// The shift moved the environment block; libc must look for it at
	// its new home or getenv goes blind after re-entry.
	C.preloader_set_environ((**C.char)(unsafe.Pointer(envp)))
}
