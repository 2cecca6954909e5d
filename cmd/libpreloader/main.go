// libpreloader is the injected half of the preloader: a c-shared library
// the host executable loads via LD_PRELOAD.
//
// Build:
//
//	go build -buildmode=c-shared -o libpreloader.so ./cmd/libpreloader
//
// Launch a host with placeholder arguments sized for the largest command
// line it will serve:
//
//	LD_PRELOAD=./libpreloader.so LD_BIND_NOW=1 cc p p p p p p p p
//
// The library constructor runs before the dynamic linker hands control
// to the host: it claims the pid file, optionally daemonizes, preloads
// the shared-object list, snapshots the auxiliary vector and patches the
// host entrypoint. From then on the host's own startup walks into the
// engine and the process becomes the daemon.
package main

// The pre-main hook lives in ctor.c: a library constructor the dynamic
// linker runs when it maps us into the host, before the host entrypoint.
// It calls into preloaderLibInit below.

import "C"

import (
	"errors"
	"fmt"
	"os"

	"github.com/xfeldman/preloader/internal/arch"
	"github.com/xfeldman/preloader/internal/auxv"
	"github.com/xfeldman/preloader/internal/config"
	"github.com/xfeldman/preloader/internal/daemon"
	"github.com/xfeldman/preloader/internal/history"
	"github.com/xfeldman/preloader/internal/logging"
	"github.com/xfeldman/preloader/internal/pidfile"
	"github.com/xfeldman/preloader/internal/prelist"
	"github.com/xfeldman/preloader/internal/reentry"
	"github.com/xfeldman/preloader/internal/version"
)

//export preloaderLibInit
func preloaderLibInit() {
	cfg, err := config.FromEnv()
	if err != nil {
		// No logger yet; this is the one place stderr is addressed raw.
		fmt.Fprintf(os.Stderr, "preloader: %v\n", err)
		os.Exit(1)
	}

	// The socket path must fit sun_path before anything is committed.
	if len(cfg.SockPath()) >= 108 {
		fmt.Fprintf(os.Stderr, "preloader: socket path %q exceeds sun_path\n", cfg.SockPath())
		os.Exit(1)
	}

	// Singleton check: a live daemon on this (directory, port) means we
	// stand down silently and let the host run normally.
	if err := pidfile.Check(cfg.PidFilePath()); err != nil {
		if errors.Is(err, pidfile.ErrAlreadyRunning) {
			return
		}
		fmt.Fprintf(os.Stderr, "preloader: pid file: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Init(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "preloader: unable to initialize logging: %v\n", err)
		os.Exit(1)
	}

	if cfg.Daemonize {
		if err := daemon.Daemonize(); err != nil {
			log.Die("daemonize: %v", err)
		}
	}

	// Forked before the reaper exists so wait(2) always has a child,
	// and before the pid file so the file records the daemon's pid.
	dummyPid, err := daemon.SpawnDummy()
	if err != nil {
		log.Die("spawn keep-alive child: %v", err)
	}

	if err := pidfile.Write(cfg.PidFilePath(), os.Getpid()); err != nil {
		log.Die("unable to create pid file: %v", err)
	}

	log.Info("preloader %s initializing (port %d)", version.Version(), cfg.Port)

	if cfg.LoadFile != "" {
		if err := prelist.LoadFile(cfg.LoadFile, log); err != nil {
			log.Die("load file: %v", err)
		}
	}

	aux, err := auxv.Snapshot()
	if err != nil {
		log.Die("auxv snapshot: %v", err)
	}
	entry := uintptr(aux.Lookup(auxv.TypeEntry))
	if entry == 0 {
		log.Die("unable to get AT_ENTRY, aborting")
	}
	log.Info("AT_ENTRY: %#x", entry)

	state, err := arch.Patch(entry)
	if err != nil {
		log.Die("unable to patch entry point: %v", err)
	}

	var hist *history.Store
	if cfg.HistoryDB != "" {
		hist, err = history.Open(cfg.HistoryDB)
		if err != nil {
			// Observability must not keep the daemon down.
			log.Err("history disabled: %v", err)
			hist = nil
		}
	}

	d := daemon.New(cfg, log, hist, dummyPid)
	reentry.Configure(&reentry.Config{
		Arch:  state,
		Serve: d.Serve,
		Log:   log,
	})
}

// main never runs under -buildmode=c-shared; it exists to make this a
// buildable main package.
func main() {
	fmt.Fprintf(os.Stderr, "libpreloader %s: build with -buildmode=c-shared and LD_PRELOAD into a host\n",
		version.Version())
	os.Exit(1)
}
