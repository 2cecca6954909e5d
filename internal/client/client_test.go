package client

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/xfeldman/preloader/internal/ipc"
)

func TestSockPath(t *testing.T) {
	if got := SockPath("/tmp", 3636); got != "/tmp/preloader_3636.sock" {
		t.Errorf("SockPath = %q", got)
	}
}

func TestSendAndStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preloader_1.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		sc, err := ln.AcceptUnix()
		if err != nil {
			done <- err
			return
		}
		defer sc.Close()

		f, err := sc.File()
		if err != nil {
			done <- err
			return
		}
		defer f.Close()

		req, err := ipc.RecvRequest(int(f.Fd()))
		if err != nil {
			done <- err
			return
		}
		ipc.CloseAll(req.Stdout, req.Stderr, req.Stdin)

		if req.CWD != "/somewhere" || len(req.Argv) != 2 || req.Argv[1] != "arg" {
			t.Errorf("daemon side decoded %q %v", req.CWD, req.Argv)
		}

		// pid then exit code, the daemon's answer shape.
		if err := ipc.SendInt32(int(f.Fd()), 4321); err != nil {
			done <- err
			return
		}
		done <- ipc.SendInt32(int(f.Fd()), 42)
	}()

	conn, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Send("/somewhere", []string{"prog", "arg"}, 1, 2, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}

	pid, err := conn.RecvInt32()
	if err != nil {
		t.Fatalf("RecvInt32 pid: %v", err)
	}
	if pid != 4321 {
		t.Errorf("pid = %d, want 4321", pid)
	}
	code, err := conn.RecvInt32()
	if err != nil {
		t.Fatalf("RecvInt32 code: %v", err)
	}
	if code != 42 {
		t.Errorf("code = %d, want 42", code)
	}

	if err := <-done; err != nil {
		t.Fatalf("daemon side: %v", err)
	}
}
