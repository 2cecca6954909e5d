// Package client talks to the preloader daemon over its control socket.
//
// One connection serves a whole request: the client sends the control
// message with its three standard descriptors attached, then reads two
// big-endian words back — the child's pid, then its exit code. The
// descriptors are passed, not proxied: once the daemon dups them onto
// the child there is nothing to pump, the client only waits.
package client

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/xfeldman/preloader/internal/ipc"
)

// InternalFailure is the exit code reported when the request never got a
// status back from the daemon.
const InternalFailure = 42

// SockPath returns the control socket path for a pid directory and port.
func SockPath(pidPath string, port int) string {
	return fmt.Sprintf("%s/preloader_%d.sock", pidPath, port)
}

// Run sends one request carrying argv and the calling process's stdio,
// relays SIGINT/SIGTERM to the child while waiting, and returns the
// child's exit code.
func Run(pidPath string, port int, argv []string) (int, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return InternalFailure, fmt.Errorf("getcwd: %w", err)
	}

	conn, err := Dial(SockPath(pidPath, port))
	if err != nil {
		return InternalFailure, err
	}
	defer conn.Close()

	if err := conn.Send(cwd, argv,
		int(os.Stdout.Fd()), int(os.Stderr.Fd()), int(os.Stdin.Fd())); err != nil {
		return InternalFailure, err
	}

	pid, err := conn.RecvInt32()
	if err != nil {
		return InternalFailure, fmt.Errorf("receive child pid: %w", err)
	}

	// Forward interactive signals to the served process; its stdio is
	// ours but its terminal signals are not.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for s := range sigs {
			if sn, ok := s.(syscall.Signal); ok {
				unix.Kill(int(pid), sn)
			}
		}
	}()

	code, err := conn.RecvInt32()
	if err != nil {
		return InternalFailure, fmt.Errorf("receive exit code: %w", err)
	}
	return int(code), nil
}

// Conn is one control connection.
type Conn struct {
	uc *net.UnixConn
}

// Dial connects to the daemon's control socket.
func Dial(path string) (*Conn, error) {
	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	return &Conn{uc: uc}, nil
}

// Send transmits the control message with the three descriptors attached
// to its first segment, in the daemon's expected order.
func (c *Conn) Send(cwd string, argv []string, stdout, stderr, stdin int) error {
	msg, err := ipc.EncodeRequest(cwd, argv)
	if err != nil {
		return err
	}
	rights := unix.UnixRights(stdout, stderr, stdin)

	n, oobn, err := c.uc.WriteMsgUnix(msg, rights, nil)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if oobn != len(rights) {
		return fmt.Errorf("short ancillary send: %d of %d", oobn, len(rights))
	}
	// WriteMsgUnix may accept fewer payload bytes than the message;
	// the rest goes as plain stream data.
	for n < len(msg) {
		m, err := c.uc.Write(msg[n:])
		if err != nil {
			return fmt.Errorf("send request payload: %w", err)
		}
		n += m
	}
	return nil
}

// RecvInt32 reads one big-endian word from the daemon.
func (c *Conn) RecvInt32() (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(c.uc, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

// Close closes the control connection.
func (c *Conn) Close() error {
	return c.uc.Close()
}
