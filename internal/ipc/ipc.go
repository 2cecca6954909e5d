// Package ipc implements the preloader control socket.
//
// The endpoint is a plain AF_UNIX stream socket handled through raw file
// descriptors rather than net.Conn: the daemon forks after every accepted
// request and the child must dup, close and hand specific descriptor
// numbers to the host program — an abstraction over them would only get in
// the way. The request payload is received into an anonymous private
// mapping because the child keeps argv pointers into it until process
// death; it is never freed.
package ipc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MaxClients is the listen backlog of the control socket.
const MaxClients = 16

// recvTimeoutMs bounds the wait for the first byte of a control message.
// A connected client that never speaks would otherwise hold the single
// accept loop forever.
const recvTimeoutMs = 128

// numFDs is the number of descriptors a request must carry: stdout,
// stderr, stdin, in that order.
const numFDs = 3

var (
	// ErrTimeout reports that no control message arrived in time.
	ErrTimeout = errors.New("timed out waiting for control message")
	// ErrNoAncillary reports a first segment without the passed descriptors.
	ErrNoAncillary = errors.New("control message carries no file descriptors")
	// ErrClosed reports a peer that disconnected mid-message.
	ErrClosed = errors.New("connection closed before message complete")
)

// Request is one decoded control message.
type Request struct {
	// Argc is the argument count announced by the header.
	Argc int

	// Payload is the CWD NUL argv...NUL block, living in a private
	// anonymous mapping that survives until the child dies.
	Payload []byte

	// CWD and Argv are validated copies of the payload contents.
	CWD  string
	Argv []string

	// Stdout, Stderr, Stdin are the client's passed descriptors.
	Stdout, Stderr, Stdin int
}

// Endpoint is the daemon side of the control socket.
type Endpoint struct {
	fd   int
	path string
}

// Listen binds and listens on the control socket at path. A stale socket
// file from a dead daemon is removed first; the pid file is the singleton
// authority, not the socket.
func Listen(path string) (*Endpoint, error) {
	// sun_path is 108 bytes on Linux, NUL included.
	if len(path) >= 108 {
		return nil, fmt.Errorf("socket path %q exceeds sun_path limit", path)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("create control socket: %w", err)
	}

	unix.Unlink(path)

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, MaxClients); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}

	return &Endpoint{fd: fd, path: path}, nil
}

// WaitConn blocks until a client connects and returns the connection fd.
func (e *Endpoint) WaitConn() (int, error) {
	for {
		conn, _, err := unix.Accept(e.fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, fmt.Errorf("accept: %w", err)
		}
		return conn, nil
	}
}

// RecvRequest receives one control message from conn: waits up to the
// receive timeout for the first segment, which must carry the three passed
// descriptors as SCM_RIGHTS ancillary data, then keeps reading until the
// total announced by the header has arrived.
func RecvRequest(conn int) (*Request, error) {
	if err := waitReadable(conn, recvTimeoutMs); err != nil {
		return nil, err
	}

	buf := make([]byte, 1024)
	oob := make([]byte, unix.CmsgSpace(numFDs*4))

	n, oobn, _, _, err := unix.Recvmsg(conn, buf, oob, 0)
	if err != nil {
		return nil, fmt.Errorf("recvmsg: %w", err)
	}
	if n == 0 {
		return nil, ErrClosed
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}

	req, err := assemble(conn, buf[:n], fds)
	if err != nil {
		closeAllFDs(fds)
		return nil, err
	}
	return req, nil
}

// assemble decodes the header from the first segment and drains the rest
// of the message into the payload mapping.
func assemble(conn int, first []byte, fds []int) (*Request, error) {
	// The header may itself be split across segments.
	hdr := first
	for len(hdr) < HeaderSize {
		more := make([]byte, HeaderSize-len(hdr))
		n, err := unix.Read(conn, more)
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		if n == 0 {
			return nil, ErrClosed
		}
		hdr = append(hdr, more[:n]...)
	}

	argc, total, err := ParseHeader(hdr)
	if err != nil {
		return nil, err
	}

	payload, err := unix.Mmap(-1, 0, total-HeaderSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("map payload of %d bytes: %w", total-HeaderSize, err)
	}

	got := copy(payload, hdr[HeaderSize:])
	for got < len(payload) {
		n, err := unix.Read(conn, payload[got:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			unix.Munmap(payload)
			return nil, fmt.Errorf("read payload: %w", err)
		}
		if n == 0 {
			unix.Munmap(payload)
			return nil, ErrClosed
		}
		got += n
	}

	cwd, argv, err := SplitPayload(payload, argc)
	if err != nil {
		unix.Munmap(payload)
		return nil, err
	}

	return &Request{
		Argc:    argc,
		Payload: payload,
		CWD:     cwd,
		Argv:    argv,
		Stdout:  fds[0],
		Stderr:  fds[1],
		Stdin:   fds[2],
	}, nil
}

// parseRights extracts exactly three descriptors from the ancillary block.
func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, ErrNoAncillary
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse ancillary data: %w", err)
	}
	if len(cmsgs) != 1 {
		return nil, fmt.Errorf("expected one control message, got %d", len(cmsgs))
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return nil, fmt.Errorf("parse SCM_RIGHTS: %w", err)
	}
	if len(fds) != numFDs {
		closeAllFDs(fds)
		return nil, fmt.Errorf("expected %d passed descriptors, got %d", numFDs, len(fds))
	}
	return fds, nil
}

func waitReadable(fd, timeoutMs int) error {
	for {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return ErrTimeout
		}
		return nil
	}
}

// SendInt32 writes one big-endian int32 on fd.
func SendInt32(fd int, v int32) error {
	b := [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	for off := 0; off < len(b); {
		n, err := unix.Write(fd, b[off:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("send int32: %w", err)
		}
		off += n
	}
	return nil
}

// RecvInt32 reads one big-endian int32 from fd.
func RecvInt32(fd int) (int32, error) {
	var b [4]byte
	for off := 0; off < len(b); {
		n, err := unix.Read(fd, b[off:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("recv int32: %w", err)
		}
		if n == 0 {
			return 0, ErrClosed
		}
		off += n
	}
	return int32(b[0])<<24 | int32(b[1])<<16 | int32(b[2])<<8 | int32(b[3]), nil
}

// CloseAll closes every descriptor in fds, ignoring errors. Negative
// values are skipped so callers can pass already-consumed slots.
func CloseAll(fds ...int) {
	closeAllFDs(fds)
}

func closeAllFDs(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}

// Fd exposes the listening descriptor for child-side teardown.
func (e *Endpoint) Fd() int {
	return e.fd
}

// Close shuts the listening socket down and removes the socket file.
// Children call CloseListener instead: the parent still owns the path.
func (e *Endpoint) Close() {
	if e.fd >= 0 {
		unix.Close(e.fd)
		e.fd = -1
	}
	if e.path != "" {
		unix.Unlink(e.path)
		e.path = ""
	}
}

// CloseListener closes only the inherited listening descriptor. Used by
// forked children, which must not unlink the parent's socket file.
func (e *Endpoint) CloseListener() {
	if e.fd >= 0 {
		unix.Close(e.fd)
		e.fd = -1
	}
}
