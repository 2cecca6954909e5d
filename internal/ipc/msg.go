package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Control message wire format, shared by daemon and client:
//
//	4 bytes big-endian: argc (positive)
//	4 bytes big-endian: total bytes, header included
//	payload:            CWD NUL argv[0] NUL ... argv[argc-1] NUL
//
// The three standard stream descriptors ride alongside the first segment
// as SCM_RIGHTS ancillary data, in the order stdout, stderr, stdin.

// HeaderSize is the fixed size of the control message header.
const HeaderSize = 8

// MaxPayload bounds a single control message. Anything larger than this is
// a malformed or hostile client, not a command line.
const MaxPayload = 1 << 20

// EncodeRequest builds the full wire message (header plus payload) for the
// given working directory and argument list.
func EncodeRequest(cwd string, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	total := HeaderSize + len(cwd) + 1
	for _, a := range argv {
		total += len(a) + 1
	}
	if total > MaxPayload {
		return nil, fmt.Errorf("request of %d bytes exceeds maximum %d", total, MaxPayload)
	}

	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(argv)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(total))
	buf = append(buf, cwd...)
	buf = append(buf, 0)
	for _, a := range argv {
		buf = append(buf, a...)
		buf = append(buf, 0)
	}
	return buf, nil
}

// ParseHeader decodes the 8-byte header, returning argc and the total
// message size.
func ParseHeader(hdr []byte) (argc, total int, err error) {
	if len(hdr) < HeaderSize {
		return 0, 0, fmt.Errorf("short header: %d bytes", len(hdr))
	}
	argc = int(int32(binary.BigEndian.Uint32(hdr[0:4])))
	total = int(int32(binary.BigEndian.Uint32(hdr[4:8])))

	if argc <= 0 {
		return 0, 0, fmt.Errorf("non-positive argc %d", argc)
	}
	if total < HeaderSize+2 || total > MaxPayload {
		return 0, 0, fmt.Errorf("implausible total size %d", total)
	}
	return argc, total, nil
}

// SplitPayload validates a CWD NUL argv...NUL payload against argc and
// returns the working directory and argument strings. The returned strings
// are copies; the raw payload stays untouched for in-place argv rewriting.
func SplitPayload(payload []byte, argc int) (cwd string, argv []string, err error) {
	if len(payload) == 0 || payload[len(payload)-1] != 0 {
		return "", nil, fmt.Errorf("payload not NUL-terminated")
	}

	parts := bytes.Split(payload[:len(payload)-1], []byte{0})
	if len(parts) != argc+1 {
		return "", nil, fmt.Errorf("payload carries %d strings, want cwd plus %d args", len(parts), argc)
	}

	cwd = string(parts[0])
	argv = make([]string, argc)
	for i, p := range parts[1:] {
		argv[i] = string(p)
	}
	return cwd, argv, nil
}
