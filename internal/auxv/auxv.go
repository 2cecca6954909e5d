// Package auxv keeps a private snapshot of the process auxiliary vector.
//
// The engine shifts argv/envp/auxv on the host's startup stack when it
// rewrites arguments, which invalidates whatever internal pointer the
// host's C library keeps into the original block. Every auxv lookup the
// engine performs after the first rewrite therefore goes through this
// snapshot, taken from the kernel-exported /proc/self/auxv stream during
// library init — before any rewrite can happen.
package auxv

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"
)

// Auxiliary vector types, from <linux/auxvec.h>. Only the ones the engine
// consumes are spelled out; Lookup accepts any type value.
const (
	// TypeNull terminates the vector.
	TypeNull = 0
	// TypePageSize is the system page size (AT_PAGESZ).
	TypePageSize = 6
	// TypeEntry is the host executable's entrypoint address (AT_ENTRY).
	TypeEntry = 9
)

const wordSize = int(unsafe.Sizeof(uintptr(0)))

// Entry is one (type, value) pair of the auxiliary vector.
type Entry struct {
	Type  uint64
	Value uint64
}

// Vector is an immutable auxiliary-vector snapshot.
type Vector struct {
	entries []Entry
}

// Snapshot reads /proc/self/auxv and captures the full vector, including
// the terminating null entry.
func Snapshot() (*Vector, error) {
	data, err := os.ReadFile("/proc/self/auxv")
	if err != nil {
		return nil, fmt.Errorf("read /proc/self/auxv: %w", err)
	}
	return Parse(data)
}

// Parse decodes a raw auxv byte stream: native-endian machine-word pairs,
// terminated by a zero-typed entry.
func Parse(data []byte) (*Vector, error) {
	pair := 2 * wordSize
	if len(data) < pair {
		return nil, fmt.Errorf("auxv stream too short (%d bytes)", len(data))
	}

	v := &Vector{}
	for off := 0; off+pair <= len(data); off += pair {
		e := Entry{
			Type:  word(data[off : off+wordSize]),
			Value: word(data[off+wordSize : off+pair]),
		}
		v.entries = append(v.entries, e)
		if e.Type == TypeNull {
			return v, nil
		}
	}
	return nil, fmt.Errorf("auxv stream not null-terminated (%d bytes)", len(data))
}

func word(b []byte) uint64 {
	if wordSize == 8 {
		return binary.NativeEndian.Uint64(b)
	}
	return uint64(binary.NativeEndian.Uint32(b))
}

// Lookup scans the snapshot for typ and returns its value, or 0 when the
// type is absent.
func (v *Vector) Lookup(typ uint64) uint64 {
	for _, e := range v.entries {
		if e.Type == TypeNull {
			break
		}
		if e.Type == typ {
			return e.Value
		}
	}
	return 0
}

// Len reports the number of entries including the terminator.
func (v *Vector) Len() int {
	return len(v.entries)
}
