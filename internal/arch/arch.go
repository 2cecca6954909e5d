// Package arch patches the host entrypoint with a per-ISA stub.
//
// The stub is a short machine-code sequence written over the host's first
// instructions that transfers control into the engine trampoline while
// preserving the one register the C startup still cares about at that
// point (the atexit handler the kernel hands to _start: rdx on amd64,
// edx on 386, r0 on arm, x0 on arm64, a0 on riscv64). The trampoline —
// a few lines of assembly per ISA, see trampoline_GOARCH.c — saves that
// register and the return address on the stack, hands the engine a stack
// hint, and returns through the slot the engine has meanwhile pointed back
// at the restored entrypoint.
//
// Everything above the stub encoding is ISA-agnostic: the engine only ever
// sees Patch, Restore, Entry and RestoreDelta.
package arch

/*
extern void preloader_premain(void);

static void *preloader_premain_addr(void) {
	return (void *)preloader_premain;
}
*/
import "C"

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// State is the per-daemon patch record: the entry address and the original
// bytes the stub displaced. Written once when the daemon loads; the backup
// is copied back by every forked child before it re-enters the host.
type State struct {
	entry  uintptr
	backup []byte
}

// TrampolineAddr returns the address the stub transfers control to.
func TrampolineAddr() uintptr {
	return uintptr(C.preloader_premain_addr())
}

// StubSize returns the stub length for this ISA.
func StubSize() int {
	return stubSize
}

// RestoreDelta is the amount the saved return address exceeds the entry
// address by: the stub size minus any trailing address constant the
// control transfer never executes past. The engine matches stack slots
// against entry+RestoreDelta and subtracts it after restoring.
func RestoreDelta() uintptr {
	return stubSize - trailingConst
}

// Patch makes the entry page(s) writable and executable, backs up the
// displaced bytes and installs the stub. The mapping deliberately stays
// RWX for the life of the daemon: each forked child writes the backup
// through its copy-on-write mapping, and the parent keeps serving from
// the patched original.
func Patch(entry uintptr) (*State, error) {
	if entry == 0 {
		return nil, fmt.Errorf("nil entry address")
	}

	if err := makeRWX(entry, uintptr(stubSize)); err != nil {
		return nil, err
	}

	stub := buildStub(TrampolineAddr())
	if len(stub) != stubSize {
		return nil, fmt.Errorf("stub encoder emitted %d bytes, want %d", len(stub), stubSize)
	}

	text := unsafe.Slice((*byte)(unsafe.Pointer(entry)), stubSize)
	s := &State{entry: entry, backup: make([]byte, stubSize)}
	copy(s.backup, text)
	copy(text, stub)
	return s, nil
}

// Restore copies the original bytes back over the stub and returns the
// return-address delta. Runs in the forked child, on the straight path
// back into the host entrypoint.
func (s *State) Restore() uintptr {
	text := unsafe.Slice((*byte)(unsafe.Pointer(s.entry)), stubSize)
	copy(text, s.backup)
	return RestoreDelta()
}

// Entry returns the patched entry address.
func (s *State) Entry() uintptr {
	return s.entry
}

// makeRWX remaps the page holding addr — or two pages when fewer than
// size bytes remain before the boundary — as readable, writable and
// executable.
func makeRWX(addr, size uintptr) error {
	page := uintptr(os.Getpagesize())
	base := addr &^ (page - 1)

	length := page
	if page-(addr-base) < size {
		length = 2 * page
	}

	mem := unsafe.Slice((*byte)(unsafe.Pointer(base)), length)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect entry page rwx: %w", err)
	}
	return nil
}
