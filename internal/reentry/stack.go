package reentry

import (
	"fmt"
	"unsafe"
)

const wordSize = unsafe.Sizeof(uintptr(0))

// maxLookup bounds the scan for the saved return address. Startup code
// differs slightly between toolchains; fifteen words is enough slack for
// every libc observed without risking a false match deep in unrelated
// frames.
const maxLookup = 15

// Frame models the host's startup frame, anchored at the stack slot
// holding the saved return address into the entry stub. Every ISA
// trampoline arranges its saves below that slot, so the layout above it
// is uniform:
//
//	slot 0: return address (entry + restore delta)
//	slot 1: argc
//	slot 2: argv[0]
//	...     argv, NULL, envp..., NULL, auxv pairs..., {0, 0}
//
// The frame belongs to the host process; all accessors mutate it in
// place. Rebuilding the block elsewhere would invalidate the pointers the
// host's C library already took into it.
type Frame struct {
	base uintptr
}

// FrameAt anchors a Frame at addr, which must be word-aligned.
func FrameAt(addr uintptr) (Frame, error) {
	if addr%wordSize != 0 {
		return Frame{}, fmt.Errorf("frame base %#x not word-aligned", addr)
	}
	return Frame{base: addr}, nil
}

// FindFrame scans up to maxLookup words from spHint for a slot holding
// match — the address the stub's control transfer saved. The hint comes
// from the ISA trampoline, a fixed handful of words below the slot.
func FindFrame(spHint, match uintptr) (Frame, bool) {
	if spHint%wordSize != 0 {
		return Frame{}, false
	}
	for i := uintptr(0); i < maxLookup; i++ {
		addr := spHint + i*wordSize
		if *(*uintptr)(unsafe.Pointer(addr)) == match {
			return Frame{base: addr}, true
		}
	}
	return Frame{}, false
}

// slot returns a pointer to the i-th word of the frame.
func (f Frame) slot(i int) *uintptr {
	return (*uintptr)(unsafe.Pointer(f.base + uintptr(i)*wordSize))
}

// Ret reads the saved return address.
func (f Frame) Ret() uintptr {
	return *f.slot(0)
}

// SetRet rewrites the saved return address.
func (f Frame) SetRet(addr uintptr) {
	*f.slot(0) = addr
}

// Argc reads the host's argument count.
func (f Frame) Argc() int {
	return int(*f.slot(1))
}

// argvSlot returns a pointer to argv[i]'s slot.
func (f Frame) argvSlot(i int) *uintptr {
	return f.slot(2 + i)
}

// RewriteArgs replaces the frame's argc/argv in place with the request's
// CWD NUL argv...NUL payload and shifts the envp/auxv tail left so it
// stays contiguous after the shorter argument vector. It returns the new
// envp base for the caller to publish to the host's C library.
//
// The payload must outlive the process: the rewritten argv points into it.
func (f Frame) RewriteArgs(payload []byte, argc int) (envp uintptr, err error) {
	oldArgc := f.Argc()
	if oldArgc < argc {
		return 0, fmt.Errorf("host argc %d cannot hold %d arguments, relaunch the preloader with more placeholders", oldArgc, argc)
	}

	ptrs, err := argvPointers(payload, argc)
	if err != nil {
		return 0, err
	}

	*f.slot(1) = uintptr(argc)
	for i, p := range ptrs {
		*f.argvSlot(i) = p
	}
	*f.argvSlot(argc) = 0

	// Move envp and auxv up against the new argv terminator. The host's
	// startup walks them from the tail of argv; a gap of stale argv
	// pointers would be read as environment entries.
	if shift := oldArgc - argc; shift > 0 {
		dst := 2 + argc + 1    // first slot past the new NULL
		src := 2 + oldArgc + 1 // first envp entry in the old layout

		// envp entries and terminator.
		for {
			v := *f.slot(src)
			*f.slot(dst) = v
			src++
			dst++
			if v == 0 {
				break
			}
		}
		// auxv (type, value) pairs through the terminating null pair.
		// Values may legitimately be zero, so walk in pairs and stop on
		// a zero type only.
		for {
			typ := *f.slot(src)
			val := *f.slot(src + 1)
			*f.slot(dst) = typ
			*f.slot(dst + 1) = val
			src += 2
			dst += 2
			if typ == 0 {
				break
			}
		}
	}

	return f.base + uintptr(2+argc+1)*wordSize, nil
}

// argvPointers splits the CWD NUL argv...NUL payload and returns the
// addresses of the argc argument strings inside it.
func argvPointers(payload []byte, argc int) ([]uintptr, error) {
	// Skip the CWD string and its terminator.
	start := 0
	for start < len(payload) && payload[start] != 0 {
		start++
	}
	if start == len(payload) {
		return nil, fmt.Errorf("payload holds no CWD terminator")
	}
	start++

	ptrs := make([]uintptr, 0, argc)
	argStart := start
	for i := start; i < len(payload) && len(ptrs) < argc; i++ {
		if payload[i] == 0 {
			ptrs = append(ptrs, uintptr(unsafe.Pointer(&payload[argStart])))
			argStart = i + 1
		}
	}
	if len(ptrs) != argc {
		return nil, fmt.Errorf("payload holds %d arguments, want %d", len(ptrs), argc)
	}
	return ptrs, nil
}
