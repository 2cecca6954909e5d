package reentry

import (
	"testing"
	"unsafe"
)

// buildBlock fabricates a startup-stack block the way the kernel lays it
// out past the saved return slot: ret, argc, argv..., NULL, envp...,
// NULL, auxv pairs, null pair.
func buildBlock(ret uintptr, argv, envp []uintptr, auxv [][2]uintptr) []uintptr {
	block := []uintptr{ret, uintptr(len(argv))}
	block = append(block, argv...)
	block = append(block, 0)
	block = append(block, envp...)
	block = append(block, 0)
	for _, pair := range auxv {
		block = append(block, pair[0], pair[1])
	}
	block = append(block, 0, 0)
	// Guard words so an overrun is visible.
	block = append(block, 0xdead, 0xdead)
	return block
}

func cstringAt(p uintptr) string {
	var out []byte
	for i := uintptr(0); ; i++ {
		c := *(*byte)(unsafe.Pointer(p + i))
		if c == 0 {
			return string(out)
		}
		out = append(out, c)
	}
}

func TestFindFrame(t *testing.T) {
	block := buildBlock(0x401234, []uintptr{0x11, 0x22}, nil, nil)
	base := uintptr(unsafe.Pointer(&block[0]))

	f, ok := FindFrame(base, 0x401234)
	if !ok {
		t.Fatal("FindFrame missed the slot")
	}
	if f.Ret() != 0x401234 {
		t.Errorf("Ret = %#x", f.Ret())
	}
	if f.Argc() != 2 {
		t.Errorf("Argc = %d, want 2", f.Argc())
	}
}

func TestFindFrameWithinLookupWindow(t *testing.T) {
	// The slot sits a few words above the hint, as below the trampoline's
	// saves in real life.
	pad := make([]uintptr, 4)
	block := append(pad, buildBlock(0x55aa55, []uintptr{1}, nil, nil)...)
	hint := uintptr(unsafe.Pointer(&block[0]))

	f, ok := FindFrame(hint, 0x55aa55)
	if !ok {
		t.Fatal("FindFrame missed a slot inside the window")
	}
	if f.Argc() != 1 {
		t.Errorf("Argc = %d, want 1", f.Argc())
	}
}

func TestFindFrameBeyondWindow(t *testing.T) {
	pad := make([]uintptr, maxLookup)
	block := append(pad, buildBlock(0x778899, []uintptr{1}, nil, nil)...)
	hint := uintptr(unsafe.Pointer(&block[0]))

	if _, ok := FindFrame(hint, 0x778899); ok {
		t.Error("FindFrame matched past the lookup bound")
	}
}

func TestRewriteArgs(t *testing.T) {
	// Host launched with four placeholder args; request carries two.
	oldArgv := []uintptr{0xa1, 0xa2, 0xa3, 0xa4}
	envp := []uintptr{0xe1, 0xe2, 0xe3}
	auxv := [][2]uintptr{{6, 4096}, {9, 0x400000}, {23, 0}}
	block := buildBlock(0x1000, oldArgv, envp, auxv)
	base := uintptr(unsafe.Pointer(&block[0]))

	f, err := FrameAt(base)
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("/work/dir\x00prog\x00arg one\x00")
	envpAddr, err := f.RewriteArgs(payload, 2)
	if err != nil {
		t.Fatalf("RewriteArgs: %v", err)
	}

	if f.Argc() != 2 {
		t.Errorf("argc slot = %d, want 2", f.Argc())
	}
	if got := cstringAt(block[2]); got != "prog" {
		t.Errorf("argv[0] = %q, want prog", got)
	}
	if got := cstringAt(block[3]); got != "arg one" {
		t.Errorf("argv[1] = %q, want %q", got, "arg one")
	}
	if block[4] != 0 {
		t.Errorf("argv terminator = %#x, want 0", block[4])
	}

	// envp shifted left by two slots, still terminated.
	if block[5] != 0xe1 || block[6] != 0xe2 || block[7] != 0xe3 {
		t.Errorf("envp = %#x %#x %#x", block[5], block[6], block[7])
	}
	if block[8] != 0 {
		t.Errorf("envp terminator = %#x", block[8])
	}
	if want := base + 5*wordSize; envpAddr != want {
		t.Errorf("envp base = %#x, want %#x", envpAddr, want)
	}

	// auxv pairs intact — including the zero-valued AT_SECURE entry —
	// and null-pair terminated.
	wantAux := []uintptr{6, 4096, 9, 0x400000, 23, 0, 0, 0}
	for i, w := range wantAux {
		if block[9+i] != w {
			t.Errorf("auxv word %d = %#x, want %#x", i, block[9+i], w)
		}
	}

	// Guard words untouched.
	last := len(block) - 1
	if block[last] != 0xdead || block[last-1] != 0xdead {
		t.Error("rewrite overran the block")
	}
}

func TestRewriteArgsSameArgc(t *testing.T) {
	oldArgv := []uintptr{0xa1, 0xa2}
	envp := []uintptr{0xe1}
	block := buildBlock(0x1000, oldArgv, envp, [][2]uintptr{{6, 4096}})
	base := uintptr(unsafe.Pointer(&block[0]))

	f, _ := FrameAt(base)
	payload := []byte("/\x00a\x00b\x00")
	envpAddr, err := f.RewriteArgs(payload, 2)
	if err != nil {
		t.Fatalf("RewriteArgs: %v", err)
	}

	// No shift: envp stays put.
	if block[5] != 0xe1 || block[6] != 0 {
		t.Errorf("envp block moved: %#x %#x", block[5], block[6])
	}
	if want := base + 5*wordSize; envpAddr != want {
		t.Errorf("envp base = %#x, want %#x", envpAddr, want)
	}
}

func TestRewriteArgsCapacity(t *testing.T) {
	block := buildBlock(0x1000, []uintptr{0xa1}, nil, nil)
	base := uintptr(unsafe.Pointer(&block[0]))

	f, _ := FrameAt(base)
	payload := []byte("/\x00a\x00b\x00")
	if _, err := f.RewriteArgs(payload, 2); err == nil {
		t.Error("RewriteArgs accepted argc beyond host capacity")
	}
	// The frame must be untouched after a refused rewrite.
	if f.Argc() != 1 || block[2] != 0xa1 {
		t.Error("refused rewrite mutated the frame")
	}
}

func TestRewriteArgsMalformedPayload(t *testing.T) {
	block := buildBlock(0x1000, []uintptr{0xa1, 0xa2}, nil, nil)
	base := uintptr(unsafe.Pointer(&block[0]))
	f, _ := FrameAt(base)

	// No CWD terminator at all.
	if _, err := f.RewriteArgs([]byte("no-nul"), 1); err == nil {
		t.Error("accepted payload without CWD terminator")
	}
	// Fewer args than argc claims.
	if _, err := f.RewriteArgs([]byte("/\x00only\x00"), 2); err == nil {
		t.Error("accepted payload with missing argument")
	}
}

func TestFrameAtAlignment(t *testing.T) {
	block := make([]uintptr, 4)
	base := uintptr(unsafe.Pointer(&block[0]))

	if _, err := FrameAt(base); err != nil {
		t.Errorf("FrameAt rejected aligned base: %v", err)
	}
	if _, err := FrameAt(base + 1); err == nil {
		t.Error("FrameAt accepted misaligned base")
	}
	if _, ok := FindFrame(base+1, 0x1); ok {
		t.Error("FindFrame accepted misaligned hint")
	}
}
