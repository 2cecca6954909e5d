package arch

import (
	"bytes"
	"encoding/binary"
	"os"
	"runtime"
	"testing"
	"unsafe"
)

func targetBytes(target uintptr) []byte {
	if unsafe.Sizeof(uintptr(0)) == 8 {
		return binary.LittleEndian.AppendUint64(nil, uint64(target))
	}
	return binary.LittleEndian.AppendUint32(nil, uint32(target))
}

func TestStubEncoding(t *testing.T) {
	const target = uintptr(0x71234560)

	stub := buildStub(target)
	if len(stub) != stubSize {
		t.Fatalf("stub length = %d, want %d", len(stub), stubSize)
	}
	if !bytes.Contains(stub, targetBytes(target)) {
		t.Errorf("stub %x does not embed target %x", stub, targetBytes(target))
	}
}

func TestTrailingConstHoldsTarget(t *testing.T) {
	if trailingConst == 0 {
		t.Skip("no trailing constant on " + runtime.GOARCH)
	}
	const target = uintptr(0x55aa1122)

	stub := buildStub(target)
	got := stub[stubSize-trailingConst:]
	if !bytes.Equal(got, targetBytes(target)) {
		t.Errorf("trailing constant = %x, want %x", got, targetBytes(target))
	}
}

func TestRestoreDelta(t *testing.T) {
	d := RestoreDelta()
	if d == 0 || d > uintptr(stubSize) {
		t.Errorf("RestoreDelta = %d, stub size %d", d, stubSize)
	}
	if d != uintptr(stubSize-trailingConst) {
		t.Errorf("RestoreDelta = %d, want %d", d, stubSize-trailingConst)
	}
}

func TestStubOpcode(t *testing.T) {
	// First bytes are fixed opcodes, never target-dependent.
	a := buildStub(0x1000)
	b := buildStub(0x2000)

	opcodeLen := map[string]int{
		"amd64":   2,  // movabs prefix
		"386":     1,  // mov imm32
		"arm":     8,  // ldr + blx
		"arm64":   8,  // ldr + blr
		"riscv64": 8,  // auipc + c.ld + c.jalr
	}[runtime.GOARCH]
	if opcodeLen == 0 {
		t.Skipf("unknown GOARCH %s", runtime.GOARCH)
	}
	if !bytes.Equal(a[:opcodeLen], b[:opcodeLen]) {
		t.Errorf("opcode bytes vary with target: %x vs %x", a[:opcodeLen], b[:opcodeLen])
	}
}

func TestPatchRestoreRoundTrip(t *testing.T) {
	// Patch a live RWX mapping of our own instead of a real entrypoint.
	buf := makeExecBuffer(t)
	entry := uintptr(unsafe.Pointer(&buf[0]))

	original := make([]byte, stubSize)
	copy(original, buf[:stubSize])

	s, err := Patch(entry)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if bytes.Equal(buf[:stubSize], original) {
		t.Fatal("Patch left entry bytes untouched")
	}
	if !bytes.Equal(buf[:stubSize], buildStub(TrampolineAddr())) {
		t.Error("patched bytes are not the stub")
	}

	delta := s.Restore()
	if !bytes.Equal(buf[:stubSize], original) {
		t.Error("Restore did not bring the original bytes back")
	}
	if delta != RestoreDelta() {
		t.Errorf("Restore delta = %d, want %d", delta, RestoreDelta())
	}
}

// makeExecBuffer returns a page-aligned, page-sized byte slice the test
// can safely mprotect and patch.
func makeExecBuffer(t *testing.T) []byte {
	t.Helper()
	page := os.Getpagesize()
	raw := make([]byte, 3*page)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(page) - 1) &^ uintptr(page-1)
	off := int(aligned - base)
	buf := raw[off : off+page]
	for i := range buf {
		buf[i] = byte(i)
	}
	return buf
}
