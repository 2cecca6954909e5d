package auxv

import (
	"encoding/binary"
	"os"
	"testing"
	"unsafe"
)

func putWord(b []byte, v uint64) []byte {
	if unsafe.Sizeof(uintptr(0)) == 8 {
		return binary.NativeEndian.AppendUint64(b, v)
	}
	return binary.NativeEndian.AppendUint32(b, uint32(v))
}

func stream(pairs ...[2]uint64) []byte {
	var b []byte
	for _, p := range pairs {
		b = putWord(b, p[0])
		b = putWord(b, p[1])
	}
	return b
}

func TestParseAndLookup(t *testing.T) {
	data := stream(
		[2]uint64{TypePageSize, 4096},
		[2]uint64{TypeEntry, 0x401000},
		[2]uint64{TypeNull, 0},
	)

	v, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := v.Lookup(TypePageSize); got != 4096 {
		t.Errorf("Lookup(AT_PAGESZ) = %d, want 4096", got)
	}
	if got := v.Lookup(TypeEntry); got != 0x401000 {
		t.Errorf("Lookup(AT_ENTRY) = %#x, want 0x401000", got)
	}
	if v.Len() != 3 {
		t.Errorf("Len = %d, want 3", v.Len())
	}
}

func TestLookupAbsent(t *testing.T) {
	v, err := Parse(stream([2]uint64{TypePageSize, 4096}, [2]uint64{TypeNull, 0}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := v.Lookup(TypeEntry); got != 0 {
		t.Errorf("Lookup(absent) = %d, want 0", got)
	}
}

func TestLookupStopsAtTerminator(t *testing.T) {
	// Entries after the null terminator must be invisible.
	data := stream(
		[2]uint64{TypeNull, 0},
		[2]uint64{TypeEntry, 0xdead},
	)
	v, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := v.Lookup(TypeEntry); got != 0 {
		t.Errorf("Lookup read past terminator: %#x", got)
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); err == nil {
		t.Error("Parse accepted truncated stream")
	}
	// Missing terminator.
	if _, err := Parse(stream([2]uint64{TypePageSize, 4096})); err == nil {
		t.Error("Parse accepted unterminated stream")
	}
}

func TestSnapshotRealProcess(t *testing.T) {
	if _, err := os.Stat("/proc/self/auxv"); err != nil {
		t.Skip("no /proc/self/auxv")
	}
	v, err := Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := v.Lookup(TypePageSize); got != uint64(os.Getpagesize()) {
		t.Errorf("Lookup(AT_PAGESZ) = %d, want %d", got, os.Getpagesize())
	}
}
