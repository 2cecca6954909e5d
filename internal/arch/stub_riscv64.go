package arch

import "encoding/binary"

// riscv64 stub:
//
//	auipc a1, 0      ; a1 = entry
//	ld    a1, 8(a1)  ; compressed, loads the trailing doubleword
//	jalr  a1         ; compressed
//	.dword trampoline
//
// a0 (the atexit handler) is preserved by the trampoline. jalr leaves
// entry+8 in ra, right at the trailing address doubleword.
const (
	stubSize      = 16
	trailingConst = 8
)

func buildStub(target uintptr) []byte {
	stub := make([]byte, 0, stubSize)
	stub = append(stub, 0x97, 0x05, 0x00, 0x00) // auipc a1, 0
	stub = append(stub, 0x8c, 0x65)             // c.ld a1, 8(a1)
	stub = append(stub, 0x82, 0x95)             // c.jalr a1
	stub = binary.LittleEndian.AppendUint64(stub, uint64(target))
	return stub
}
