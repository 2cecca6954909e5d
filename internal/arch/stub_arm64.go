package arch

import "encoding/binary"

// arm64 stub:
//
//	ldr x1, .+8      ; pc-relative load of the trailing doubleword
//	blr x1
//	.quad trampoline
//
// x0 (the atexit handler) is preserved by the trampoline. blr leaves
// entry+8 in x30; the trailing address is data, not code.
const (
	stubSize      = 16
	trailingConst = 8
)

func buildStub(target uintptr) []byte {
	stub := make([]byte, 0, stubSize)
	stub = binary.LittleEndian.AppendUint32(stub, 0x58000041) // ldr x1, .+8
	stub = binary.LittleEndian.AppendUint32(stub, 0xd63f0020) // blr x1
	stub = binary.LittleEndian.AppendUint64(stub, uint64(target))
	return stub
}
