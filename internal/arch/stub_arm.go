package arch

import "encoding/binary"

// arm stub:
//
//	ldr r1, [pc]     ; pc reads two ahead: the trailing word
//	blx r1
//	.word trampoline
//
// r0 (the atexit handler) is preserved by the trampoline. blx leaves
// entry+8 in lr — the trailing address word is never executed past, so
// the saved return address precedes it.
const (
	stubSize      = 12
	trailingConst = 4
)

func buildStub(target uintptr) []byte {
	stub := make([]byte, 0, stubSize)
	stub = append(stub, 0x00, 0x10, 0x9f, 0xe5) // ldr r1, [pc]
	stub = append(stub, 0x31, 0xff, 0x2f, 0xe1) // blx r1
	stub = binary.LittleEndian.AppendUint32(stub, uint32(target))
	return stub
}
