package arch

import "encoding/binary"

// 386 stub:
//
//	mov  $trampoline, %eax
//	call *%eax
//
// eax is dead at the entrypoint; edx (the atexit handler) is preserved by
// the trampoline. The call pushes entry+7.
const (
	stubSize      = 7
	trailingConst = 0
)

func buildStub(target uintptr) []byte {
	stub := make([]byte, 0, stubSize)
	stub = append(stub, 0xb8)
	stub = binary.LittleEndian.AppendUint32(stub, uint32(target))
	stub = append(stub, 0xff, 0xd0)
	return stub
}
