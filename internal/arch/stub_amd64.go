package arch

import "encoding/binary"

// amd64 stub:
//
//	movabs $trampoline, %rax
//	call   *%rax
//
// rax is dead at the entrypoint; rdx (the atexit handler) is preserved by
// the trampoline. The call pushes entry+12, which is what the engine
// scans for. No trailing constant: the target rides inside the movabs.
const (
	stubSize      = 12
	trailingConst = 0
)

func buildStub(target uintptr) []byte {
	stub := make([]byte, 0, stubSize)
	stub = append(stub, 0x48, 0xb8)
	stub = binary.LittleEndian.AppendUint64(stub, uint64(target))
	stub = append(stub, 0xff, 0xd0)
	return stub
}
