package descriptor

import (
	"encoding/binary"
)

// StubSize is the size of one per-vector entry stub.
const StubSize = 16

// Offsets into the frame the dispatch routine hands to a handler in rdi.
// The saved caller-saved registers come first, r11 at offset 0 up to rax
// at 64, followed by the vector, the error code and the CPU's interrupt
// frame.
const (
	FrameR11       = 0
	FrameRAX       = 64
	FrameVector    = 72
	FrameErrorCode = 80
	FrameRIP       = 88
	FrameCS        = 96
	FrameRFLAGS    = 104
	FrameRSP       = 112
	FrameSS        = 120
)

// ExceptionFrame mirrors the memory a handler receives.
type ExceptionFrame struct {
	R11, R10, R9, R8     uint64
	RDI, RSI, RDX, RCX   uint64
	RAX                  uint64
	Vector, ErrorCode    uint64
	RIP, CS, RFLAGS, RSP uint64
	SS                   uint64
}

// HasErrorCode reports whether the CPU pushes an error code for vector.
func HasErrorCode(vector int) bool {
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17, 21, 29, 30:
		return true
	}

	return false
}

// Stubs assembles the 256 entry stubs for a table loaded at base. Each one
// makes the stack uniform by pushing a zero error code where the CPU does
// not, pushes its vector and jumps to dispatch.
func Stubs(base, dispatch uint64) []byte {
	out := make([]byte, Vectors*StubSize)

	for v := 0; v < Vectors; v++ {
		s := out[v*StubSize : (v+1)*StubSize]
		for i := range s {
			s[i] = 0x90
		}

		n := 0
		if !HasErrorCode(v) {
			s[0], s[1] = 0x6a, 0x00 // push $0
			n = 2
		}

		s[n] = 0x68 // push $vector
		binary.LittleEndian.PutUint32(s[n+1:], uint32(v))
		n += 5

		s[n] = 0xe9 // jmp dispatch
		next := base + uint64(v*StubSize+n+5)
		binary.LittleEndian.PutUint32(s[n+1:], uint32(int32(int64(dispatch-next))))
	}

	return out
}

// StubAddr is the address of vector's stub in a table loaded at base.
func StubAddr(base uint64, vector int) uint64 {
	return base + uint64(vector*StubSize)
}

// Dispatch assembles the routine shared by every stub. It saves the
// caller-saved registers, calls handlers[vector] with the frame in rdi,
// restores, drops the vector and error code and returns with iretq. A
// vector without a handler becomes an UcallUnhandled carrying the vector.
func Dispatch(handlers uint64) []byte {
	code := []byte{
		0x50, 0x51, 0x52, 0x56, 0x57, // push rax, rcx, rdx, rsi, rdi
		0x41, 0x50, 0x41, 0x51, 0x41, 0x52, 0x41, 0x53, // push r8-r11
		0x48, 0x8b, 0x4c, 0x24, FrameVector, // mov rcx, [rsp+vector]
		0x48, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, // mov rax, handlers
		0x48, 0x8b, 0x04, 0xc8, // mov rax, [rax+rcx*8]
		0x48, 0x85, 0xc0, // test rax, rax
		0x74, 0x18, // jz unhandled
		0x48, 0x89, 0xe7, // mov rdi, rsp
		0xff, 0xd0, // call rax
		0x41, 0x5b, 0x41, 0x5a, 0x41, 0x59, 0x41, 0x58, // pop r11-r8
		0x5f, 0x5e, 0x5a, 0x59, 0x58, // pop rdi, rsi, rdx, rcx, rax
		0x48, 0x83, 0xc4, 0x10, // add rsp, 16
		0x48, 0xcf, // iretq
		// unhandled:
		0x48, 0x89, 0xce, // mov rsi, rcx
		0xbf, 0, 0, 0, 0, // mov edi, UcallUnhandled
		0x66, 0xba, 0x00, 0x10, // mov dx, UcallPort
		0xef,       // out dx, eax
		0xf4,       // hlt
		0xeb, 0xfd, // jmp hlt
	}

	binary.LittleEndian.PutUint64(code[20:], handlers)
	binary.LittleEndian.PutUint32(code[len(code)-12:], UcallUnhandled)

	return code
}
