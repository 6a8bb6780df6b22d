package descriptor

import "encoding/binary"

// UcallPort is the I/O port a guest writes to reach the harness. The
// command is in rdi and its argument in rsi.
const UcallPort = 0x1000

// Ucall commands.
const (
	UcallNone      = 0
	UcallSync      = 1
	UcallAbort     = 2
	UcallDone      = 3
	UcallUnhandled = 4
)

// UcallCode assembles a ucall of cmd; the argument is whatever the guest
// left in rsi.
func UcallCode(cmd uint32) []byte {
	code := []byte{
		0xbf, 0, 0, 0, 0, // mov edi, cmd
		0x66, 0xba, 0x00, 0x10, // mov dx, UcallPort
		0xef, // out dx, eax
	}

	binary.LittleEndian.PutUint32(code[1:], cmd)

	return code
}
