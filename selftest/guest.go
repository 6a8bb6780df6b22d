package selftest

import (
	"encoding/binary"

	"github.com/bobuhiro11/kvmguest/descriptor"
	"github.com/bobuhiro11/kvmguest/machine"
)

// codeMin is where guest code is loaded.
const codeMin = 0x400000

// counterGuest sets rax to 42 and stops with a sync ucall. When resumed it
// reports rax+1 through a done ucall.
func counterGuest() []byte {
	var code []byte

	code = append(code, 0x48, 0xc7, 0xc0, 0x2a, 0x00, 0x00, 0x00) // mov rax, 42
	code = append(code, descriptor.UcallCode(descriptor.UcallSync)...)
	code = append(code, 0x48, 0xff, 0xc0) // inc rax
	code = append(code, 0x48, 0x89, 0xc6) // mov rsi, rax
	code = append(code, descriptor.UcallCode(descriptor.UcallDone)...)
	code = append(code, 0xf4) // hlt

	return code
}

// loadGuest reports the 8 bytes at vaddr through a done ucall.
func loadGuest(vaddr uint64) []byte {
	code := []byte{0x48, 0xa1, 0, 0, 0, 0, 0, 0, 0, 0} // mov rax, [moffs64]
	binary.LittleEndian.PutUint64(code[2:], vaddr)

	code = append(code, 0x48, 0x89, 0xc6) // mov rsi, rax
	code = append(code, descriptor.UcallCode(descriptor.UcallDone)...)

	return append(code, 0xf4)
}

// skipRIPHandler advances the faulting rip by two bytes, past a ud2.
func skipRIPHandler() []byte {
	return []byte{0x48, 0x83, 0x47, descriptor.FrameRIP, 0x02, 0xc3} // add qword [rdi+rip], 2; ret
}

// addGuest loads code and starts a new vCPU on it.
func addGuest(m *machine.Machine, code []byte) (int, error) {
	entry, err := m.LoadCode(code, codeMin)
	if err != nil {
		return 0, err
	}

	return m.AddVCPU(m.NumVCPUs(), entry)
}

// expect runs cpu and checks the ucall command.
func expect(m *machine.Machine, cpu int, cmd uint64) (machine.Ucall, error) {
	uc, err := m.Run(cpu)
	if err != nil {
		return uc, err
	}

	return uc, check(uc.Cmd == cmd, "cpu%d: got ucall %v, want command %d", cpu, uc, cmd)
}
