package machine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/kvmguest/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// ErrBadRegister indicates a bad register was used.
var ErrBadRegister = errors.New("bad register")

// GetReg returns a pointer to the 64-bit register reg in r.
func GetReg(r *kvm.Regs, reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	case x86asm.RIP:
		return &r.RIP, nil
	}

	return nil, fmt.Errorf("%v:%w", reg, ErrBadRegister)
}

// Pointer returns the address the memory operand inst.Args[arg] refers to.
func (m *Machine) Pointer(inst *x86asm.Inst, r *kvm.Regs, arg int) (uint64, error) {
	if arg < 0 || arg >= len(inst.Args) {
		return 0, fmt.Errorf("arg %d of %v:%w", arg, inst.Op, ErrBadRegister)
	}

	// The general form is Segment:[Base+Scale*Index+Disp].
	mem, ok := inst.Args[arg].(x86asm.Mem)
	if !ok {
		return 0, fmt.Errorf("arg %d %v is not memory:%w", arg, inst.Args[arg], ErrBadRegister)
	}

	b, err := GetReg(r, mem.Base)
	if err != nil {
		return 0, fmt.Errorf("base reg %v in %v:%w", mem.Base, mem, ErrBadRegister)
	}

	addr := *b + uint64(mem.Disp)

	if x, err := GetReg(r, mem.Index); err == nil {
		addr += uint64(mem.Scale) * (*x)
	}

	return addr, nil
}

// Inst retrieves an instruction from the guest, at RIP.
// It returns an x86asm.Inst, the registers, a string in GNU syntax, and
// an error.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *kvm.Regs, string, error) {
	r, err := m.GetRegs(cpu)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst:Getregs:%w", err)
	}

	// We know the PC; grab a bunch of bytes there, then decode and print.
	// The read stops at the end of the mapping.
	insn := make([]byte, 16)
	for n := len(insn); n > 0; n-- {
		if err = m.ReadGuest(r.RIP, insn[:n]); err == nil {
			insn = insn[:n]

			break
		}
	}

	if err != nil {
		return nil, nil, "", fmt.Errorf("reading PC at %#x:%w", r.RIP, err)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, nil, "", fmt.Errorf("decoding %#02x:%w", insn, err)
	}

	return &d, r, x86asm.GNUSyntax(d, r.RIP, nil), nil
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}

// Pop pops the stack and returns what was at TOS.
func (m *Machine) Pop(r *kvm.Regs) (uint64, error) {
	v, err := m.ReadWord(r.RSP)
	if err != nil {
		return 0, err
	}

	r.RSP += 8

	return v, nil
}

// ReadWord reads the given word from the guest's virtual address space.
func (m *Machine) ReadWord(vaddr uint64) (uint64, error) {
	var b [8]byte
	if err := m.ReadGuest(vaddr, b[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// describe names the instruction cpu stopped at, and the address its
// memory operand refers to, for error messages.
func (m *Machine) describe(cpu int) string {
	inst, r, asm, err := m.Inst(cpu)
	if err != nil {
		return err.Error()
	}

	s := fmt.Sprintf("rip %#x %q", r.RIP, asm)

	for i, a := range inst.Args {
		if _, ok := a.(x86asm.Mem); !ok {
			continue
		}

		if addr, err := m.Pointer(inst, r, i); err == nil {
			s += fmt.Sprintf(" ref %#x", addr)
		}
	}

	return s
}

// dumpStack writes up to n words from the top of cpu's stack.
func (m *Machine) dumpStack(w io.Writer, r kvm.Regs, n, indent int) {
	for i := 0; i < n; i++ {
		sp := r.RSP

		v, err := m.Pop(&r)
		if err != nil {
			break
		}

		fmt.Fprintf(w, "%*s%#016x: %#016x\n", indent, "", sp, v)
	}
}
