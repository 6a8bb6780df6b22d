package machine

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/kvmguest/kvm"
)

// DumpRegs writes the general purpose registers, four per line.
func DumpRegs(w io.Writer, r *kvm.Regs, indent int) {
	fmt.Fprintf(w, "%*srax: 0x%016x rbx: 0x%016x rcx: 0x%016x rdx: 0x%016x\n", indent, "", r.RAX, r.RBX, r.RCX, r.RDX)
	fmt.Fprintf(w, "%*srsi: 0x%016x rdi: 0x%016x rsp: 0x%016x rbp: 0x%016x\n", indent, "", r.RSI, r.RDI, r.RSP, r.RBP)
	fmt.Fprintf(w, "%*sr8:  0x%016x r9:  0x%016x r10: 0x%016x r11: 0x%016x\n", indent, "", r.R8, r.R9, r.R10, r.R11)
	fmt.Fprintf(w, "%*sr12: 0x%016x r13: 0x%016x r14: 0x%016x r15: 0x%016x\n", indent, "", r.R12, r.R13, r.R14, r.R15)
	fmt.Fprintf(w, "%*srip: 0x%016x rfl: 0x%016x\n", indent, "", r.RIP, r.RFLAGS)
}

func dumpSegment(w io.Writer, s *kvm.Segment, indent int) {
	fmt.Fprintf(w, "%*sbase: 0x%016x limit: 0x%08x selector: 0x%04x type: 0x%02x\n",
		indent, "", s.Base, s.Limit, s.Selector, s.Typ)
	fmt.Fprintf(w, "%*spresent: 0x%02x dpl: 0x%02x db: 0x%02x s: 0x%02x l: 0x%02x\n",
		indent, "", s.Present, s.DPL, s.DB, s.S, s.L)
	fmt.Fprintf(w, "%*sg: 0x%02x avl: 0x%02x unusable: 0x%02x padding: 0x%02x\n",
		indent, "", s.G, s.AVL, s.Unusable, s.Padding)
}

func dumpDescriptor(w io.Writer, d *kvm.Descriptor, indent int) {
	fmt.Fprintf(w, "%*sbase: 0x%016x limit: 0x%04x padding: 0x%04x 0x%04x 0x%04x\n",
		indent, "", d.Base, d.Limit, d.Padding[0], d.Padding[1], d.Padding[2])
}

// DumpSregs writes every segment, the descriptor tables, control
// registers and the pending interrupt bitmap.
func DumpSregs(w io.Writer, s *kvm.Sregs, indent int) {
	for _, seg := range []struct {
		name string
		s    *kvm.Segment
	}{
		{"cs", &s.CS}, {"ds", &s.DS}, {"es", &s.ES}, {"fs", &s.FS},
		{"gs", &s.GS}, {"ss", &s.SS}, {"tr", &s.TR}, {"ldt", &s.LDT},
	} {
		fmt.Fprintf(w, "%*s%s:\n", indent, "", seg.name)
		dumpSegment(w, seg.s, indent+2)
	}

	fmt.Fprintf(w, "%*sgdt:\n", indent, "")
	dumpDescriptor(w, &s.GDT, indent+2)
	fmt.Fprintf(w, "%*sidt:\n", indent, "")
	dumpDescriptor(w, &s.IDT, indent+2)

	fmt.Fprintf(w, "%*scr0: 0x%016x cr2: 0x%016x cr3: 0x%016x cr4: 0x%016x\n", indent, "", s.CR0, s.CR2, s.CR3, s.CR4)
	fmt.Fprintf(w, "%*sefer: 0x%016x apic_base: 0x%016x\n", indent, "", s.EFER, s.ApicBase)
	fmt.Fprintf(w, "%*sinterrupt_bitmap:\n", indent, "")

	for _, word := range s.InterruptBitmap {
		fmt.Fprintf(w, "%*s%016x\n", indent+2, "", word)
	}
}

// DumpVCPU writes the registers, the instruction at rip, the top of the
// stack and the special registers of cpu.
func (m *Machine) DumpVCPU(w io.Writer, cpu int, indent int) error {
	regs, err := m.GetRegs(cpu)
	if err != nil {
		return err
	}

	sregs, err := m.GetSregs(cpu)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%*sregs:\n", indent, "")
	DumpRegs(w, regs, indent+2)

	if _, _, asm, err := m.Inst(cpu); err == nil {
		fmt.Fprintf(w, "%*sinsn: %s\n", indent, "", asm)
	} else {
		fmt.Fprintf(w, "%*sinsn: %v\n", indent, "", err)
	}

	fmt.Fprintf(w, "%*sstack:\n", indent, "")
	m.dumpStack(w, *regs, 4, indent+2)

	fmt.Fprintf(w, "%*ssregs:\n", indent, "")
	DumpSregs(w, sregs, indent+2)

	return nil
}

// DumpPageTables writes the VM's page table tree.
func (m *Machine) DumpPageTables(w io.Writer, indent int) error {
	return m.as.Dump(w, indent)
}
