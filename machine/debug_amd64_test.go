package machine_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/bobuhiro11/kvmguest/kvm"
	"github.com/bobuhiro11/kvmguest/machine"
	"github.com/bobuhiro11/kvmguest/pagetable"
	"golang.org/x/arch/x86/x86asm"
)

func TestDebug(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	cpu := addGuest(t, m, counterGuest())

	r, err := m.GetRegs(cpu)
	if err != nil {
		t.Fatalf("GetRegs: got %v, want nil", err)
	}

	sp := r.RSP - 16

	if err := m.WriteGuest(sp, []byte{5, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("WriteGuest(%#x, 5): %v != nil", sp, err)
	}

	if v, err := m.ReadWord(sp); err != nil || v != 5 {
		t.Fatalf("ReadWord(%#x): got (%d, %v), want (5, nil)", sp, v, err)
	}

	i, r, s, err := m.Inst(cpu)
	if err != nil {
		t.Fatalf("m.Inst(%d): got %v, want nil", cpu, err)
	}

	if i.Op != x86asm.MOV {
		t.Fatalf("m.Inst(%d): got %s, want a mov", cpu, s)
	}

	t.Logf("Asm: %s", machine.Asm(i, r.RIP))

	if _, _, _, err := m.Inst(1024); err == nil {
		t.Errorf("m.Inst(1024): got nil, want err")
	}

	if _, err := m.Pointer(i, r, 1024); err == nil {
		t.Errorf("m.Pointer(arg 1024): got nil, want error")
	}

	// mov rax, 42 has no memory operand.
	if _, err := m.Pointer(i, r, 1); err == nil {
		t.Errorf("m.Pointer(i, r, 1): got nil, want err")
	}

	r.RSP = sp
	if v, err := m.Pop(r); err != nil || v != 5 || r.RSP != sp+8 {
		t.Errorf("Pop: got (%#x, %v) rsp %#x, want (5, nil) rsp %#x", v, err, r.RSP, sp+8)
	}
}

func TestUnexpectedExitNamesInstruction(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	const (
		vaddr = 0x10000000
		mmio  = 0xfed00000
	)

	if err := m.AddressSpace().Map(vaddr, mmio, pagetable.Level4K); err != nil {
		t.Fatalf("Map(%#x, %#x): got %v, want nil", vaddr, mmio, err)
	}

	cpu := addGuest(t, m, []byte{0x48, 0x8b, 0x47, 0x08, 0xf4}) // mov rax, [rdi+8]; hlt

	if err := m.SetArgs(cpu, kvm.Args{vaddr}, 1); err != nil {
		t.Fatal(err)
	}

	_, err := m.Run(cpu)
	if !errors.Is(err, kvm.ErrUnexpectedExitReason) {
		t.Fatalf("Run: got %v, want %v", err, kvm.ErrUnexpectedExitReason)
	}

	for _, want := range []string{"mov", "ref 0x10000008"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Run: %q is missing %q", err, want)
		}
	}
}

func TestPointer(t *testing.T) {
	t.Parallel()

	// mov rax, [rbx+rcx*8+0x10]
	inst, err := x86asm.Decode([]byte{0x48, 0x8b, 0x44, 0xcb, 0x10}, 64)
	if err != nil {
		t.Fatal(err)
	}

	r := &kvm.Regs{RBX: 0x1000, RCX: 2}

	var m machine.Machine

	got, err := m.Pointer(&inst, r, 1)
	if err != nil || got != 0x1020 {
		t.Fatalf("Pointer: got (%#x, %v), want (0x1020, nil)", got, err)
	}

	if _, err := machine.GetReg(r, x86asm.AL); err == nil {
		t.Fatalf("GetReg(AL): got nil, want error")
	}
}
