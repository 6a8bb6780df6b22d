package machine_test

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/bobuhiro11/kvmguest/cpuid"
	"github.com/bobuhiro11/kvmguest/descriptor"
	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/kvm"
	"github.com/bobuhiro11/kvmguest/machine"
	"github.com/bobuhiro11/kvmguest/memory"
	"github.com/bobuhiro11/kvmguest/migration"
	"github.com/google/go-cmp/cmp"
)

func newMachine(t *testing.T) *machine.Machine {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	if _, err := os.Stat(machine.DefaultDev); err != nil {
		t.Skipf("Skipping test since %s is missing: %v", machine.DefaultDev, err)
	}

	m, err := machine.New(machine.Config{MemSize: machine.MinMemSize})
	if err != nil {
		t.Fatalf("New: got %v, want nil", err)
	}

	t.Cleanup(func() { m.Close() })

	return m
}

// counterGuest stops with a sync ucall after rax = 42, then reports rax+1
// with a done ucall.
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

func addGuest(t *testing.T, m *machine.Machine, code []byte) int {
	t.Helper()

	entry, err := m.LoadCode(code, 0x400000)
	if err != nil {
		t.Fatalf("LoadCode: got %v, want nil", err)
	}

	cpu, err := m.AddVCPU(m.NumVCPUs(), entry)
	if err != nil {
		t.Fatalf("AddVCPU: got %v, want nil", err)
	}

	return cpu
}

func run(t *testing.T, m *machine.Machine, cpu int, want uint64) machine.Ucall {
	t.Helper()

	uc, err := m.Run(cpu)
	if err != nil {
		t.Fatalf("Run: got %v, want nil", err)
	}

	if uc.Cmd != want {
		t.Fatalf("Run: got %v, want command %d", uc, want)
	}

	return uc
}

func TestNewTooSmall(t *testing.T) {
	t.Parallel()

	_, err := machine.New(machine.Config{MemSize: machine.MinMemSize - memory.PageSize})
	if !errors.Is(err, machine.ErrMemSize) || !fault.Is(err, fault.Violation) {
		t.Fatalf("New: got %v, want %v", err, machine.ErrMemSize)
	}
}

func TestNewMissingDevice(t *testing.T) {
	t.Parallel()

	_, err := machine.New(machine.Config{Dev: "/nonexistent/kvm"})
	if !fault.Is(err, fault.Skip) {
		t.Fatalf("New: got %v, want a skip", err)
	}
}

func TestVAddrAlloc(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	a, err := m.VAddrAlloc(3*memory.PageSize, 0x10000)
	if err != nil {
		t.Fatalf("VAddrAlloc: got %v, want nil", err)
	}

	if a < 0x10000 || a%memory.PageSize != 0 {
		t.Fatalf("VAddrAlloc: got %#x, want a page at or above 0x10000", a)
	}

	b, err := m.VAddrAlloc(1, 0x10000)
	if err != nil {
		t.Fatalf("VAddrAlloc: got %v, want nil", err)
	}

	if b < a+3*memory.PageSize && b+memory.PageSize > a {
		t.Fatalf("VAddrAlloc: %#x overlaps %#x", b, a)
	}

	if err := m.WriteGuest(a+memory.PageSize-2, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteGuest across pages: got %v, want nil", err)
	}

	got := make([]byte, 4)
	if err := m.ReadGuest(a+memory.PageSize-2, got); err != nil {
		t.Fatalf("ReadGuest: got %v, want nil", err)
	}

	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("ReadGuest: got % x, want 01 02 03 04", got)
	}

	if _, err := m.GVAToHVA(a); err != nil {
		t.Fatalf("GVAToHVA: got %v, want nil", err)
	}
}

func TestAddVCPU(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	cpu := addGuest(t, m, counterGuest())

	sregs, err := m.GetSregs(cpu)
	if err != nil {
		t.Fatal(err)
	}

	root, _ := m.AddressSpace().Root()

	for _, tt := range []struct {
		name      string
		got, want uint64
	}{
		{"CR0", sregs.CR0 & (machine.CR0xPE | machine.CR0xNE | machine.CR0xPG), machine.CR0xPE | machine.CR0xNE | machine.CR0xPG},
		{"CR4.PAE", sregs.CR4 & machine.CR4xPAE, machine.CR4xPAE},
		{"EFER.LMA", sregs.EFER & machine.EFERxLMA, machine.EFERxLMA},
		{"EFER.NXE", sregs.EFER & machine.EFERxNXE, machine.EFERxNXE},
		{"CR3", sregs.CR3, root},
		{"CS", uint64(sregs.CS.Selector), descriptor.KernelCS},
		{"DS", uint64(sregs.DS.Selector), descriptor.KernelDS},
		{"TR", uint64(sregs.TR.Selector), descriptor.KernelTR},
		{"LDT.Unusable", uint64(sregs.LDT.Unusable), 1},
	} {
		if tt.got != tt.want {
			t.Errorf("%s: got %#x, want %#x", tt.name, tt.got, tt.want)
		}
	}

	regs, err := m.GetRegs(cpu)
	if err != nil {
		t.Fatal(err)
	}

	if regs.RFLAGS&2 == 0 || regs.RSP%memory.PageSize != 0 || regs.RSP < 0xab6000 {
		t.Fatalf("regs: got rflags %#x rsp %#x", regs.RFLAGS, regs.RSP)
	}

	if _, err := m.GetRegs(cpu + 1); !errors.Is(err, machine.ErrBadCPU) {
		t.Fatalf("GetRegs(%d): got %v, want %v", cpu+1, err, machine.ErrBadCPU)
	}
}

func TestRunUcall(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	cpu := addGuest(t, m, counterGuest())

	run(t, m, cpu, descriptor.UcallSync)

	if uc := run(t, m, cpu, descriptor.UcallDone); uc.Arg != 43 {
		t.Fatalf("done: got %d, want 43", uc.Arg)
	}
}

func TestSetArgs(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	cpu := addGuest(t, m, counterGuest())

	if err := m.SetArgs(cpu, kvm.Args{1, 2, 3, 4, 5, 6}, 6); err != nil {
		t.Fatalf("SetArgs: got %v, want nil", err)
	}

	regs, err := m.GetRegs(cpu)
	if err != nil {
		t.Fatal(err)
	}

	got := []uint64{regs.RDI, regs.RSI, regs.RDX, regs.RCX, regs.R8, regs.R9}
	if diff := cmp.Diff([]uint64{1, 2, 3, 4, 5, 6}, got); diff != "" {
		t.Fatalf("SetArgs mismatch (-want +got):\n%s", diff)
	}

	if err := m.SetArgs(cpu, kvm.Args{}, 7); !errors.Is(err, machine.ErrBadArgCount) {
		t.Fatalf("SetArgs(7): got %v, want %v", err, machine.ErrBadArgCount)
	}
}

func TestMSR(t *testing.T) {
	t.Parallel()

	const kernelGSBase = 0xc0000102

	m := newMachine(t)
	cpu := addGuest(t, m, counterGuest())

	if err := m.SetMSR(cpu, kernelGSBase, 0xffff800000001000); err != nil {
		t.Fatalf("SetMSR: got %v, want nil", err)
	}

	v, err := m.GetMSR(cpu, kernelGSBase)
	if err != nil || v != 0xffff800000001000 {
		t.Fatalf("GetMSR: got (%#x, %v), want (0xffff800000001000, nil)", v, err)
	}
}

func TestVCPUCPUID(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	cpu := addGuest(t, m, counterGuest())

	got, err := m.VCPUCPUID(cpu)
	if err != nil {
		t.Fatalf("VCPUCPUID: got %v, want nil", err)
	}

	want, err := m.Caps().SupportedCPUID()
	if err != nil {
		t.Fatal(err)
	}

	if len(got) == 0 || len(got) > len(want) {
		t.Fatalf("VCPUCPUID: got %d entries, want 1 to %d", len(got), len(want))
	}

	for _, e := range got {
		if _, err := cpuid.Lookup(want, e.Function, e.Index); err != nil {
			t.Fatalf("VCPUCPUID entry %#x.%d: %v", e.Function, e.Index, err)
		}
	}
}

func TestExceptionHandler(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	if err := m.InitDescriptorTables(); err != nil {
		t.Fatalf("InitDescriptorTables: got %v, want nil", err)
	}

	// add qword [rdi+FrameRIP], 2; ret
	handler, err := m.LoadCode([]byte{0x48, 0x83, 0x47, descriptor.FrameRIP, 0x02, 0xc3}, 0x400000)
	if err != nil {
		t.Fatal(err)
	}

	code := append([]byte{0x0f, 0x0b}, descriptor.UcallCode(descriptor.UcallDone)...) // ud2
	cpu := addGuest(t, m, code)

	if err := m.InitVCPUDescriptorTables(cpu); err != nil {
		t.Fatalf("InitVCPUDescriptorTables: got %v, want nil", err)
	}

	if err := m.InstallExceptionHandler(6, handler); err != nil {
		t.Fatalf("InstallExceptionHandler: got %v, want nil", err)
	}

	run(t, m, cpu, descriptor.UcallDone)

	if err := m.AssertNoUnhandledException(cpu); err != nil {
		t.Fatalf("AssertNoUnhandledException: got %v, want nil", err)
	}
}

func TestUnhandledException(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	if err := m.InitDescriptorTables(); err != nil {
		t.Fatal(err)
	}

	cpu := addGuest(t, m, []byte{0x0f, 0x0b}) // ud2

	if err := m.InitVCPUDescriptorTables(cpu); err != nil {
		t.Fatal(err)
	}

	if uc := run(t, m, cpu, descriptor.UcallUnhandled); uc.Arg != 6 {
		t.Fatalf("unhandled vector: got %d, want 6", uc.Arg)
	}

	if err := m.AssertNoUnhandledException(cpu); !errors.Is(err, machine.ErrUnhandled) {
		t.Fatalf("AssertNoUnhandledException: got %v, want %v", err, machine.ErrUnhandled)
	}
}

func TestInstallBeforeInit(t *testing.T) {
	t.Parallel()

	m := newMachine(t)

	if err := m.InstallExceptionHandler(6, 0x1000); !errors.Is(err, machine.ErrNoTables) {
		t.Fatalf("InstallExceptionHandler: got %v, want %v", err, machine.ErrNoTables)
	}
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	cpu := addGuest(t, m, counterGuest())

	run(t, m, cpu, descriptor.UcallSync)

	first, err := m.SaveCPUState(cpu)
	if err != nil {
		t.Fatalf("SaveCPUState: got %v, want nil", err)
	}

	if err := m.RestoreCPUState(cpu, first); err != nil {
		t.Fatalf("RestoreCPUState: got %v, want nil", err)
	}

	second, err := m.SaveCPUState(cpu)
	if err != nil {
		t.Fatalf("SaveCPUState: got %v, want nil", err)
	}

	for _, tt := range []struct {
		name      string
		got, want []byte
	}{
		{"regs", second.Regs, first.Regs},
		{"sregs", second.Sregs, first.Sregs},
		{"xcrs", second.XCRS, first.XCRS},
		{"xsave", second.XSave, first.XSave},
	} {
		if diff := cmp.Diff(tt.want, tt.got); diff != "" {
			t.Errorf("%s changed across restore (-want +got):\n%s", tt.name, diff)
		}
	}

	if uc := run(t, m, cpu, descriptor.UcallDone); uc.Arg != 43 {
		t.Fatalf("done after restore: got %d, want 43", uc.Arg)
	}

	first.Release()

	if err := m.RestoreCPUState(cpu, first); !errors.Is(err, migration.ErrReleased) {
		t.Fatalf("RestoreCPUState(released): got %v, want %v", err, migration.ErrReleased)
	}
}

func TestStateFreshVCPU(t *testing.T) {
	t.Parallel()

	src := newMachine(t)
	dst := newMachine(t)

	cpu := addGuest(t, src, counterGuest())
	fresh := addGuest(t, dst, counterGuest())

	run(t, src, cpu, descriptor.UcallSync)

	first, err := src.SaveCPUState(cpu)
	if err != nil {
		t.Fatalf("SaveCPUState: got %v, want nil", err)
	}

	mem, err := src.MemoryBytes()
	if err != nil {
		t.Fatal(err)
	}

	if err := dst.LoadMemory(mem); err != nil {
		t.Fatalf("LoadMemory: got %v, want nil", err)
	}

	if err := dst.RestoreCPUState(fresh, first); err != nil {
		t.Fatalf("RestoreCPUState on a fresh vcpu: got %v, want nil", err)
	}

	second, err := dst.SaveCPUState(fresh)
	if err != nil {
		t.Fatalf("SaveCPUState: got %v, want nil", err)
	}

	for _, tt := range []struct {
		name      string
		got, want []byte
	}{
		{"regs", second.Regs, first.Regs},
		{"sregs", second.Sregs, first.Sregs},
		{"xcrs", second.XCRS, first.XCRS},
		{"xsave", second.XSave, first.XSave},
	} {
		if diff := cmp.Diff(tt.want, tt.got); diff != "" {
			t.Errorf("%s differs on the fresh vcpu (-want +got):\n%s", tt.name, diff)
		}
	}

	if uc := run(t, dst, fresh, descriptor.UcallDone); uc.Arg != 43 {
		t.Fatalf("done on the fresh vcpu: got %d, want 43", uc.Arg)
	}
}

func TestMSRIndexListStable(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	cpu := addGuest(t, m, counterGuest())

	a, err := m.SaveCPUState(cpu)
	if err != nil {
		t.Fatal(err)
	}

	b, err := m.SaveCPUState(cpu)
	if err != nil {
		t.Fatal(err)
	}

	if len(a.MSRs) != len(b.MSRs) {
		t.Fatalf("msr count: got %d then %d", len(a.MSRs), len(b.MSRs))
	}

	for i := range a.MSRs {
		if a.MSRs[i].Index != b.MSRs[i].Index {
			t.Fatalf("msr %d: got %#x then %#x", i, a.MSRs[i].Index, b.MSRs[i].Index)
		}
	}
}

func TestDumpVCPU(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	cpu := addGuest(t, m, counterGuest())

	var buf bytes.Buffer
	if err := m.DumpVCPU(&buf, cpu, 2); err != nil {
		t.Fatalf("DumpVCPU: got %v, want nil", err)
	}

	for _, want := range []string{"  regs:\n", "    rip: 0x", "  insn: mov ", "  stack:\n", "  sregs:\n", "    cr0: 0x", "interrupt_bitmap:"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("DumpVCPU: missing %q in\n%s", want, buf.String())
		}
	}

	buf.Reset()

	if err := m.DumpPageTables(&buf, 0); err != nil {
		t.Fatalf("DumpPageTables: got %v, want nil", err)
	}

	if !strings.Contains(buf.String(), "pml4e") {
		t.Fatalf("DumpPageTables: no pml4e in\n%s", buf.String())
	}
}

func TestDumpRegs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	machine.DumpRegs(&buf, &kvm.Regs{RAX: 1, RIP: 0x1000, RFLAGS: 2}, 1)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("DumpRegs: got %d lines, want 5", len(lines))
	}

	if want := " rax: 0x0000000000000001 "; !strings.HasPrefix(lines[0], want) {
		t.Fatalf("DumpRegs: got %q, want prefix %q", lines[0], want)
	}

	if want := " rip: 0x0000000000001000 rfl: 0x0000000000000002"; lines[4] != want {
		t.Fatalf("DumpRegs: got %q, want %q", lines[4], want)
	}
}

func TestUcallString(t *testing.T) {
	t.Parallel()

	if got := (machine.Ucall{Cmd: descriptor.UcallDone, Arg: 43}).String(); got != "done(0x2b)" {
		t.Fatalf("String: got %q, want %q", got, "done(0x2b)")
	}

	if got := (machine.Ucall{Cmd: 9}).String(); got != "cmd(9)(0x0)" {
		t.Fatalf("String: got %q, want %q", got, "cmd(9)(0x0)")
	}
}
