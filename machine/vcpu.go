package machine

import (
	"errors"
	"log/slog"

	"github.com/bobuhiro11/kvmguest/descriptor"
	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/kvm"
	"github.com/bobuhiro11/kvmguest/memory"
	"golang.org/x/sys/unix"
)

// maxVCPUCPUIDEntries bounds the incremental KVM_GET_CPUID2 search.
const maxVCPUCPUIDEntries = 100

// AddVCPU creates vCPU id in 64-bit mode with its own stack, the supported
// CPUID and rip at entry. It returns the cpu number used by every other
// per-vCPU method.
func (m *Machine) AddVCPU(id int, entry uint64) (int, error) {
	stack, err := m.VAddrAlloc(stackPages*memory.PageSize, stackMinAddr)
	if err != nil {
		return 0, err
	}

	v, err := m.newVCPU(id)
	if err != nil {
		return 0, err
	}

	m.vcpus = append(m.vcpus, v)
	cpu := len(m.vcpus) - 1

	entries, err := m.caps.SupportedCPUID()
	if err != nil {
		return 0, err
	}

	if err := kvm.SetCPUID2(v.fd, entries); err != nil {
		return 0, fault.Violationf(err, "KVM_SET_CPUID2 %v", v)
	}

	if err := m.setupVCPU(cpu); err != nil {
		return 0, err
	}

	regs, err := m.GetRegs(cpu)
	if err != nil {
		return 0, err
	}

	regs.RFLAGS |= 2
	regs.RSP = stack + stackPages*memory.PageSize
	regs.RIP = entry

	if err := m.SetRegs(cpu, regs); err != nil {
		return 0, err
	}

	if err := kvm.SetMPState(v.fd, kvm.MPStateRunnable); err != nil {
		return 0, fault.Violationf(err, "KVM_SET_MP_STATE %v", v)
	}

	slog.Debug("vcpu added", "id", id, "cpu", cpu, "entry", entry, "stack", stack)

	return cpu, nil
}

// ensureSystemPages allocates the GDT and TSS pages the first time a vCPU
// needs them.
func (m *Machine) ensureSystemPages() error {
	var err error

	if m.gdt == 0 {
		if m.gdt, err = m.VAddrAlloc(memory.PageSize, minVAddr); err != nil {
			return err
		}
	}

	if m.tss == 0 {
		if m.tss, err = m.VAddrAlloc(memory.PageSize, minVAddr); err != nil {
			return err
		}
	}

	return nil
}

func (m *Machine) writeSegment(seg kvm.Segment) error {
	gdt, err := m.guestPage(m.gdt)
	if err != nil {
		return err
	}

	if err := descriptor.WriteSegment(gdt, seg); err != nil {
		return fault.Violationf(err, "gdt slot %#x", seg.Selector)
	}

	return nil
}

// setupVCPU puts cpu into 64-bit mode on the VM's page tables with flat
// kernel segments.
func (m *Machine) setupVCPU(cpu int) error {
	sregs, err := m.GetSregs(cpu)
	if err != nil {
		return err
	}

	if err := m.ensureSystemPages(); err != nil {
		return err
	}

	sregs.IDT.Limit = 0
	sregs.GDT.Base = m.gdt
	sregs.GDT.Limit = memory.PageSize

	sregs.CR0 = CR0xPE | CR0xNE | CR0xPG
	sregs.CR4 |= CR4xPAE | CR4xOSFXSR
	sregs.EFER |= EFERxLME | EFERxLMA | EFERxNXE

	sregs.LDT = descriptor.Unusable()
	sregs.CS = descriptor.KernelCode64(descriptor.KernelCS)
	sregs.DS = descriptor.KernelData64(descriptor.KernelDS)
	sregs.ES = sregs.DS
	sregs.TR = descriptor.TSS64(descriptor.KernelTR, m.tss)

	for _, seg := range []kvm.Segment{sregs.CS, sregs.DS, sregs.TR} {
		if err := m.writeSegment(seg); err != nil {
			return err
		}
	}

	root, _ := m.as.Root()
	sregs.CR3 = root

	return m.SetSregs(cpu, sregs)
}

// GetRegs gets the general purpose registers of cpu.
func (m *Machine) GetRegs(cpu int) (*kvm.Regs, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	regs, err := kvm.GetRegs(fd)
	if err != nil {
		return nil, fault.Violationf(err, "GetRegs cpu%d", cpu)
	}

	return regs, nil
}

// SetRegs sets the general purpose registers of cpu.
func (m *Machine) SetRegs(cpu int, r *kvm.Regs) error {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	if err := kvm.SetRegs(fd, r); err != nil {
		return fault.Violationf(err, "SetRegs cpu%d", cpu)
	}

	return nil
}

// GetSregs gets the special registers of cpu.
func (m *Machine) GetSregs(cpu int) (*kvm.Sregs, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	s, err := kvm.GetSregs(fd)
	if err != nil {
		return nil, fault.Violationf(err, "GetSregs cpu%d", cpu)
	}

	return s, nil
}

// SetSregs sets the special registers of cpu.
func (m *Machine) SetSregs(cpu int, s *kvm.Sregs) error {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	if err := kvm.SetSregs(fd, s); err != nil {
		return fault.Violationf(err, "SetSregs cpu%d", cpu)
	}

	return nil
}

// SetArgs loads the first n of args into rdi, rsi, rdx, rcx, r8 and r9.
func (m *Machine) SetArgs(cpu int, args kvm.Args, n int) error {
	if n < 0 || n > len(args) {
		return fault.Violationf(ErrBadArgCount, "%d arguments, at most %d", n, len(args))
	}

	regs, err := m.GetRegs(cpu)
	if err != nil {
		return err
	}

	regs.SetArgs(args, n)

	return m.SetRegs(cpu, regs)
}

// GetMSR reads one MSR of cpu.
func (m *Machine) GetMSR(cpu int, index uint32) (uint64, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return 0, err
	}

	e := []kvm.MSREntry{{Index: index}}

	n, err := kvm.GetMSRs(fd, e)
	if err != nil {
		return 0, fault.Violationf(err, "KVM_GET_MSRS cpu%d %#x", cpu, index)
	}

	if n != 1 {
		return 0, fault.Violationf(ErrPartialMSRs, "KVM_GET_MSRS cpu%d %#x: read %d of 1", cpu, index, n)
	}

	return e[0].Data, nil
}

// SetMSR writes one MSR of cpu.
func (m *Machine) SetMSR(cpu int, index uint32, value uint64) error {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	n, err := kvm.SetMSRs(fd, []kvm.MSREntry{{Index: index, Data: value}})
	if err != nil {
		return fault.Violationf(err, "KVM_SET_MSRS cpu%d %#x", cpu, index)
	}

	if n != 1 {
		return fault.Violationf(ErrPartialMSRs, "KVM_SET_MSRS cpu%d %#x: wrote %d of 1", cpu, index, n)
	}

	return nil
}

// VCPUCPUID reads back the CPUID table of cpu, growing the buffer one
// entry at a time until KVM accepts it.
func (m *Machine) VCPUCPUID(cpu int) (kvm.CPUIDEntries, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	for n := 1; n <= maxVCPUCPUIDEntries; n++ {
		entries, _, err := kvm.GetCPUID2(fd, n)
		if err == nil {
			return entries, nil
		}

		if !errors.Is(err, unix.E2BIG) {
			return nil, fault.Violationf(err, "KVM_GET_CPUID2 cpu%d", cpu)
		}
	}

	return nil, fault.Violationf(unix.E2BIG, "KVM_GET_CPUID2 cpu%d with %d entries", cpu, maxVCPUCPUIDEntries)
}

// SetCPUID replaces the CPUID table of cpu.
func (m *Machine) SetCPUID(cpu int, entries kvm.CPUIDEntries) error {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	if err := kvm.SetCPUID2(fd, entries); err != nil {
		return fault.Violationf(err, "KVM_SET_CPUID2 cpu%d", cpu)
	}

	return nil
}

// SetHvCPUID gives cpu the supported CPUID with the Hyper-V leaves in
// place of KVM's own.
func (m *Machine) SetHvCPUID(cpu int) error {
	entries, err := m.caps.HvMerged()
	if err != nil {
		return err
	}

	return m.SetCPUID(cpu, entries)
}
