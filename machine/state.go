package machine

// state.go – vCPU snapshot helpers for migration.
// SaveCPUState captures state into a migration.VCPUState and
// RestoreCPUState applies it back, possibly on another VM.

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/kvm"
	"github.com/bobuhiro11/kvmguest/migration"
)

// structBytes returns a byte slice that aliases the memory of v.
// v must be a pointer to a fixed-size struct.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// copyStruct fills *dst from a byte slice produced by structBytes.
func copyStruct[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) != size {
		return fmt.Errorf("state buffer of %d bytes, want %d", len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b)

	return nil
}

// cloneBytes returns a copy of s as a new slice.
func cloneBytes(s []byte) []byte {
	c := make([]byte, len(s))
	copy(c, s)

	return c
}

func (m *Machine) hasCap(c kvm.Capability, fd uintptr) (int, error) {
	v, err := kvm.CheckExtension(fd, c)
	if err != nil {
		return 0, fault.Violationf(err, "KVM_CHECK_EXTENSION %v", c)
	}

	return v, nil
}

// SaveCPUState captures the full architectural state of one vCPU. Any
// pending I/O is completed first.
func (m *Machine) SaveCPUState(cpu int) (*migration.VCPUState, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	if err := m.CompleteIO(cpu); err != nil {
		return nil, err
	}

	state := &migration.VCPUState{}

	// Pending exceptions / interrupts.
	events := &kvm.VCPUEvents{}
	if err := kvm.GetVCPUEvents(fd, events); err != nil {
		return nil, fault.Violationf(err, "GetVCPUEvents cpu%d", cpu)
	}

	state.Events = cloneBytes(structBytes(events))

	// Multiprocessor state.
	if state.MPState, err = kvm.GetMPState(fd); err != nil {
		return nil, fault.Violationf(err, "GetMPState cpu%d", cpu)
	}

	// General-purpose registers.
	regs, err := kvm.GetRegs(fd)
	if err != nil {
		return nil, fault.Violationf(err, "GetRegs cpu%d", cpu)
	}

	state.Regs = cloneBytes(structBytes(regs))

	// Extended state, sized by KVM_CAP_XSAVE2 when the host has it.
	xsaveSize, err := m.hasCap(kvm.CapXSave2, m.vmFd)
	if err != nil {
		return nil, err
	}

	if xsaveSize > 0 {
		state.XSave, err = kvm.GetXSave2(fd, xsaveSize)
	} else {
		state.XSave, err = kvm.GetXSave(fd)
	}

	if err != nil {
		return nil, fault.Violationf(err, "GetXSave cpu%d (%d bytes)", cpu, xsaveSize)
	}

	// Extended control registers.
	if ok, err := m.hasCap(kvm.CapXCRS, m.kvmFd); err != nil {
		return nil, err
	} else if ok != 0 {
		xcrs := &kvm.XCRS{}
		if err := kvm.GetXCRS(fd, xcrs); err != nil {
			return nil, fault.Violationf(err, "GetXCRS cpu%d", cpu)
		}

		state.XCRS = cloneBytes(structBytes(xcrs))
	}

	// Control / segment registers.
	sregs, err := kvm.GetSregs(fd)
	if err != nil {
		return nil, fault.Violationf(err, "GetSregs cpu%d", cpu)
	}

	state.Sregs = cloneBytes(structBytes(sregs))

	// Nested virtualization state.
	nestedSize, err := m.caps.NestedStateSize()
	if err != nil {
		return nil, err
	}

	if nestedSize != 0 {
		if nestedSize > kvm.NestedStateMax {
			return nil, fault.Violationf(ErrNestedSize, "cpu%d: %d > %d", cpu, nestedSize, kvm.NestedStateMax)
		}

		if state.Nested, err = kvm.GetNestedState(fd, nestedSize); err != nil {
			return nil, fault.Violationf(err, "GetNestedState cpu%d", cpu)
		}

		if got := kvm.NestedStateSize(state.Nested); int(got) > nestedSize {
			return nil, fault.Violationf(ErrNestedSize, "cpu%d: state of %d bytes, buffer %d", cpu, got, nestedSize)
		}
	}

	// Model-specific registers.
	if state.MSRs, err = m.saveMSRs(cpu, fd); err != nil {
		return nil, err
	}

	// Debug registers.
	dregs := &kvm.DebugRegs{}
	if err := kvm.GetDebugRegs(fd, dregs); err != nil {
		return nil, fault.Violationf(err, "GetDebugRegs cpu%d", cpu)
	}

	state.DebugRegs = cloneBytes(structBytes(dregs))

	slog.Debug("vcpu state saved", "cpu", cpu, "xsave", len(state.XSave),
		"msrs", len(state.MSRs), "nested", len(state.Nested))

	return state, nil
}

func (m *Machine) saveMSRs(cpu int, fd uintptr) ([]migration.MSREntry, error) {
	indices, err := m.caps.MSRIndexList()
	if err != nil {
		return nil, err
	}

	entries := make([]kvm.MSREntry, len(indices))
	for i, idx := range indices {
		entries[i].Index = idx
	}

	n, err := kvm.GetMSRs(fd, entries)
	if err != nil {
		return nil, fault.Violationf(err, "GetMSRs cpu%d", cpu)
	}

	if n != len(entries) {
		return nil, fault.Violationf(ErrPartialMSRs, "GetMSRs cpu%d: read %d of %d, stopped at %#x",
			cpu, n, len(entries), entries[n].Index)
	}

	out := make([]migration.MSREntry, len(entries))
	for i, e := range entries {
		out[i] = migration.MSREntry{Index: e.Index, Data: e.Data}
	}

	return out, nil
}

// RestoreCPUState applies a previously saved vCPU state. Nested state goes
// last, after everything it depends on.
func (m *Machine) RestoreCPUState(cpu int, state *migration.VCPUState) error {
	if err := state.Check(); err != nil {
		return err
	}

	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	// Control / segment registers.
	var sregs kvm.Sregs
	if err := copyStruct(&sregs, state.Sregs); err != nil {
		return fault.Violationf(err, "decode Sregs cpu%d", cpu)
	}

	if err := kvm.SetSregs(fd, &sregs); err != nil {
		return fault.Violationf(err, "SetSregs cpu%d", cpu)
	}

	// Model-specific registers.
	msrs := make([]kvm.MSREntry, len(state.MSRs))
	for i, e := range state.MSRs {
		msrs[i] = kvm.MSREntry{Index: e.Index, Data: e.Data}
	}

	n, err := kvm.SetMSRs(fd, msrs)
	if err != nil {
		return fault.Violationf(err, "SetMSRs cpu%d", cpu)
	}

	if n != len(msrs) {
		return fault.Violationf(ErrPartialMSRs, "SetMSRs cpu%d: wrote %d of %d, stopped at %#x",
			cpu, n, len(msrs), msrs[n].Index)
	}

	// Extended control registers.
	if len(state.XCRS) > 0 {
		var xcrs kvm.XCRS
		if err := copyStruct(&xcrs, state.XCRS); err != nil {
			return fault.Violationf(err, "decode XCRS cpu%d", cpu)
		}

		if err := kvm.SetXCRS(fd, &xcrs); err != nil {
			return fault.Violationf(err, "SetXCRS cpu%d", cpu)
		}
	}

	if err := kvm.SetXSave(fd, state.XSave); err != nil {
		return fault.Violationf(err, "SetXSave cpu%d", cpu)
	}

	// Pending exceptions / interrupts.
	var events kvm.VCPUEvents
	if err := copyStruct(&events, state.Events); err != nil {
		return fault.Violationf(err, "decode VCPUEvents cpu%d", cpu)
	}

	if err := kvm.SetVCPUEvents(fd, &events); err != nil {
		return fault.Violationf(err, "SetVCPUEvents cpu%d", cpu)
	}

	if err := kvm.SetMPState(fd, state.MPState); err != nil {
		return fault.Violationf(err, "SetMPState cpu%d", cpu)
	}

	// Debug registers.
	var dregs kvm.DebugRegs
	if err := copyStruct(&dregs, state.DebugRegs); err != nil {
		return fault.Violationf(err, "decode DebugRegs cpu%d", cpu)
	}

	if err := kvm.SetDebugRegs(fd, &dregs); err != nil {
		return fault.Violationf(err, "SetDebugRegs cpu%d", cpu)
	}

	// General-purpose registers.
	var regs kvm.Regs
	if err := copyStruct(&regs, state.Regs); err != nil {
		return fault.Violationf(err, "decode Regs cpu%d", cpu)
	}

	if err := kvm.SetRegs(fd, &regs); err != nil {
		return fault.Violationf(err, "SetRegs cpu%d", cpu)
	}

	if kvm.NestedStateSize(state.Nested) != 0 {
		if err := kvm.SetNestedState(fd, state.Nested); err != nil {
			return fault.Violationf(err, "SetNestedState cpu%d", cpu)
		}
	}

	slog.Debug("vcpu state restored", "cpu", cpu)

	return nil
}
