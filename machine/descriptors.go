package machine

import (
	"log/slog"

	"github.com/bobuhiro11/kvmguest/descriptor"
	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/memory"
)

// InitDescriptorTables builds the IDT, the handler table, the 256 entry
// stubs and the dispatch routine in guest memory. Every gate points at its
// stub; with an empty handler table any exception ends in an
// UcallUnhandled.
func (m *Machine) InitDescriptorTables() error {
	if m.tablesReady {
		return nil
	}

	var err error

	if m.idt, err = m.VAddrAlloc(memory.PageSize, minVAddr); err != nil {
		return err
	}

	if m.handlers, err = m.VAddrAlloc(memory.PageSize, minVAddr); err != nil {
		return err
	}

	if m.dispatch, err = m.LoadCode(descriptor.Dispatch(m.handlers), minVAddr); err != nil {
		return err
	}

	if m.stubs, err = m.VAddrAlloc(descriptor.Vectors*descriptor.StubSize, minVAddr); err != nil {
		return err
	}

	if err := m.WriteGuest(m.stubs, descriptor.Stubs(m.stubs, m.dispatch)); err != nil {
		return err
	}

	idt, err := m.guestPage(m.idt)
	if err != nil {
		return err
	}

	for v := 0; v < descriptor.Vectors; v++ {
		if err := descriptor.SetGate(idt, v, descriptor.StubAddr(m.stubs, v), 0, descriptor.KernelCS); err != nil {
			return fault.Violationf(err, "idt vector %d", v)
		}
	}

	m.tablesReady = true

	slog.Debug("descriptor tables ready", "idt", m.idt, "handlers", m.handlers, "stubs", m.stubs)

	return nil
}

// InitVCPUDescriptorTables loads the VM's IDT and GDT into cpu.
func (m *Machine) InitVCPUDescriptorTables(cpu int) error {
	if !m.tablesReady {
		return fault.Violationf(ErrNoTables, "cpu%d", cpu)
	}

	sregs, err := m.GetSregs(cpu)
	if err != nil {
		return err
	}

	sregs.IDT.Base = m.idt
	sregs.IDT.Limit = descriptor.IDTLimit
	sregs.GDT.Base = m.gdt
	sregs.GDT.Limit = memory.PageSize - 1

	sregs.GS = descriptor.KernelData64(descriptor.KernelDS)
	if err := m.writeSegment(sregs.GS); err != nil {
		return err
	}

	return m.SetSregs(cpu, sregs)
}

// InstallExceptionHandler routes vector to the guest function at handler.
// The handler is called with the exception frame in rdi; see
// descriptor.ExceptionFrame. Zero removes it again.
func (m *Machine) InstallExceptionHandler(vector int, handler uint64) error {
	if !m.tablesReady {
		return fault.Violationf(ErrNoTables, "install vector %d", vector)
	}

	table, err := m.guestPage(m.handlers)
	if err != nil {
		return err
	}

	if err := descriptor.InstallHandler(table, vector, handler); err != nil {
		return fault.Violationf(err, "install vector %d", vector)
	}

	return nil
}

// AssertNoUnhandledException fails when the last Run of cpu stopped on an
// exception no handler was installed for.
func (m *Machine) AssertNoUnhandledException(cpu int) error {
	uc, err := m.LastUcall(cpu)
	if err != nil {
		return err
	}

	if uc.Cmd == descriptor.UcallUnhandled {
		return fault.Violationf(ErrUnhandled, "cpu%d vector %d", cpu, uc.Arg)
	}

	return nil
}
