package machine

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/bobuhiro11/kvmguest/descriptor"
	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/kvm"
	"golang.org/x/sys/unix"
)

// Ucall is a request the guest made through the ucall port.
type Ucall struct {
	Cmd uint64
	Arg uint64
}

func (u Ucall) String() string {
	name := map[uint64]string{
		descriptor.UcallNone:      "none",
		descriptor.UcallSync:      "sync",
		descriptor.UcallAbort:     "abort",
		descriptor.UcallDone:      "done",
		descriptor.UcallUnhandled: "unhandled",
	}[u.Cmd]
	if name == "" {
		name = fmt.Sprintf("cmd(%d)", u.Cmd)
	}

	return fmt.Sprintf("%s(%#x)", name, u.Arg)
}

// Run enters cpu until the guest makes a ucall. Any other exit is an error
// carrying the exit reason.
func (m *Machine) Run(cpu int) (Ucall, error) {
	// https://www.kernel.org/doc/Documentation/virtual/kvm/api.txt
	// vcpu ioctls should be issued from the same thread that was used to create
	// the vcpu, except for asynchronous vcpu ioctl that are marked as such in
	// the documentation.  Otherwise, the first ioctl after switching threads
	// could see a performance impact.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v, err := m.vcpu(cpu)
	if err != nil {
		return Ucall{}, err
	}

	v.last = Ucall{}

	if err := kvm.Run(v.fd); err != nil {
		return Ucall{}, fault.Violationf(err, "KVM_RUN cpu%d", cpu)
	}

	exit := kvm.ExitType(v.run.ExitReason)
	if exit == kvm.EXITIO {
		direction, _, port, _, _ := v.run.IO()
		if direction == kvm.EXITIOOUT && port == descriptor.UcallPort {
			regs, err := m.GetRegs(cpu)
			if err != nil {
				return Ucall{}, err
			}

			v.last = Ucall{Cmd: regs.RDI, Arg: regs.RSI}

			return v.last, nil
		}

		return Ucall{}, fault.Violationf(kvm.ErrUnexpectedExitReason, "cpu%d: %v port %#x at %s",
			cpu, exit, port, m.describe(cpu))
	}

	return Ucall{}, fault.Violationf(kvm.ErrUnexpectedExitReason, "cpu%d: %v at %s", cpu, exit, m.describe(cpu))
}

// LastUcall is the ucall the most recent Run of cpu returned.
func (m *Machine) LastUcall(cpu int) (Ucall, error) {
	v, err := m.vcpu(cpu)
	if err != nil {
		return Ucall{}, err
	}

	return v.last, nil
}

// CompleteIO lets KVM finish an in-flight port or MMIO exit without
// running guest code, so the vCPU state is consistent for saving.
func (m *Machine) CompleteIO(cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v, err := m.vcpu(cpu)
	if err != nil {
		return err
	}

	v.run.ImmediateExit = 1
	err = kvm.Run(v.fd)
	v.run.ImmediateExit = 0

	if !errors.Is(err, unix.EINTR) {
		return fault.Violationf(ErrNotIOExit, "KVM_RUN cpu%d with immediate_exit: got %v, want EINTR", cpu, err)
	}

	return nil
}
