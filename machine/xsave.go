package machine

import (
	"errors"
	"os"
	"runtime"
	"strings"
	"unsafe"

	"github.com/bobuhiro11/kvmguest/cpuid"
	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/kvm"
	"golang.org/x/sys/unix"
)

// RequestXSavePerm asks the kernel to let guests of this process use the
// dynamically enabled XSAVE feature bit, AMX tile data for instance. Hosts
// without the attribute, the feature or XFD are skipped.
func (m *Machine) RequestXSavePerm(bit uint) error {
	mask := new(uint64)
	attr := kvm.DeviceAttr{
		Group: 0,
		Attr:  kvm.XCompGuestSupp,
		Addr:  uint64(uintptr(unsafe.Pointer(mask))),
	}

	err := kvm.GetDeviceAttr(m.kvmFd, &attr)
	runtime.KeepAlive(mask)

	switch {
	case errors.Is(err, unix.ENXIO), errors.Is(err, unix.EINVAL):
		return fault.Skipf(err, "KVM_X86_XCOMP_GUEST_SUPP")
	case err != nil:
		return fault.Violationf(err, "KVM_GET_DEVICE_ATTR KVM_X86_XCOMP_GUEST_SUPP")
	}

	if *mask&(1<<bit) == 0 {
		return fault.Skipf(ErrXSaveFeature, "xsave bit %d not in %#x", bit, *mask)
	}

	if eax, _, _, _ := cpuid.CPUIDIndex(0xd, 1); !cpuid.Has(eax, cpuid.XFD) {
		return fault.Skipf(ErrXSaveFeature, "no XFD")
	}

	// An older kernel refuses the request; the guest then runs without it.
	if _, _, errno := unix.Syscall(unix.SYS_ARCH_PRCTL, archReqXCompGuestPerm, uintptr(bit), 0); errno != 0 {
		return nil
	}

	_, _, errno := unix.Syscall(unix.SYS_ARCH_PRCTL, archGetXCompGuestPerm, uintptr(unsafe.Pointer(mask)), 0)
	runtime.KeepAlive(mask)

	if errno != 0 {
		return fault.Violationf(errno, "ARCH_GET_XCOMP_GUEST_PERM")
	}

	if *mask&(1<<bit) == 0 {
		return fault.Violationf(ErrXSavePerm, "bit %d, permitted %#x", bit, *mask)
	}

	return nil
}

// IsUnrestrictedGuest reports whether kvm_intel runs guests in
// unrestricted mode. It is false on hosts without kvm_intel.
func IsUnrestrictedGuest() bool {
	b, err := os.ReadFile(unrestrictedGuestParam)
	if err != nil {
		return false
	}

	return strings.HasPrefix(string(b), "Y")
}
