package kvm

import (
	"unsafe"
)

const (
	// APIVersion is the only KVM_GET_API_VERSION value the stable ABI reports.
	APIVersion = 12

	numInterrupts = 0x100

	// TSSAddr and IdentityMapAddr sit just below 4GiB, above any guest RAM
	// this module maps.
	TSSAddr         = 0xfffbd000
	IdentityMapAddr = 0xfffbc000
)

// RunData is the shared kvm_run page of a vcpu.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the io member of the exit union.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// UserspaceMemoryRegion defines Memory Regions.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages sets region flags to log dirty pages.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), uintptr(0))
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), uintptr(0))
}

func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(vcpuID))
}

// Run enters the guest once. EINTR is returned as is, it is how an
// immediate_exit request or a signal shows up.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, IIO(kvmRun), uintptr(0))

	return err
}

func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), uintptr(0))
}

// SetTSSAddr places the three page TSS region VMX needs.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), TSSAddr)

	return err
}

// SetIdentityMapAddr places the identity map page VMX needs.
func SetIdentityMapAddr(vmFd uintptr) error {
	var mapAddr uint64 = IdentityMapAddr
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&mapAddr)))

	return err
}

// SetUserMemoryRegion adds a memory region to a vm -- not a vcpu, a vm.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// CheckExtension reports the value of a capability. Zero means unsupported,
// some capabilities return a size or a count.
func CheckExtension(fd uintptr, c Capability) (int, error) {
	ret, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(c))

	return int(ret), err
}

// DeviceAttr is struct kvm_device_attr.
type DeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

// XCompGuestSupp is the system attribute holding the XSAVE features a
// guest may be given.
const XCompGuestSupp = 0

// GetDeviceAttr reads a device, vm or system attribute into attr.Addr.
func GetDeviceAttr(fd uintptr, attr *DeviceAttr) error {
	_, err := Ioctl(fd, IIOW(kvmGetDeviceAttr, unsafe.Sizeof(DeviceAttr{})), uintptr(unsafe.Pointer(attr)))

	return err
}
