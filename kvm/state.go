package kvm

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// VCPUEvents is struct kvm_vcpu_events: pending exceptions, interrupts
// and NMIs that are not part of the register file.
type VCPUEvents struct {
	ExceptionInjected   uint8
	ExceptionNr         uint8
	ExceptionHasErrCode uint8
	ExceptionPending    uint8
	ExceptionErrorCode  uint32

	InterruptInjected uint8
	InterruptNr       uint8
	InterruptSoft     uint8
	InterruptShadow   uint8

	NMIInjected uint8
	NMIPending  uint8
	NMIMasked   uint8
	_           uint8

	SIPIVector uint32
	Flags      uint32

	SMISMM         uint8
	SMIPending     uint8
	SMIInsideNMI   uint8
	SMILatchedInit uint8

	TripleFaultPending uint8
	Reserved           [26]uint8

	ExceptionHasPayload uint8
	ExceptionPayload    uint64
}

func GetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(ev)))

	return err
}

func SetVCPUEvents(vcpuFd uintptr, ev *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(ev)))

	return err
}

// MP states.
const (
	MPStateRunnable      = 0
	MPStateUninitialized = 1
	MPStateInitReceived  = 2
	MPStateHalted        = 3
	MPStateSipiReceived  = 4
)

func GetMPState(vcpuFd uintptr) (uint32, error) {
	var st uint32
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, 4), uintptr(unsafe.Pointer(&st)))

	return st, err
}

func SetMPState(vcpuFd uintptr, st uint32) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, 4), uintptr(unsafe.Pointer(&st)))

	return err
}

// XSaveLegacySize is the size of struct kvm_xsave without the XSAVE2
// extension.
const XSaveLegacySize = 4096

// GetXSave reads the legacy 4KiB xsave area.
func GetXSave(vcpuFd uintptr) ([]byte, error) {
	b := alignedBytes(XSaveLegacySize)
	if _, err := Ioctl(vcpuFd, IIOR(kvmGetXSave, XSaveLegacySize), bufPtr(b)); err != nil {
		return nil, err
	}

	return b, nil
}

// GetXSave2 reads an xsave area of size bytes, the value CapXSave2 reports.
// Dynamically enabled features such as AMX need more than 4KiB.
func GetXSave2(vcpuFd uintptr, size int) ([]byte, error) {
	if size < XSaveLegacySize {
		size = XSaveLegacySize
	}

	b := alignedBytes(size)
	if _, err := Ioctl(vcpuFd, IIOR(kvmGetXSave2, XSaveLegacySize), bufPtr(b)); err != nil {
		return nil, err
	}

	return b, nil
}

// SetXSave loads an xsave area of at least 4KiB.
func SetXSave(vcpuFd uintptr, area []byte) error {
	if len(area) < XSaveLegacySize {
		return fmt.Errorf("xsave area of %d bytes, want at least %d", len(area), XSaveLegacySize)
	}

	b := alignedBytes(len(area))
	copy(b, area)

	_, err := Ioctl(vcpuFd, IIOW(kvmSetXSave, XSaveLegacySize), bufPtr(b))

	return err
}

// XCR is one extended control register value.
type XCR struct {
	XCR      uint32
	Reserved uint32
	Value    uint64
}

// XCRS is struct kvm_xcrs.
type XCRS struct {
	NrXCRS  uint32
	Flags   uint32
	XCRS    [16]XCR
	Padding [16]uint64
}

func GetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(x)))

	return err
}

func SetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(x)))

	return err
}

const (
	// nestedHeaderSize is the fixed flags/format/size header plus the
	// vmx/svm header union of struct kvm_nested_state.
	nestedHeaderSize = 128

	// NestedStateMax bounds the nested state buffer this package will
	// allocate.
	NestedStateMax = 16384
)

// GetNestedState reads the nested virtualization state into a buffer of
// size bytes. size comes from CapNestedState. The result is trimmed to the
// size the kernel reports in the header.
func GetNestedState(vcpuFd uintptr, size int) ([]byte, error) {
	if size < nestedHeaderSize || size > NestedStateMax {
		return nil, fmt.Errorf("nested state size %d outside [%d, %d]", size, nestedHeaderSize, NestedStateMax)
	}

	b := alignedBytes(size)
	binary.LittleEndian.PutUint32(b[4:], uint32(size))

	if _, err := Ioctl(vcpuFd, IIOWR(kvmGetNestedState, nestedHeaderSize), bufPtr(b)); err != nil {
		return nil, err
	}

	if n := int(NestedStateSize(b)); n >= nestedHeaderSize && n < size {
		b = b[:n]
	}

	return b, nil
}

// SetNestedState loads a buffer produced by GetNestedState.
func SetNestedState(vcpuFd uintptr, state []byte) error {
	if len(state) < nestedHeaderSize {
		return fmt.Errorf("nested state of %d bytes is shorter than its header", len(state))
	}

	b := alignedBytes(len(state))
	copy(b, state)

	_, err := Ioctl(vcpuFd, IIOW(kvmSetNestedState, nestedHeaderSize), bufPtr(b))

	return err
}

// NestedStateSize returns the size field of a nested state header, zero for
// an empty buffer.
func NestedStateSize(state []byte) uint32 {
	if len(state) < 8 {
		return 0
	}

	return binary.LittleEndian.Uint32(state[4:])
}
