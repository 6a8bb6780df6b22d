package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers, the nr field of the _IO* encoding.
const (
	kvmGetAPIVersion          = 0x00
	kvmCreateVM               = 0x01
	kvmGetMSRIndexList        = 0x02
	kvmCheckExtension         = 0x03
	kvmGetVCPUMMapSize        = 0x04
	kvmGetSupportedCPUID      = 0x05
	kvmGetMSRFeatureIndexList = 0x0a

	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmCreateIRQChip       = 0x60

	kvmRun            = 0x80
	kvmGetRegs        = 0x81
	kvmSetRegs        = 0x82
	kvmGetSregs       = 0x83
	kvmSetSregs       = 0x84
	kvmGetMSRs        = 0x88
	kvmSetMSRs        = 0x89
	kvmSetCPUID2      = 0x90
	kvmGetCPUID2      = 0x91
	kvmGetMPState     = 0x98
	kvmSetMPState     = 0x99
	kvmGetVCPUEvents  = 0x9f
	kvmSetVCPUEvents  = 0xa0
	kvmGetDebugRegs   = 0xa1
	kvmSetDebugRegs   = 0xa2
	kvmGetXSave       = 0xa4
	kvmSetXSave       = 0xa5
	kvmGetXCRS        = 0xa6
	kvmSetXCRS        = 0xa7
	kvmGetNestedState = 0xbe
	kvmSetNestedState = 0xbf

	kvmGetSupportedHvCPUID = 0xc1
	kvmGetXSave2           = 0xcf
	kvmGetDeviceAttr       = 0xe2
)

const (
	kvmio = 0xAE

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func iioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | kvmio<<iocTypeShift | nr<<iocNRShift
}

// IIO builds an ioctl request without a payload.
func IIO(nr uintptr) uintptr {
	return iioc(iocNone, nr, 0)
}

// IIOR builds an ioctl request that reads size bytes from the kernel.
func IIOR(nr, size uintptr) uintptr {
	return iioc(iocRead, nr, size)
}

// IIOW builds an ioctl request that writes size bytes to the kernel.
func IIOW(nr, size uintptr) uintptr {
	return iioc(iocWrite, nr, size)
}

// IIOWR builds an ioctl request that both writes and reads size bytes.
func IIOWR(nr, size uintptr) uintptr {
	return iioc(iocRead|iocWrite, nr, size)
}

// Ioctl issues an ioctl and retries it while the call is interrupted.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, err := ioctl(fd, op, arg)
		if err == unix.EINTR {
			continue
		}

		return res, err
	}
}

// ioctl issues exactly one ioctl. KVM_RUN uses it directly so that an
// EINTR caused by immediate_exit reaches the caller.
func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// alignedBytes returns a zeroed, 8-byte aligned buffer of n bytes. The
// variable length structures passed to KVM embed uint64 fields, so a plain
// []byte is not enough.
func alignedBytes(n int) []byte {
	if n == 0 {
		return nil
	}

	words := make([]uint64, (n+7)/8)

	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}

func bufPtr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
