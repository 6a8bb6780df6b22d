package kvm

import (
	"encoding/binary"
	"unsafe"
)

// MSREntry is struct kvm_msr_entry.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

type msrsHeader struct {
	NMSRs uint32
	Pad   uint32
}

func getMSRList(kvmFd uintptr, nr uintptr, n int) ([]uint32, uint32, error) {
	b := alignedBytes(4 + 4*n)
	binary.LittleEndian.PutUint32(b, uint32(n))

	_, err := Ioctl(kvmFd, IIOWR(nr, 4), bufPtr(b))

	got := binary.LittleEndian.Uint32(b)
	if err != nil {
		return nil, got, err
	}

	if int(got) > n {
		got = uint32(n)
	}

	list := make([]uint32, got)
	for i := range list {
		list[i] = binary.LittleEndian.Uint32(b[4+4*i:])
	}

	return list, got, nil
}

// GetMSRIndexList returns the guest msrs that are supported, with room for n
// indices. On E2BIG the returned count is the number the kernel needs.
// The list varies by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr, n int) ([]uint32, uint32, error) {
	return getMSRList(kvmFd, kvmGetMSRIndexList, n)
}

// GetMSRFeatureIndexList returns the list of MSRs that can be passed to the KVM_GET_MSRS system ioctl.
// This lets userspace probe host capabilities and processor features that are exposed via MSRs
// (e.g., VMX capabilities). This list also varies by kvm version and host processor, but does not change otherwise.
func GetMSRFeatureIndexList(kvmFd uintptr, n int) ([]uint32, uint32, error) {
	return getMSRList(kvmFd, kvmGetMSRFeatureIndexList, n)
}

func msrsBuffer(entries []MSREntry) ([]byte, []MSREntry) {
	hsz := int(unsafe.Sizeof(msrsHeader{}))
	b := alignedBytes(hsz + len(entries)*int(unsafe.Sizeof(MSREntry{})))
	(*msrsHeader)(unsafe.Pointer(&b[0])).NMSRs = uint32(len(entries))

	if len(entries) == 0 {
		return b, nil
	}

	dst := unsafe.Slice((*MSREntry)(unsafe.Pointer(&b[hsz])), len(entries))
	copy(dst, entries)

	return b, dst
}

// GetMSRs reads the MSRs named by the Index fields of entries, filling in
// Data. It returns how many entries, from the start, were read. On the
// system fd it reads feature MSRs.
func GetMSRs(fd uintptr, entries []MSREntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	b, buf := msrsBuffer(entries)

	n, err := Ioctl(fd, IIOWR(kvmGetMSRs, unsafe.Sizeof(msrsHeader{})), bufPtr(b))
	if err != nil {
		return 0, err
	}

	copy(entries, buf[:n])

	return int(n), nil
}

// SetMSRs writes entries to a vCPU and returns how many were written.
func SetMSRs(vcpuFd uintptr, entries []MSREntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	b, _ := msrsBuffer(entries)

	n, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, unsafe.Sizeof(msrsHeader{})), bufPtr(b))

	return int(n), err
}
