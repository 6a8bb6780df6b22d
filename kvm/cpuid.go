package kvm

import (
	"unsafe"
)

// CPUIDEntry2 is one entry for CPUID. It took 2 tries to get it right :-)
// Thanks x86 :-).
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUIDEntries is the entry array of a kvm_cpuid2.
type CPUIDEntries []CPUIDEntry2

// CPUIDFlagSignificantIndex marks entries whose Index selects a subleaf.
const CPUIDFlagSignificantIndex = 1 << 0

// cpuidHeader is the fixed part of struct kvm_cpuid2; the entries follow it.
type cpuidHeader struct {
	Nent    uint32
	Padding uint32
}

const cpuidHeaderSize = unsafe.Sizeof(cpuidHeader{})

func cpuidBuffer(n int) ([]byte, *cpuidHeader, []CPUIDEntry2) {
	b := alignedBytes(int(cpuidHeaderSize) + n*int(unsafe.Sizeof(CPUIDEntry2{})))
	hdr := (*cpuidHeader)(unsafe.Pointer(&b[0]))
	hdr.Nent = uint32(n)

	var entries []CPUIDEntry2
	if n > 0 {
		entries = unsafe.Slice((*CPUIDEntry2)(unsafe.Pointer(&b[cpuidHeaderSize])), n)
	}

	return b, hdr, entries
}

// getCPUID runs one of the kvm_cpuid2 returning ioctls with room for n
// entries. The returned count is the nent the kernel left in the header,
// which is the required size for some calls when the error is E2BIG.
func getCPUID(fd uintptr, nr uintptr, n int) (CPUIDEntries, uint32, error) {
	b, hdr, entries := cpuidBuffer(n)

	_, err := Ioctl(fd, IIOWR(nr, cpuidHeaderSize), bufPtr(b))
	if err != nil {
		return nil, hdr.Nent, err
	}

	nent := int(hdr.Nent)
	if nent > n {
		nent = n
	}

	out := make(CPUIDEntries, nent)
	copy(out, entries[:nent])

	return out, hdr.Nent, nil
}

// GetSupportedCPUID gets all supported CPUID entries for a vm, with room
// for n of them. It fails with E2BIG when n is too small.
func GetSupportedCPUID(kvmFd uintptr, n int) (CPUIDEntries, uint32, error) {
	return getCPUID(kvmFd, kvmGetSupportedCPUID, n)
}

// GetSupportedHvCPUID gets the Hyper-V CPUID leaves KVM can emulate. On the
// system fd this needs CapSysHypervCPUID.
func GetSupportedHvCPUID(fd uintptr, n int) (CPUIDEntries, uint32, error) {
	return getCPUID(fd, kvmGetSupportedHvCPUID, n)
}

// GetCPUID2 reads back the CPUID entries set on a vCPU.
func GetCPUID2(vcpuFd uintptr, n int) (CPUIDEntries, uint32, error) {
	return getCPUID(vcpuFd, kvmGetCPUID2, n)
}

// SetCPUID2 sets entries for a vCPU.
// The progression is, hence, get the CPUID entries for a vm, then set them into
// individual vCPUs. This seems odd, but in fact lets code tailor CPUID entries
// as needed.
func SetCPUID2(vcpuFd uintptr, entries CPUIDEntries) error {
	b, _, dst := cpuidBuffer(len(entries))
	copy(dst, entries)

	_, err := Ioctl(vcpuFd, IIOW(kvmSetCPUID2, cpuidHeaderSize), bufPtr(b))

	return err
}
