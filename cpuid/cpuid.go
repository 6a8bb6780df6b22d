// Package cpuid reads host CPUID, names feature bits and caches what KVM
// reports it can give a guest.
package cpuid

import (
	"errors"
	"math/bits"

	"github.com/bobuhiro11/kvmguest/kvm"
)

// CPUID runs the CPUID instruction on the host for leaf, subleaf 0.
func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, 0)
}

// CPUIDIndex runs the CPUID instruction on the host for leaf and subleaf.
func CPUIDIndex(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, subleaf)
}

// HostFunc answers a CPUID query; Host is the real instruction.
type HostFunc func(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// Host queries the CPU this process runs on.
func Host(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, subleaf)
}

// Vendor returns the 12 byte vendor string of leaf 0.
func Vendor(host HostFunc) string {
	_, ebx, ecx, edx := host(0, 0)

	b := make([]byte, 0, 12)
	for _, r := range []uint32{ebx, edx, ecx} {
		b = append(b, byte(r), byte(r>>8), byte(r>>16), byte(r>>24))
	}

	return string(b)
}

func IsIntel(host HostFunc) bool { return Vendor(host) == "GenuineIntel" }

// IsAMD excludes early K5 samples, whose vendor string is "AMDisbetter!".
func IsAMD(host HostFunc) bool { return Vendor(host) == "AuthenticAMD" }

// Family decodes the display family from leaf 1 EAX.
func Family(eax uint32) uint32 {
	family := (eax >> 8) & 0xf
	if family == 0xf {
		family += (eax >> 20) & 0xff
	}

	return family
}

type CPUIDPatch struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAXBit   uint8
	EBXBit   uint8
	ECXBit   uint8
	EDXBit   uint8
}

var errInvalidPatchset = errors.New("invalid patch. Only 1 bit allowed")

// Patch sets one bit per patch in the matching entries before they are
// handed to a vCPU.
func Patch(ids kvm.CPUIDEntries, patches []*CPUIDPatch) error {
	for _, patch := range patches {
		if bits.OnesCount8(patch.EAXBit)+
			bits.OnesCount8(patch.EBXBit)+
			bits.OnesCount8(patch.ECXBit)+
			bits.OnesCount8(patch.EDXBit)+
			bits.OnesCount32(patch.Flags) != 1 {
			return errInvalidPatchset
		}
	}

	for i := range ids {
		id := &ids[i]

		for _, patch := range patches {
			if id.Function != patch.Function || id.Index != patch.Index {
				continue
			}

			id.Flags |= patch.Flags
			id.Eax |= uint32(patch.EAXBit)
			id.Ebx |= uint32(patch.EBXBit)
			id.Ecx |= uint32(patch.ECXBit)
			id.Edx |= uint32(patch.EDXBit)
		}
	}

	return nil
}
