// Package descriptor builds long mode segments and the guest side of
// exception delivery: GDT and IDT encodings, per-vector entry stubs and
// the shared dispatch routine.
package descriptor

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/kvmguest/kvm"
)

// Selectors used by every vCPU.
const (
	KernelCS = 0x8
	KernelDS = 0x10
	KernelTR = 0x18
)

const (
	typeCodeExecReadAccessed = 0x8 | 0x2 | 0x1
	typeDataReadWriteAccess  = 0x2 | 0x1
	typeTSS64Busy            = 0xb

	// TSSLimit is the limit of a 104 byte 64-bit TSS.
	TSSLimit = 0x67
)

var errSlot = errors.New("descriptor slot outside table")

// KernelCode64 is a flat ring 0 long mode code segment.
func KernelCode64(sel uint16) kvm.Segment {
	return kvm.Segment{
		Selector: sel,
		Limit:    0xFFFFFFFF,
		S:        1,
		Typ:      typeCodeExecReadAccessed,
		G:        1,
		L:        1,
		Present:  1,
	}
}

// KernelData64 is a flat ring 0 writable data segment.
func KernelData64(sel uint16) kvm.Segment {
	return kvm.Segment{
		Selector: sel,
		Limit:    0xFFFFFFFF,
		S:        1,
		Typ:      typeDataReadWriteAccess,
		G:        1,
		Present:  1,
	}
}

// Unusable is a segment register marked unusable, everything else zero.
func Unusable() kvm.Segment {
	return kvm.Segment{Unusable: 1}
}

// TSS64 is a busy 64-bit TSS at base.
func TSS64(sel uint16, base uint64) kvm.Segment {
	return kvm.Segment{
		Base:     base,
		Limit:    TSSLimit,
		Selector: sel,
		Typ:      typeTSS64Busy,
		Present:  1,
	}
}

// Encode returns the GDT encoding of s: 8 bytes, or 16 for a system
// descriptor, whose second half holds base bits 32..63.
func Encode(s kvm.Segment) []byte {
	n := 8
	if s.S == 0 {
		n = 16
	}

	d := make([]byte, n)

	binary.LittleEndian.PutUint16(d[0:], uint16(s.Limit))
	binary.LittleEndian.PutUint16(d[2:], uint16(s.Base))
	d[4] = uint8(s.Base >> 16)
	d[5] = s.Typ&0xf | (s.S&1)<<4 | (s.DPL&3)<<5 | (s.Present&1)<<7
	d[6] = uint8(s.Limit>>16)&0xf | (s.AVL&1)<<4 | (s.L&1)<<5 | (s.DB&1)<<6 | (s.G&1)<<7
	d[7] = uint8(s.Base >> 24)

	if s.S == 0 {
		binary.LittleEndian.PutUint32(d[8:], uint32(s.Base>>32))
	}

	return d
}

// WriteSegment encodes s into gdt at the slot named by its selector.
func WriteSegment(gdt []byte, s kvm.Segment) error {
	off := int(s.Selector>>3) * 8
	d := Encode(s)

	if off+len(d) > len(gdt) {
		return fmt.Errorf("selector %#x: %w", s.Selector, errSlot)
	}

	copy(gdt[off:], d)

	return nil
}
