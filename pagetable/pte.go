package pagetable

import "fmt"

// Level is a paging structure level, named after the size of the region
// one of its leaf entries maps.
type Level int

const (
	Level4K Level = iota
	Level2M
	Level1G
	Level512G
)

// Shift is the number of vaddr bits below this level's index.
func (l Level) Shift() uint {
	return 12 + 9*uint(l)
}

// Size is the region mapped by one entry of this level.
func (l Level) Size() uint64 {
	return 1 << l.Shift()
}

func (l Level) index(vaddr uint64) int {
	return int(vaddr>>l.Shift()) & 0x1ff
}

func (l Level) String() string {
	switch l {
	case Level4K:
		return "4K"
	case Level2M:
		return "2M"
	case Level1G:
		return "1G"
	case Level512G:
		return "512G"
	}

	return fmt.Sprintf("Level(%d)", int(l))
}

// PTE is a 64-bit paging structure entry.
type PTE uint64

const (
	Present  PTE = 1 << 0
	Writable PTE = 1 << 1
	Dirty    PTE = 1 << 6
	Large    PTE = 1 << 7
	NX       PTE = 1 << 63

	FrameMask PTE = 0x000FFFFFFFFFF000
)

// Has reports whether every bit of b is set.
func (p PTE) Has(b PTE) bool {
	return p&b == b
}

// Frame is the physical address the entry points to.
func (p PTE) Frame() uint64 {
	return uint64(p & FrameMask)
}

// PFN is Frame in page units.
func (p PTE) PFN() uint64 {
	return p.Frame() >> 12
}

// Paging is the vCPU state that decides which entry bits are reserved.
type Paging struct {
	// PhysAddrBits is MAXPHYADDR, CPUID.80000008H:EAX[7:0].
	PhysAddrBits uint
	// NXE mirrors EFER.NXE; when clear, bit 63 is reserved.
	NXE bool
}

func (p Paging) reserved() PTE {
	var mask PTE
	if p.PhysAddrBits < 52 {
		mask = PTE((uint64(1)<<52 - 1) &^ (uint64(1)<<p.PhysAddrBits - 1))
	}

	if !p.NXE {
		mask |= NX
	}

	return mask
}
