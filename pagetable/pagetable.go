// Package pagetable builds and walks 4-level x86-64 guest page tables that
// live in guest physical memory.
package pagetable

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/memory"
)

var (
	ErrMode         = errors.New("unsupported guest mode")
	ErrMisaligned   = errors.New("address not aligned to page size")
	ErrInvalidVAddr = errors.New("virtual address outside the valid range")
	ErrPhysRange    = errors.New("physical address beyond max gfn")
	ErrDuplicate    = errors.New("page already mapped")
	ErrConflict     = errors.New("huge page in the way")
	ErrUnmapped     = errors.New("virtual address not mapped")
	ErrReservedBits = errors.New("reserved bits set in paging entry")
	ErrNonCanonical = errors.New("non-canonical virtual address")
	ErrPhysAddrBits = errors.New("physical address width out of range")
)

// Mode is a guest paging mode.
type Mode int

const (
	// ModePXXV48_4K is 4-level paging with 48-bit virtual addresses and
	// 4KiB base pages.
	ModePXXV48_4K Mode = iota + 1
)

func (m Mode) String() string {
	if m == ModePXXV48_4K {
		return "PXXV48_4K"
	}

	return fmt.Sprintf("Mode(%d)", int(m))
}

const (
	vaBits = 48

	// TableMinPAddr is the lowest guest physical address used for paging
	// structures.
	TableMinPAddr = 0x180000
)

// Allocator hands out zeroed guest physical pages and host views of them.
type Allocator interface {
	AllocPages(n int, min uint64) (uint64, error)
	Page(gpa uint64) ([]byte, error)
	HVA(gpa uint64) (uintptr, error)
}

// AddressSpace is one guest's page table tree.
type AddressSpace struct {
	mode   Mode
	mem    Allocator
	maxGFN uint64
	valid  memory.Ranges

	root        uint64
	rootCreated bool
}

// New returns an AddressSpace without a root. Valid virtual pages are the
// two canonical halves of a 48-bit address space.
func New(mode Mode, mem Allocator, maxGFN uint64) (*AddressSpace, error) {
	if mode != ModePXXV48_4K {
		return nil, fault.Violationf(ErrMode, "new address space %v", mode)
	}

	as := &AddressSpace{mode: mode, mem: mem, maxGFN: maxGFN}

	half := uint64(1) << (vaBits - 1 - memory.PageShift)
	top := uint64(1) << (64 - memory.PageShift)

	if err := as.valid.Add(0, half); err != nil {
		return nil, err
	}

	if err := as.valid.Add(top-half, half); err != nil {
		return nil, err
	}

	return as, nil
}

// Mode is the paging mode this address space was built for.
func (as *AddressSpace) Mode() Mode {
	return as.mode
}

// MaxGFN is the highest guest frame a leaf may point to.
func (as *AddressSpace) MaxGFN() uint64 {
	return as.maxGFN
}

// Valid is the set of virtual page numbers that may be mapped.
func (as *AddressSpace) Valid() *memory.Ranges {
	return &as.valid
}

// Root returns the PML4 address and whether it has been allocated.
func (as *AddressSpace) Root() (uint64, bool) {
	return as.root, as.rootCreated
}

func (as *AddressSpace) checkMode(op string) error {
	if as.mode != ModePXXV48_4K {
		return fault.Violationf(ErrMode, "%s: %v", op, as.mode)
	}

	return nil
}

// EnsureRoot allocates the PML4 page the first time it is called.
func (as *AddressSpace) EnsureRoot() error {
	if err := as.checkMode("ensure root"); err != nil {
		return err
	}

	if as.rootCreated {
		return nil
	}

	root, err := as.mem.AllocPages(1, TableMinPAddr)
	if err != nil {
		return fmt.Errorf("allocate pml4: %w", err)
	}

	as.root, as.rootCreated = root, true

	return nil
}

func (as *AddressSpace) readEntry(table uint64, idx int) (PTE, error) {
	page, err := as.mem.Page(table)
	if err != nil {
		return 0, err
	}

	return PTE(binary.LittleEndian.Uint64(page[idx*8:])), nil
}

func (as *AddressSpace) writeEntry(table uint64, idx int, pte PTE) error {
	page, err := as.mem.Page(table)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(page[idx*8:], uint64(pte))

	return nil
}

// upper returns the entry for vaddr in the table at level cur, creating it
// when absent: a large leaf when cur is the target level, otherwise a new
// table.
func (as *AddressSpace) upper(table, vaddr, paddr uint64, cur, target Level) (PTE, error) {
	idx := cur.index(vaddr)

	pte, err := as.readEntry(table, idx)
	if err != nil {
		return 0, err
	}

	if pte.Has(Present) {
		if cur == target {
			return 0, fault.Violationf(ErrDuplicate, "map %#x: %v entry", vaddr, cur)
		}

		if pte.Has(Large) {
			return 0, fault.Violationf(ErrConflict, "map %#x: %v entry", vaddr, cur)
		}

		return pte, nil
	}

	pte = Present | Writable
	if cur == target {
		pte |= Large | PTE(paddr)&FrameMask
	} else {
		next, err := as.mem.AllocPages(1, TableMinPAddr)
		if err != nil {
			return 0, fmt.Errorf("allocate %v table: %w", cur-1, err)
		}

		pte |= PTE(next) & FrameMask
	}

	return pte, as.writeEntry(table, idx, pte)
}

// Map installs vaddr -> paddr with a leaf at level. Upper tables are
// created as needed.
func (as *AddressSpace) Map(vaddr, paddr uint64, level Level) error {
	if err := as.checkMode("map"); err != nil {
		return err
	}

	if level < Level4K || level > Level1G {
		return fault.Violationf(ErrConflict, "map %#x: no leaf at level %v", vaddr, level)
	}

	size := level.Size()

	switch {
	case vaddr%size != 0:
		return fault.Violationf(ErrMisaligned, "map vaddr %#x at %v", vaddr, level)
	case !as.valid.Contains(vaddr >> memory.PageShift):
		return fault.Violationf(ErrInvalidVAddr, "map vaddr %#x", vaddr)
	case paddr%size != 0:
		return fault.Violationf(ErrMisaligned, "map paddr %#x at %v", paddr, level)
	case paddr>>memory.PageShift > as.maxGFN:
		return fault.Violationf(ErrPhysRange, "map paddr %#x, max gfn %#x", paddr, as.maxGFN)
	}

	if err := as.EnsureRoot(); err != nil {
		return err
	}

	table := as.root

	for cur := Level512G; cur > Level4K; cur-- {
		pte, err := as.upper(table, vaddr, paddr, cur, level)
		if err != nil {
			return err
		}

		if pte.Has(Large) {
			return nil
		}

		table = pte.Frame()
	}

	idx := Level4K.index(vaddr)

	pte, err := as.readEntry(table, idx)
	if err != nil {
		return err
	}

	if pte.Has(Present) {
		return fault.Violationf(ErrDuplicate, "map %#x: 4K entry", vaddr)
	}

	return as.writeEntry(table, idx, Present|Writable|PTE(paddr)&FrameMask)
}

// MapRange maps size bytes from vaddr to paddr with leaves of level.
func (as *AddressSpace) MapRange(vaddr, paddr, size uint64, level Level) error {
	step := level.Size()
	if size%step != 0 {
		return fault.Violationf(ErrMisaligned, "map range of %#x bytes at %v", size, level)
	}

	for off := uint64(0); off < size; off += step {
		if err := as.Map(vaddr+off, paddr+off, level); err != nil {
			return err
		}
	}

	return nil
}

// leaf locates the entry that terminates the walk for vaddr.
type leaf struct {
	table uint64
	index int
	level Level
	pte   PTE
}

func (as *AddressSpace) walk(p Paging, vaddr uint64) (leaf, error) {
	if err := as.checkMode("walk"); err != nil {
		return leaf{}, err
	}

	if p.PhysAddrBits < 12 || p.PhysAddrBits > 52 {
		return leaf{}, fault.Violationf(ErrPhysAddrBits, "walk %#x: %d bits", vaddr, p.PhysAddrBits)
	}

	if vaddr != uint64(int64(vaddr)<<16>>16) {
		return leaf{}, fault.Violationf(ErrNonCanonical, "walk %#x", vaddr)
	}

	if !as.valid.Contains(vaddr >> memory.PageShift) {
		return leaf{}, fault.Violationf(ErrInvalidVAddr, "walk %#x", vaddr)
	}

	if !as.rootCreated {
		return leaf{}, fault.Violationf(ErrUnmapped, "walk %#x: no root", vaddr)
	}

	rsvd := p.reserved()
	table := as.root

	for cur := Level512G; ; cur-- {
		idx := cur.index(vaddr)

		pte, err := as.readEntry(table, idx)
		if err != nil {
			return leaf{}, err
		}

		if !pte.Has(Present) {
			return leaf{}, fault.Violationf(ErrUnmapped, "walk %#x: %v entry not present", vaddr, cur)
		}

		if cur == Level4K {
			return leaf{table: table, index: idx, level: cur, pte: pte}, nil
		}

		bad := rsvd
		if cur == Level512G {
			bad |= Large
		}

		if pte&bad != 0 {
			return leaf{}, fault.Violationf(ErrReservedBits, "walk %#x: %v entry %#x", vaddr, cur, uint64(pte&bad))
		}

		if pte.Has(Large) {
			return leaf{table: table, index: idx, level: cur, pte: pte}, nil
		}

		table = pte.Frame()
	}
}

// Translate returns the guest physical address vaddr maps to.
func (as *AddressSpace) Translate(p Paging, vaddr uint64) (uint64, error) {
	l, err := as.walk(p, vaddr)
	if err != nil {
		return 0, err
	}

	mask := l.level.Size() - 1

	return l.pte.Frame()&^mask | vaddr&mask, nil
}

// Entry returns the leaf entry that maps vaddr.
func (as *AddressSpace) Entry(p Paging, vaddr uint64) (PTE, error) {
	l, err := as.walk(p, vaddr)
	if err != nil {
		return 0, err
	}

	return l.pte, nil
}

// SetEntry overwrites the leaf entry that maps vaddr.
func (as *AddressSpace) SetEntry(p Paging, vaddr uint64, pte PTE) error {
	l, err := as.walk(p, vaddr)
	if err != nil {
		return err
	}

	return as.writeEntry(l.table, l.index, pte)
}
