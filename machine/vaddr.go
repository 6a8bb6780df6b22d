package machine

import (
	"fmt"

	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/memory"
	"github.com/bobuhiro11/kvmguest/pagetable"
)

// VAddrAlloc maps size bytes of fresh zeroed physical pages at the lowest
// free virtual address at or above min and returns that address.
func (m *Machine) VAddrAlloc(size, min uint64) (uint64, error) {
	pages := (size + memory.PageSize - 1) >> memory.PageShift
	if pages == 0 {
		pages = 1
	}

	start, ok := m.vpages.FindFree(m.as.Valid(), pages, min>>memory.PageShift)
	if !ok {
		return 0, fault.Violationf(ErrNoVAddr, "%d pages at or above %#x", pages, min)
	}

	paddr, err := m.mem.AllocPages(int(pages), minPAddr)
	if err != nil {
		return 0, fault.Violationf(err, "back %d pages at %#x", pages, start<<memory.PageShift)
	}

	vaddr := start << memory.PageShift
	if err := m.as.MapRange(vaddr, paddr, pages<<memory.PageShift, pagetable.Level4K); err != nil {
		return 0, err
	}

	if err := m.vpages.Add(start, pages); err != nil {
		return 0, fault.Violationf(err, "track %d pages at %#x", pages, vaddr)
	}

	return vaddr, nil
}

// paging is what a vCPU set up by AddVCPU sees: EFER.NXE set and the
// physical address width KVM reports.
func (m *Machine) paging() pagetable.Paging {
	return pagetable.Paging{PhysAddrBits: m.paBits, NXE: true}
}

// Paging reads the paging controls of cpu from its EFER.
func (m *Machine) Paging(cpu int) (pagetable.Paging, error) {
	sregs, err := m.GetSregs(cpu)
	if err != nil {
		return pagetable.Paging{}, err
	}

	return pagetable.Paging{PhysAddrBits: m.paBits, NXE: sregs.EFER&EFERxNXE != 0}, nil
}

// GVAToGPA translates a guest virtual address through the page tables.
func (m *Machine) GVAToGPA(gva uint64) (uint64, error) {
	return m.as.Translate(m.paging(), gva)
}

// GVAToHVA translates a guest virtual address to the host address backing
// it.
func (m *Machine) GVAToHVA(gva uint64) (uintptr, error) {
	gpa, err := m.GVAToGPA(gva)
	if err != nil {
		return 0, err
	}

	return m.mem.HVA(gpa)
}

// guestBytes calls f with host views of the guest virtual range
// [gva, gva+n), one page at a time.
func (m *Machine) guestBytes(gva uint64, n int, f func(b []byte, off int)) error {
	for off := 0; off < n; {
		va := gva + uint64(off)

		gpa, err := m.GVAToGPA(va)
		if err != nil {
			return err
		}

		chunk := int(memory.PageSize - va%memory.PageSize)
		if chunk > n-off {
			chunk = n - off
		}

		b, err := m.mem.Slice(gpa, uint64(chunk))
		if err != nil {
			return fault.Violationf(err, "guest %#x", va)
		}

		f(b, off)
		off += chunk
	}

	return nil
}

// WriteGuest copies b into guest virtual memory at gva.
func (m *Machine) WriteGuest(gva uint64, b []byte) error {
	return m.guestBytes(gva, len(b), func(dst []byte, off int) { copy(dst, b[off:]) })
}

// ReadGuest fills b from guest virtual memory at gva.
func (m *Machine) ReadGuest(gva uint64, b []byte) error {
	return m.guestBytes(gva, len(b), func(src []byte, off int) { copy(b[off:], src) })
}

// guestPage is the host view of the page holding gva.
func (m *Machine) guestPage(gva uint64) ([]byte, error) {
	gpa, err := m.GVAToGPA(gva &^ (memory.PageSize - 1))
	if err != nil {
		return nil, fmt.Errorf("guest page %#x: %w", gva, err)
	}

	return m.mem.Page(gpa)
}

// LoadCode places code in freshly mapped pages at or above min and
// returns its guest virtual address.
func (m *Machine) LoadCode(code []byte, min uint64) (uint64, error) {
	gva, err := m.VAddrAlloc(uint64(len(code)), min)
	if err != nil {
		return 0, err
	}

	return gva, m.WriteGuest(gva, code)
}
