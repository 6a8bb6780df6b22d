package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/kvmguest/kvm"
	"golang.org/x/sys/unix"
)

var (
	ErrOutOfMemory = errors.New("guest physical memory exhausted")
	ErrOutOfRange  = errors.New("guest physical address outside memory")
	errClosed      = errors.New("memory already released")
)

const (
	// Poison is an instruction that should force a vmexit.
	// it fills memory to make catching guest errors easier.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	PageSize  = 0x1000
	PageShift = 12

	highMemBase = 0x100000
)

// Memory is the guest physical arena, one anonymous mapping backing memslot
// 0 at guest physical address 0. Pages are handed out by a monotonic bump
// allocator and never freed.
type Memory struct {
	buf  []byte
	next uint64
}

// New maps size bytes of guest memory, rounded up to a page. Everything
// from 1MiB on is poisoned.
func New(size int) (*Memory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memory size %d: %w", size, ErrOutOfRange)
	}

	size = (size + PageSize - 1) &^ (PageSize - 1)

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	// 0 is valid instruction and if you start running in the middle of all those
	// 0's it is impossible to diagnose.
	for i := highMemBase; i < len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	return &Memory{buf: buf}, nil
}

// Size is the arena size in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.buf))
}

// Region describes the arena as a memslot.
func (m *Memory) Region(slot uint32) *kvm.UserspaceMemoryRegion {
	return &kvm.UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: 0,
		MemorySize:    m.Size(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.buf[0]))),
	}
}

// AllocPages returns the guest physical address of n zeroed, contiguous
// pages at or above min.
func (m *Memory) AllocPages(n int, min uint64) (uint64, error) {
	if m.buf == nil {
		return 0, errClosed
	}

	start := m.next
	if start < min {
		start = (min + PageSize - 1) &^ (PageSize - 1)
	}

	end := start + uint64(n)*PageSize
	if n <= 0 || end > m.Size() || end < start {
		return 0, fmt.Errorf("%d pages at %#x, arena %#x: %w", n, start, m.Size(), ErrOutOfMemory)
	}

	clear(m.buf[start:end])
	m.next = end

	return start, nil
}

// AllocPage returns one zeroed page anywhere above the last allocation.
func (m *Memory) AllocPage() (uint64, error) {
	return m.AllocPages(1, 0)
}

// Slice returns the host view of [gpa, gpa+n).
func (m *Memory) Slice(gpa, n uint64) ([]byte, error) {
	if m.buf == nil {
		return nil, errClosed
	}

	if gpa+n > m.Size() || gpa+n < gpa {
		return nil, fmt.Errorf("[%#x, %#x): %w", gpa, gpa+n, ErrOutOfRange)
	}

	return m.buf[gpa : gpa+n : gpa+n], nil
}

// Page returns the host view of the page holding gpa.
func (m *Memory) Page(gpa uint64) ([]byte, error) {
	return m.Slice(gpa&^(PageSize-1), PageSize)
}

// HVA translates a guest physical address to the host virtual address that
// backs it.
func (m *Memory) HVA(gpa uint64) (uintptr, error) {
	b, err := m.Slice(gpa, 1)
	if err != nil {
		return 0, err
	}

	return uintptr(unsafe.Pointer(&b[0])), nil
}

// Close unmaps the arena.
func (m *Memory) Close() error {
	if m.buf == nil {
		return nil
	}

	err := unix.Munmap(m.buf)
	m.buf = nil

	return err
}
