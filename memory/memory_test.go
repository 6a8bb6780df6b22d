package memory_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/kvmguest/memory"
	"github.com/google/go-cmp/cmp"
)

func TestAllocPages(t *testing.T) {
	t.Parallel()

	m, err := memory.New(4 << 20)
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	a, err := m.AllocPages(2, 0x180000)
	if err != nil {
		t.Fatal(err)
	}

	if a != 0x180000 {
		t.Fatalf("AllocPages: got %#x, want %#x", a, 0x180000)
	}

	b, err := m.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	if b != 0x182000 {
		t.Fatalf("AllocPage: got %#x, want %#x", b, 0x182000)
	}

	p, err := m.Page(b + 0x10)
	if err != nil {
		t.Fatal(err)
	}

	for i, v := range p {
		if v != 0 {
			t.Fatalf("page byte %d: got %#x, want 0", i, v)
		}
	}

	if _, err := m.AllocPages(4096, 0); !errors.Is(err, memory.ErrOutOfMemory) {
		t.Fatalf("AllocPages past the end: got %v, want %v", err, memory.ErrOutOfMemory)
	}
}

func TestPoison(t *testing.T) {
	t.Parallel()

	m, err := memory.New(2 << 20)
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	b, err := m.Slice(0x100000, uint64(len(memory.Poison)))
	if err != nil {
		t.Fatal(err)
	}

	if string(b) != memory.Poison {
		t.Fatalf("poison: got %x, want %x", b, memory.Poison)
	}
}

func TestSliceOutOfRange(t *testing.T) {
	t.Parallel()

	m, err := memory.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}

	defer m.Close()

	if _, err := m.Slice(m.Size()-1, 2); !errors.Is(err, memory.ErrOutOfRange) {
		t.Fatalf("Slice: got %v, want %v", err, memory.ErrOutOfRange)
	}

	r := m.Region(0)
	if r.MemorySize != 1<<20 || r.GuestPhysAddr != 0 {
		t.Fatalf("Region: got size %#x gpa %#x", r.MemorySize, r.GuestPhysAddr)
	}
}

func TestRanges(t *testing.T) {
	t.Parallel()

	var s memory.Ranges

	for _, r := range []memory.Range{{0, 4}, {8, 10}, {4, 8}} {
		if err := s.Add(r.Start, r.Len()); err != nil {
			t.Fatalf("Add(%v): %v", r, err)
		}
	}

	if diff := cmp.Diff([]memory.Range{{0, 10}}, s.Intervals()); diff != "" {
		t.Fatalf("Intervals mismatch (-want +got):\n%s", diff)
	}

	if err := s.Add(9, 3); err == nil {
		t.Fatal("Add over an existing range succeeded")
	}

	if !s.ContainsRange(2, 8) || s.ContainsRange(2, 9) {
		t.Fatal("ContainsRange disagrees with [0, 10)")
	}

	if !s.IsFree(10, 5) || s.IsFree(9, 1) {
		t.Fatal("IsFree disagrees with [0, 10)")
	}
}

func TestFindFree(t *testing.T) {
	t.Parallel()

	var valid, used memory.Ranges

	if err := valid.Add(0, 100); err != nil {
		t.Fatal(err)
	}

	if err := valid.Add(200, 50); err != nil {
		t.Fatal(err)
	}

	if err := used.Add(2, 10); err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name  string
		n     uint64
		min   uint64
		want  uint64
		found bool
	}{
		{name: "AfterUsed", n: 4, min: 2, want: 12, found: true},
		{name: "BeforeUsed", n: 2, min: 0, want: 0, found: true},
		{name: "NextValid", n: 45, min: 60, want: 200, found: true},
		{name: "TooLarge", n: 60, min: 220, found: false},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := used.FindFree(&valid, tt.n, tt.min)
			if ok != tt.found || (ok && got != tt.want) {
				t.Fatalf("FindFree(%d, %d): got %d/%v, want %d/%v", tt.n, tt.min, got, ok, tt.want, tt.found)
			}
		})
	}
}
