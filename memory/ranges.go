package memory

import (
	"errors"
	"sort"
)

var errRangeOccupied = errors.New("range occupied")

// Range is the half open interval [Start, End) of page numbers.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of pages in r.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

func (r Range) overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Ranges is a set of page numbers kept as sorted, disjoint, non adjacent
// intervals.
type Ranges struct {
	rs []Range
}

// Add inserts [start, start+n), merging with neighbours. Overlapping an
// existing interval is an error.
func (s *Ranges) Add(start, n uint64) error {
	if n == 0 {
		return nil
	}

	nr := Range{Start: start, End: start + n}
	if nr.End < nr.Start {
		return errRangeOccupied
	}

	if !s.IsFree(start, n) {
		return errRangeOccupied
	}

	i := sort.Search(len(s.rs), func(i int) bool { return s.rs[i].Start >= nr.Start })

	s.rs = append(s.rs, Range{})
	copy(s.rs[i+1:], s.rs[i:])
	s.rs[i] = nr

	// merge with the right neighbour, then the left one.
	if i+1 < len(s.rs) && s.rs[i].End == s.rs[i+1].Start {
		s.rs[i].End = s.rs[i+1].End
		s.rs = append(s.rs[:i+1], s.rs[i+2:]...)
	}

	if i > 0 && s.rs[i-1].End == s.rs[i].Start {
		s.rs[i-1].End = s.rs[i].End
		s.rs = append(s.rs[:i], s.rs[i+1:]...)
	}

	return nil
}

// find returns the index of the interval holding x, or -1.
func (s *Ranges) find(x uint64) int {
	i := sort.Search(len(s.rs), func(i int) bool { return s.rs[i].End > x })
	if i < len(s.rs) && s.rs[i].Start <= x {
		return i
	}

	return -1
}

// Contains reports whether page x is in the set.
func (s *Ranges) Contains(x uint64) bool {
	return s.find(x) >= 0
}

// ContainsRange reports whether every page of [start, start+n) is in the set.
func (s *Ranges) ContainsRange(start, n uint64) bool {
	if n == 0 {
		return true
	}

	i := s.find(start)

	return i >= 0 && start+n <= s.rs[i].End
}

// IsFree reports whether no page of [start, start+n) is in the set.
func (s *Ranges) IsFree(start, n uint64) bool {
	q := Range{Start: start, End: start + n}
	for _, r := range s.rs {
		if r.overlaps(q) {
			return false
		}
	}

	return true
}

// Intervals returns a copy of the intervals in ascending order.
func (s *Ranges) Intervals() []Range {
	return append([]Range(nil), s.rs...)
}

// FindFree returns the lowest start >= min such that [start, start+n) lies
// inside one interval of within and does not intersect s.
func (s *Ranges) FindFree(within *Ranges, n, min uint64) (uint64, bool) {
	if n == 0 {
		return 0, false
	}

	for _, v := range within.rs {
		start := v.Start
		if start < min {
			start = min
		}

		for start+n <= v.End && start+n > start {
			blocked := false

			for _, used := range s.rs {
				if used.overlaps(Range{Start: start, End: start + n}) {
					start = used.End
					blocked = true

					break
				}
			}

			if !blocked {
				return start, true
			}
		}
	}

	return 0, false
}
