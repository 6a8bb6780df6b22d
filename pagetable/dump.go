package pagetable

import (
	"fmt"
	"io"
	"strings"
)

var levelNames = [...]string{
	Level4K:   "pte  ",
	Level2M:   "pde  ",
	Level1G:   "pdpe ",
	Level512G: "pml4e",
}

func b2u(b bool) int {
	if b {
		return 1
	}

	return 0
}

// Dump writes every present entry, top level first. Leaves, including huge
// ones, add the dirty bit and their virtual page index; a huge leaf's index
// has zeroes below its level.
func (as *AddressSpace) Dump(w io.Writer, indent int) error {
	if !as.rootCreated {
		return nil
	}

	pad := strings.Repeat(" ", indent)

	fmt.Fprintf(w, "%s                                                          no\n", pad)
	fmt.Fprintf(w, "%s      index hvaddr         gpaddr         addr         w exec dirty\n", pad)

	return as.dumpTable(w, pad, as.root, Level512G, 0)
}

func (as *AddressSpace) dumpTable(w io.Writer, pad string, table uint64, l Level, vindex uint64) error {
	for n := 0; n < 512; n++ {
		pte, err := as.readEntry(table, n)
		if err != nil {
			return err
		}

		if !pte.Has(Present) {
			continue
		}

		gpa := table + uint64(n)*8

		hva, err := as.mem.HVA(gpa)
		if err != nil {
			return err
		}

		idx := vindex | uint64(n)<<(9*uint(l-Level4K))
		isLeaf := l == Level4K || (l != Level512G && pte.Has(Large))

		fmt.Fprintf(w, "%s%s 0x%-3x %#x 0x%-12x 0x%-10x %d  %d",
			pad, levelNames[l], n, hva, gpa, pte.PFN(), b2u(pte.Has(Writable)), b2u(pte.Has(NX)))

		if isLeaf {
			fmt.Fprintf(w, "     %d    0x%-10x\n", b2u(pte.Has(Dirty)), idx)

			continue
		}

		fmt.Fprintln(w)

		if pte.Has(Large) {
			continue
		}

		if err := as.dumpTable(w, pad, pte.Frame(), l-1, idx); err != nil {
			return err
		}
	}

	return nil
}
