package probe

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/kvmguest/cpuid"
	"github.com/bobuhiro11/kvmguest/kvm"
	"github.com/bobuhiro11/kvmguest/machine"
	"github.com/bobuhiro11/kvmguest/memory"
)

// CPUID prints the feature bits KVM can pass to a guest, then the guest
// address widths derived from them.
func CPUID(w io.Writer, c *cpuid.Cache, host cpuid.HostFunc) error {
	entries, err := c.SupportedCPUID()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "vendor %s, %d supported entries\n\n", cpuid.Vendor(host), len(entries))

	printEntries(w, entries)

	pa, va, err := c.AddressWidth()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "address width: physical %d, virtual %d\n", pa, va)
	fmt.Fprintf(w, "max gfn: %#x\n", cpuid.MaxGFN(host, pa, memory.PageShift))

	if cpuid.IsIntel(host) {
		fmt.Fprintf(w, "unrestricted guest: %t\n", machine.IsUnrestrictedGuest())
	}

	return nil
}

func printEntries(w io.Writer, entries kvm.CPUIDEntries) {
	for _, e := range entries {
		switch {
		case e.Function == 1:
			fmt.Fprintf(w, "F_1_Edx.\n")
			printFeatures(w, cpuid.AllF1Edx, e.Edx)
		case e.Function == 7 && e.Index == 0:
			fmt.Fprintf(w, "F_7_0_Edx.\n")
			printFeatures(w, cpuid.AllF7_0Edx, e.Edx)
		case e.Function == 0xd && e.Index == 1:
			fmt.Fprintf(w, "F_D_1_Eax.\n")
			printFeatures(w, cpuid.AllFD_1Eax, e.Eax)
		}
	}
}

func printFeatures[T cpuid.Feature](w io.Writer, features []T, reg uint32) {
	enabled := []T{}
	disabled := []T{}

	for _, f := range features {
		if cpuid.Has(reg, f) {
			enabled = append(enabled, f)
		} else {
			disabled = append(disabled, f)
		}
	}

	fmt.Fprintf(w, "* Enabled:")

	for _, f := range enabled {
		fmt.Fprintf(w, " %s", f.String())
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, f := range disabled {
		fmt.Fprintf(w, " %s", f.String())
	}

	fmt.Fprintf(w, "\n\n")
}
