// Package probe reports what the host's KVM offers a guest.
package probe

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/kvm"
)

// Checker answers KVM_CHECK_EXTENSION.
type Checker interface {
	CheckExtension(c kvm.Capability) (int, error)
}

// Capabilities prints one line per x86 capability with the value KVM
// returns for it.
func Capabilities(w io.Writer, c Checker) error {
	for _, capability := range kvm.X86Capabilities() {
		res, err := c.CheckExtension(capability)
		if err != nil {
			return fault.Violationf(err, "check %v", capability)
		}

		fmt.Fprintf(w, "%-30s: %-5t (%d)\n", capability, res != 0, res)
	}

	return nil
}
