package kvm_test

import (
	"strings"
	"testing"

	"github.com/bobuhiro11/kvmguest/kvm"
)

func TestCapabilityString(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		value kvm.Capability
		want  string
	}{
		{value: kvm.CapIRQChip, want: "CapIRQChip"},
		{value: kvm.CapXCRS, want: "CapXCRS"},
		{value: kvm.CapNestedState, want: "CapNestedState"},
		{value: kvm.CapXSave2, want: "CapXSave2"},
		{value: kvm.CapSysAttributes, want: "CapSysAttributes"},
		{value: kvm.Capability(255), want: "Capability(255)"},
	} {
		if got := tt.value.String(); got != tt.want {
			t.Errorf("Capability(%d).String(): got %q, want %q", uint(tt.value), got, tt.want)
		}
	}
}

func TestX86Capabilities(t *testing.T) {
	t.Parallel()

	caps := kvm.X86Capabilities()

	for i, c := range caps {
		if strings.HasPrefix(c.String(), "Capability(") {
			t.Fatalf("capability %d has no name", uint(c))
		}

		if i > 0 && caps[i-1] >= c {
			t.Fatalf("X86Capabilities: %v before %v", caps[i-1], c)
		}
	}

	for _, want := range []kvm.Capability{kvm.CapXSave2, kvm.CapNestedState, kvm.CapGETMSRFeatures, kvm.CapSysHypervCPUID} {
		found := false

		for _, c := range caps {
			if c == want {
				found = true
			}
		}

		if !found {
			t.Fatalf("X86Capabilities is missing %v", want)
		}
	}
}
