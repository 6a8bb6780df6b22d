package probe_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bobuhiro11/kvmguest/cpuid"
	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/kvm"
	"github.com/bobuhiro11/kvmguest/probe"
)

var errIoctl = errors.New("ioctl failed")

type checker map[kvm.Capability]int

func (c checker) CheckExtension(capability kvm.Capability) (int, error) {
	if v, ok := c[capability]; ok && v < 0 {
		return 0, errIoctl
	}

	return c[capability], nil
}

func TestCapabilities(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	if err := probe.Capabilities(&buf, checker{kvm.CapXSave2: 4096, kvm.CapNestedState: 0}); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != len(kvm.X86Capabilities()) {
		t.Fatalf("lines: got %d, want %d", len(lines), len(kvm.X86Capabilities()))
	}

	for _, want := range []string{"CapXSave2", "true  (4096)", "CapNestedState"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("report is missing %q:\n%s", want, buf.String())
		}
	}

	err := probe.Capabilities(&buf, checker{kvm.CapXCRS: -1})
	if !errors.Is(err, errIoctl) || !fault.Is(err, fault.Violation) {
		t.Fatalf("Capabilities: got %v, want %v violation", err, errIoctl)
	}
}

// querier serves a fixed supported CPUID table.
type querier struct {
	entries kvm.CPUIDEntries
}

func (q querier) SupportedCPUID(int) (kvm.CPUIDEntries, uint32, error) { return q.entries, 0, nil }

func (q querier) SupportedHvCPUID(int) (kvm.CPUIDEntries, uint32, error) { return nil, 0, nil }

func (q querier) MSRIndexList(int) ([]uint32, uint32, error) { return nil, 0, nil }

func (q querier) FeatureMSRIndexList(int) ([]uint32, uint32, error) { return nil, 0, nil }

func (q querier) CheckExtension(kvm.Capability) (int, error) { return 0, nil }

func (q querier) FeatureMSRs([]kvm.MSREntry) (int, error) { return 0, nil }

func intelHost(leaf, _ uint32) (uint32, uint32, uint32, uint32) {
	if leaf != 0 {
		return 0, 0, 0, 0
	}

	// "GenuineIntel" in ebx, edx, ecx order
	return 0xd, 0x756e6547, 0x6c65746e, 0x49656e69
}

func TestCPUID(t *testing.T) {
	t.Parallel()

	c := cpuid.NewCache(querier{entries: kvm.CPUIDEntries{
		{Function: 0, Eax: 0xd},
		{Function: 1, Edx: cpuid.Bit(cpuid.FPU) | cpuid.Bit(cpuid.PAE)},
		{Function: 7, Index: 0, Edx: cpuid.Bit(cpuid.AMX_TILE)},
		{Function: 0xd, Index: 1, Eax: cpuid.Bit(cpuid.XFD)},
		{Function: 0x80000000, Eax: 0x80000008},
		{Function: 0x80000008, Eax: 0x3028},
	}})

	var buf bytes.Buffer

	if err := probe.CPUID(&buf, c, intelHost); err != nil {
		t.Fatal(err)
	}

	out := buf.String()

	for _, want := range []string{
		"vendor GenuineIntel, 6 supported entries",
		"F_1_Edx.\n* Enabled: FPU PAE\n",
		"F_7_0_Edx.\n* Enabled: AMX_TILE\n",
		"F_D_1_Eax.\n* Enabled: XFD\n",
		"address width: physical 40, virtual 48",
		"max gfn: 0xfffffff",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report is missing %q:\n%s", want, out)
		}
	}
}
