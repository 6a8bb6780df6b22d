package cpuid

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/kvm"
	"golang.org/x/sys/unix"
)

// Initial buffer capacities for the grow-and-retry queries.
const (
	InitialCPUIDEntries = 100
	InitialMSRIndices   = 64
)

var (
	ErrNoEntry     = errors.New("cpuid entry not found")
	ErrUnsupported = errors.New("capability not supported")
)

// Querier is the subset of the KVM system ioctls the cache needs. Each
// list query takes a capacity and, when it fails with E2BIG, may report the
// count it needs.
type Querier interface {
	SupportedCPUID(n int) (kvm.CPUIDEntries, uint32, error)
	SupportedHvCPUID(n int) (kvm.CPUIDEntries, uint32, error)
	MSRIndexList(n int) ([]uint32, uint32, error)
	FeatureMSRIndexList(n int) ([]uint32, uint32, error)
	CheckExtension(c kvm.Capability) (int, error)
	FeatureMSRs(entries []kvm.MSREntry) (int, error)
}

// Device queries an open /dev/kvm.
type Device struct {
	Fd uintptr
}

func (d Device) SupportedCPUID(n int) (kvm.CPUIDEntries, uint32, error) {
	return kvm.GetSupportedCPUID(d.Fd, n)
}

func (d Device) SupportedHvCPUID(n int) (kvm.CPUIDEntries, uint32, error) {
	return kvm.GetSupportedHvCPUID(d.Fd, n)
}

func (d Device) MSRIndexList(n int) ([]uint32, uint32, error) {
	return kvm.GetMSRIndexList(d.Fd, n)
}

func (d Device) FeatureMSRIndexList(n int) ([]uint32, uint32, error) {
	return kvm.GetMSRFeatureIndexList(d.Fd, n)
}

func (d Device) CheckExtension(c kvm.Capability) (int, error) {
	return kvm.CheckExtension(d.Fd, c)
}

func (d Device) FeatureMSRs(entries []kvm.MSREntry) (int, error) {
	return kvm.GetMSRs(d.Fd, entries)
}

// Cache holds what KVM reports once per process; every list is fetched on
// first use and read-only afterwards.
type Cache struct {
	q Querier

	cpuidOnce sync.Once
	cpuid     kvm.CPUIDEntries
	cpuidErr  error

	hvOnce sync.Once
	hv     kvm.CPUIDEntries
	hvErr  error

	msrOnce sync.Once
	msrs    []uint32
	msrErr  error

	featOnce sync.Once
	feat     []uint32
	featErr  error

	nestedOnce sync.Once
	nested     int
	nestedErr  error
}

func NewCache(q Querier) *Cache {
	return &Cache{q: q}
}

// grow calls get with a capacity of initial and, on E2BIG, retries once
// with the reported count if it is larger or twice the capacity otherwise.
func grow[T any](op string, initial int, get func(n int) (T, uint32, error)) (T, error) {
	n := initial

	for attempt := 0; ; attempt++ {
		v, need, err := get(n)
		if err == nil {
			return v, nil
		}

		err = classify(err, op, n)
		if !fault.Is(err, fault.Retryable) || attempt == 1 {
			var zero T

			if fault.Is(err, fault.Retryable) {
				err = fault.Violationf(err, "%s: still too small after growing to %d", op, n)
			}

			return zero, err
		}

		if int(need) > n {
			n = int(need)
		} else {
			n *= 2
		}
	}
}

func classify(err error, op string, n int) error {
	if errors.Is(err, unix.E2BIG) {
		return fault.Retry(err, fmt.Sprintf("%s with %d entries", op, n))
	}

	return fault.Violationf(err, "%s", op)
}

// SupportedCPUID is KVM_GET_SUPPORTED_CPUID.
func (c *Cache) SupportedCPUID() (kvm.CPUIDEntries, error) {
	c.cpuidOnce.Do(func() {
		c.cpuid, c.cpuidErr = grow("KVM_GET_SUPPORTED_CPUID", InitialCPUIDEntries, c.q.SupportedCPUID)
	})

	return c.cpuid, c.cpuidErr
}

func (c *Cache) requireCap(capability kvm.Capability) error {
	v, err := c.q.CheckExtension(capability)
	if err != nil {
		return fault.Violationf(err, "check %v", capability)
	}

	if v == 0 {
		return fault.Skipf(ErrUnsupported, "%v", capability)
	}

	return nil
}

// SupportedHvCPUID is KVM_GET_SUPPORTED_HV_CPUID on the system fd.
func (c *Cache) SupportedHvCPUID() (kvm.CPUIDEntries, error) {
	c.hvOnce.Do(func() {
		if c.hvErr = c.requireCap(kvm.CapSysHypervCPUID); c.hvErr != nil {
			return
		}

		c.hv, c.hvErr = grow("KVM_GET_SUPPORTED_HV_CPUID", InitialCPUIDEntries, c.q.SupportedHvCPUID)
	})

	return c.hv, c.hvErr
}

// MSRIndexList is the list of MSRs saved and restored with a vCPU.
func (c *Cache) MSRIndexList() ([]uint32, error) {
	c.msrOnce.Do(func() {
		c.msrs, c.msrErr = grow("KVM_GET_MSR_INDEX_LIST", InitialMSRIndices, c.q.MSRIndexList)
	})

	return c.msrs, c.msrErr
}

// FeatureMSRIndexList is the list of MSRs readable with FeatureMSR.
func (c *Cache) FeatureMSRIndexList() ([]uint32, error) {
	c.featOnce.Do(func() {
		if c.featErr = c.requireCap(kvm.CapGETMSRFeatures); c.featErr != nil {
			return
		}

		c.feat, c.featErr = grow("KVM_GET_MSR_FEATURE_INDEX_LIST", InitialMSRIndices, c.q.FeatureMSRIndexList)
	})

	return c.feat, c.featErr
}

// CheckExtension passes a capability query through to KVM.
func (c *Cache) CheckExtension(capability kvm.Capability) (int, error) {
	return c.q.CheckExtension(capability)
}

// NestedStateSize is the KVM_CAP_NESTED_STATE value: the largest nested
// state KVM may return, or zero without nested virtualization.
func (c *Cache) NestedStateSize() (int, error) {
	c.nestedOnce.Do(func() {
		c.nested, c.nestedErr = c.q.CheckExtension(kvm.CapNestedState)
		if c.nestedErr != nil {
			c.nestedErr = fault.Violationf(c.nestedErr, "check %v", kvm.CapNestedState)
		}
	})

	return c.nested, c.nestedErr
}

// IsSaveRestoreMSR reports whether index is in the MSR index list.
func (c *Cache) IsSaveRestoreMSR(index uint32) (bool, error) {
	list, err := c.MSRIndexList()
	if err != nil {
		return false, err
	}

	for _, i := range list {
		if i == index {
			return true, nil
		}
	}

	return false, nil
}

// FeatureMSR reads one feature MSR from the system fd.
func (c *Cache) FeatureMSR(index uint32) (uint64, error) {
	e := []kvm.MSREntry{{Index: index}}

	n, err := c.q.FeatureMSRs(e)
	if err != nil {
		return 0, fault.Violationf(err, "KVM_GET_MSRS feature %#x", index)
	}

	if n != 1 {
		return 0, fault.Violationf(nil, "KVM_GET_MSRS feature %#x: read %d of 1", index, n)
	}

	return e[0].Data, nil
}

// Entry looks up a supported CPUID entry.
func (c *Cache) Entry(function, index uint32) (kvm.CPUIDEntry2, error) {
	entries, err := c.SupportedCPUID()
	if err != nil {
		return kvm.CPUIDEntry2{}, err
	}

	e, err := Lookup(entries, function, index)
	if err != nil {
		return kvm.CPUIDEntry2{}, err
	}

	return *e, nil
}

// MaxBasic is the highest supported basic leaf.
func (c *Cache) MaxBasic() (uint32, error) {
	e, err := c.Entry(0, 0)

	return e.Eax, err
}

// MaxExtended is the highest supported extended leaf.
func (c *Cache) MaxExtended() (uint32, error) {
	e, err := c.Entry(0x80000000, 0)

	return e.Eax, err
}

// AddressWidth returns the guest physical and virtual address widths,
// following SDM 4.1.4 when leaf 0x80000008 is missing.
func (c *Cache) AddressWidth() (pa, va uint, err error) {
	maxExt, err := c.MaxExtended()
	if err != nil {
		return 0, 0, err
	}

	if maxExt < 0x80000008 {
		e, err := c.Entry(1, 0)
		if err != nil {
			return 0, 0, err
		}

		if Has(e.Edx, PAE) {
			return 36, 32, nil
		}

		return 32, 32, nil
	}

	e, err := c.Entry(0x80000008, 0)
	if err != nil {
		return 0, 0, err
	}

	return uint(e.Eax & 0xff), uint((e.Eax >> 8) & 0xff), nil
}

// HvMerged is the supported set with KVM's own 0x400000xx leaves replaced
// by the Hyper-V ones.
func (c *Cache) HvMerged() (kvm.CPUIDEntries, error) {
	sys, err := c.SupportedCPUID()
	if err != nil {
		return nil, err
	}

	hv, err := c.SupportedHvCPUID()
	if err != nil {
		return nil, err
	}

	return Merge(sys, hv), nil
}

// Lookup returns the entry for function and index.
func Lookup(entries kvm.CPUIDEntries, function, index uint32) (*kvm.CPUIDEntry2, error) {
	for i := range entries {
		if entries[i].Function == function && entries[i].Index == index {
			return &entries[i], nil
		}
	}

	return nil, fault.Violationf(ErrNoEntry, "cpuid function %#x index %#x", function, index)
}

// Set replaces the entry with ent's function and index, reporting whether
// one was found.
func Set(entries kvm.CPUIDEntries, ent kvm.CPUIDEntry2) bool {
	for i := range entries {
		if entries[i].Function == ent.Function && entries[i].Index == ent.Index {
			entries[i] = ent

			return true
		}
	}

	return false
}

// Merge drops the hypervisor leaves [0x40000000, 0x40000100) from primary
// and appends secondary.
func Merge(primary, secondary kvm.CPUIDEntries) kvm.CPUIDEntries {
	out := make(kvm.CPUIDEntries, 0, len(primary)+len(secondary))

	for _, e := range primary {
		if e.Function >= 0x40000000 && e.Function < 0x40000100 {
			continue
		}

		out = append(out, e)
	}

	return append(out, secondary...)
}
