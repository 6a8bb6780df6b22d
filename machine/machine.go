// Package machine runs OS-less x86-64 guests on KVM: one VM with a flat
// memslot, 4-level page tables, long mode vCPUs and a port based ucall
// channel back to the host.
package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"unsafe"

	"github.com/bobuhiro11/kvmguest/cpuid"
	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/kvm"
	"github.com/bobuhiro11/kvmguest/memory"
	"github.com/bobuhiro11/kvmguest/pagetable"
	"golang.org/x/sys/unix"
)

var (
	ErrBadCPU       = errors.New("bad cpu number")
	ErrAPIVersion   = errors.New("unexpected KVM API version")
	ErrMemSize      = errors.New("memory size too small")
	ErrNoVAddr      = errors.New("no free virtual address range")
	ErrBadArgCount  = errors.New("bad argument count")
	ErrPartialMSRs  = errors.New("partial msr access")
	ErrNoTables     = errors.New("descriptor tables not initialized")
	ErrUnhandled    = errors.New("unhandled exception")
	ErrNotIOExit    = errors.New("vcpu did not stop on a completed exit")
	ErrXSaveFeature = errors.New("xsave feature not available")
	ErrXSavePerm    = errors.New("xsave permission not granted")
	ErrNestedSize   = errors.New("nested state larger than supported")
)

// Config selects the device node and guest memory size.
type Config struct {
	Dev     string
	MemSize int
}

type vcpu struct {
	id     int
	fd     uintptr
	runMap []byte
	run    *kvm.RunData
	last   Ucall
}

// Machine is one VM with its guest memory, page tables and vCPUs.
type Machine struct {
	dev         *os.File
	kvmFd, vmFd uintptr
	mmapSize    int

	caps *cpuid.Cache
	mem  *memory.Memory
	as   *pagetable.AddressSpace

	// virtual pages handed out by VAddrAlloc
	vpages memory.Ranges

	paBits, vaBits uint

	vcpus []*vcpu

	gdt, tss                       uint64
	idt, handlers, stubs, dispatch uint64
	tablesReady                    bool
}

// New opens the device, creates a VM, maps guest memory into slot 0 and
// creates an empty page table tree.
func New(cfg Config) (*Machine, error) {
	if cfg.Dev == "" {
		cfg.Dev = DefaultDev
	}

	if cfg.MemSize == 0 {
		cfg.MemSize = DefaultMemSize
	}

	if cfg.MemSize < MinMemSize {
		return nil, fault.Violationf(ErrMemSize, "%#x < %#x", cfg.MemSize, MinMemSize)
	}

	dev, err := os.OpenFile(cfg.Dev, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fault.Skipf(err, "open %s", cfg.Dev)
	}

	m := &Machine{dev: dev, kvmFd: dev.Fd()}

	if err := m.init(cfg); err != nil {
		m.Close()

		return nil, err
	}

	slog.Debug("vm created", "dev", cfg.Dev, "mem", cfg.MemSize,
		"pa_bits", m.paBits, "va_bits", m.vaBits, "max_gfn", m.as.MaxGFN())

	return m, nil
}

func (m *Machine) init(cfg Config) error {
	v, err := kvm.GetAPIVersion(m.kvmFd)
	if err != nil {
		return fault.Violationf(err, "KVM_GET_API_VERSION")
	}

	if v != kvm.APIVersion {
		return fault.Violationf(ErrAPIVersion, "got %d, want %d", v, kvm.APIVersion)
	}

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return fault.Violationf(err, "KVM_CREATE_VM")
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return fault.Violationf(err, "KVM_SET_TSS_ADDR")
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return fault.Violationf(err, "KVM_SET_IDENTITY_MAP_ADDR")
	}

	// MSRs such as MSR_KVM_ASYNC_PF_INT only restore with an in-kernel LAPIC.
	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return fault.Violationf(err, "KVM_CREATE_IRQCHIP")
	}

	size, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return fault.Violationf(err, "KVM_GET_VCPU_MMAP_SIZE")
	}

	m.mmapSize = int(size)
	m.caps = cpuid.NewCache(cpuid.Device{Fd: m.kvmFd})

	if m.mem, err = memory.New(cfg.MemSize); err != nil {
		return fault.Violationf(err, "guest memory")
	}

	if err := kvm.SetUserMemoryRegion(m.vmFd, m.mem.Region(0)); err != nil {
		return fault.Violationf(err, "KVM_SET_USER_MEMORY_REGION")
	}

	if m.paBits, m.vaBits, err = m.caps.AddressWidth(); err != nil {
		return err
	}

	maxGFN := cpuid.MaxGFN(cpuid.Host, m.paBits, memory.PageShift)

	if m.as, err = pagetable.New(pagetable.ModePXXV48_4K, m.mem, maxGFN); err != nil {
		return err
	}

	return m.as.EnsureRoot()
}

// Close releases every vCPU, the VM and guest memory. It is safe on a
// partially constructed Machine.
func (m *Machine) Close() error {
	var errs []error

	for _, v := range m.vcpus {
		if v.runMap != nil {
			errs = append(errs, unix.Munmap(v.runMap))
		}

		errs = append(errs, unix.Close(int(v.fd)))
	}

	m.vcpus = nil

	if m.vmFd != 0 {
		errs = append(errs, unix.Close(int(m.vmFd)))
		m.vmFd = 0
	}

	if m.mem != nil {
		errs = append(errs, m.mem.Close())
		m.mem = nil
	}

	if m.dev != nil {
		errs = append(errs, m.dev.Close())
		m.dev = nil
	}

	return errors.Join(errs...)
}

// Caps is the capability cache shared by every vCPU of this VM.
func (m *Machine) Caps() *cpuid.Cache {
	return m.caps
}

// Memory is the guest physical arena.
func (m *Machine) Memory() *memory.Memory {
	return m.mem
}

// AddressSpace is the guest page table tree.
func (m *Machine) AddressSpace() *pagetable.AddressSpace {
	return m.as
}

// KVMFd is the open device; VMFd the VM.
func (m *Machine) KVMFd() uintptr { return m.kvmFd }

func (m *Machine) VMFd() uintptr { return m.vmFd }

// PhysAddrBits is the guest physical address width.
func (m *Machine) PhysAddrBits() uint { return m.paBits }

// NumVCPUs is the number of vCPUs added so far.
func (m *Machine) NumVCPUs() int { return len(m.vcpus) }

func (m *Machine) vcpu(cpu int) (*vcpu, error) {
	if cpu < 0 || cpu >= len(m.vcpus) {
		return nil, fault.Violationf(ErrBadCPU, "cpu %d of %d", cpu, len(m.vcpus))
	}

	return m.vcpus[cpu], nil
}

// CPUToFD translates a cpu number to an fd.
func (m *Machine) CPUToFD(cpu int) (uintptr, error) {
	v, err := m.vcpu(cpu)
	if err != nil {
		return 0, err
	}

	return v.fd, nil
}

// RunData returns the shared kvm_run page of cpu.
func (m *Machine) RunData(cpu int) (*kvm.RunData, error) {
	v, err := m.vcpu(cpu)
	if err != nil {
		return nil, err
	}

	return v.run, nil
}

// LoadMemory overwrites all of guest memory with b, which must be exactly
// as large. It is how a migration destination takes over the source's
// page tables, code and data.
func (m *Machine) LoadMemory(b []byte) error {
	dst, err := m.mem.Slice(0, m.mem.Size())
	if err != nil {
		return err
	}

	if len(b) != len(dst) {
		return fault.Violationf(ErrMemSize, "load %d bytes into %d", len(b), len(dst))
	}

	copy(dst, b)

	return nil
}

// MemoryBytes is a live view of all of guest memory.
func (m *Machine) MemoryBytes() ([]byte, error) {
	return m.mem.Slice(0, m.mem.Size())
}

func (m *Machine) newVCPU(id int) (*vcpu, error) {
	fd, err := kvm.CreateVCPU(m.vmFd, id)
	if err != nil {
		return nil, fault.Violationf(err, "KVM_CREATE_VCPU %d", id)
	}

	r, err := unix.Mmap(int(fd), 0, m.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))

		return nil, fault.Violationf(err, "mmap kvm_run of vcpu %d", id)
	}

	return &vcpu{id: id, fd: fd, runMap: r, run: (*kvm.RunData)(unsafe.Pointer(&r[0]))}, nil
}

func (v *vcpu) String() string {
	return fmt.Sprintf("vcpu%d", v.id)
}
