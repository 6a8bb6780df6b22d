package selftest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"

	"github.com/bobuhiro11/kvmguest/cpuid"
	"github.com/bobuhiro11/kvmguest/descriptor"
	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/machine"
	"github.com/bobuhiro11/kvmguest/memory"
	"github.com/bobuhiro11/kvmguest/migration"
	"github.com/bobuhiro11/kvmguest/pagetable"
	"golang.org/x/sync/errgroup"
)

// xtileData is the AMX tile data XSAVE component.
const xtileData = 18

// Paging maps 4K, 2M and 1G leaves, checks their translations and has a
// guest read through a 2M page. Leaves may point at frames with no RAM
// behind them, such as the local APIC page.
func Paging(_ context.Context, cfg machine.Config) error {
	m, err := machine.New(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	as := m.AddressSpace()
	p := pagetable.Paging{PhysAddrBits: m.PhysAddrBits(), NXE: true}

	// a 2M aligned physical block
	gpa, err := m.Memory().AllocPages(2*512, 0)
	if err != nil {
		return fault.Violationf(err, "physical block")
	}

	huge := (gpa + pagetable.Level2M.Size() - 1) &^ (pagetable.Level2M.Size() - 1)

	const (
		va2M = 0x80000000
		va1G = 0x40000000
		va4K = 0x7ff000
		apic = 0xfee00000
	)

	for _, mp := range []struct {
		vaddr, paddr uint64
		level        pagetable.Level
	}{
		{va4K, huge + 0x3000, pagetable.Level4K},
		{va2M, huge, pagetable.Level2M},
		{va1G, va1G, pagetable.Level1G},
		{apic, apic, pagetable.Level4K},
	} {
		if err := as.Map(mp.vaddr, mp.paddr, mp.level); err != nil {
			return err
		}

		size := mp.level.Size()
		for _, off := range []uint64{0, 1, size / 2, size - 1} {
			got, err := as.Translate(p, mp.vaddr+off)
			if err != nil {
				return err
			}

			if err := check(got == mp.paddr+off, "translate %#x at %v: got %#x, want %#x",
				mp.vaddr+off, mp.level, got, mp.paddr+off); err != nil {
				return err
			}
		}
	}

	if err := as.Map(va2M, huge, pagetable.Level2M); !errors.Is(err, pagetable.ErrDuplicate) {
		return check(false, "duplicate 2M map: got %v, want %v", err, pagetable.ErrDuplicate)
	}

	if err := as.Map(va2M+0x1000, huge, pagetable.Level4K); !errors.Is(err, pagetable.ErrConflict) {
		return check(false, "4K map under a 2M leaf: got %v, want %v", err, pagetable.ErrConflict)
	}

	if _, err := as.Translate(p, 0x0000_8000_0000_0000); !errors.Is(err, pagetable.ErrNonCanonical) {
		return check(false, "non-canonical translate: got %v, want %v", err, pagetable.ErrNonCanonical)
	}

	const want = 0x1122334455667788

	b, err := m.Memory().Slice(huge+0x1ff8, 8)
	if err != nil {
		return fault.Violationf(err, "host view of %#x", huge+0x1ff8)
	}

	binary.LittleEndian.PutUint64(b, want)

	cpu, err := addGuest(m, loadGuest(va2M+0x1ff8))
	if err != nil {
		return err
	}

	uc, err := expect(m, cpu, descriptor.UcallDone)
	if err != nil {
		return err
	}

	return check(uc.Arg == want, "guest read through 2M page: got %#x, want %#x", uc.Arg, uint64(want))
}

// Exceptions installs a #UD handler on one vCPU and leaves #BP unhandled
// on another.
func Exceptions(_ context.Context, cfg machine.Config) error {
	m, err := machine.New(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.InitDescriptorTables(); err != nil {
		return err
	}

	handler, err := m.LoadCode(skipRIPHandler(), codeMin)
	if err != nil {
		return err
	}

	if err := m.InstallExceptionHandler(6, handler); err != nil {
		return err
	}

	handled, err := addGuest(m, append([]byte{0x0f, 0x0b}, descriptor.UcallCode(descriptor.UcallDone)...))
	if err != nil {
		return err
	}

	unhandled, err := addGuest(m, []byte{0xcc, 0xf4}) // int3; hlt
	if err != nil {
		return err
	}

	for _, cpu := range []int{handled, unhandled} {
		if err := m.InitVCPUDescriptorTables(cpu); err != nil {
			return err
		}
	}

	if _, err := expect(m, handled, descriptor.UcallDone); err != nil {
		return err
	}

	if err := m.AssertNoUnhandledException(handled); err != nil {
		return err
	}

	uc, err := expect(m, unhandled, descriptor.UcallUnhandled)
	if err != nil {
		return err
	}

	if err := check(uc.Arg == 3, "unhandled vector: got %d, want 3", uc.Arg); err != nil {
		return err
	}

	if err := m.AssertNoUnhandledException(unhandled); !errors.Is(err, machine.ErrUnhandled) {
		return check(false, "unhandled #BP: got %v, want %v", err, machine.ErrUnhandled)
	}

	return nil
}

// State saves a vCPU stopped in the middle of its program, restores it in
// place, saves again and resumes.
func State(_ context.Context, cfg machine.Config) error {
	m, err := machine.New(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.RequestXSavePerm(xtileData); err != nil {
		if !fault.Is(err, fault.Skip) {
			return err
		}

		slog.Debug("no amx tile data", "err", err)
	}

	cpu, err := addGuest(m, counterGuest())
	if err != nil {
		return err
	}

	if _, err := expect(m, cpu, descriptor.UcallSync); err != nil {
		return err
	}

	first, err := m.SaveCPUState(cpu)
	if err != nil {
		return err
	}
	defer first.Release()

	if err := m.RestoreCPUState(cpu, first); err != nil {
		return err
	}

	second, err := m.SaveCPUState(cpu)
	if err != nil {
		return err
	}
	defer second.Release()

	if err := sameState(first, second, "restore"); err != nil {
		return err
	}

	uc, err := expect(m, cpu, descriptor.UcallDone)
	if err != nil {
		return err
	}

	return check(uc.Arg == 43, "resumed guest: got %d, want 43", uc.Arg)
}

// Migrate stops a guest on one VM, streams its vCPU state and memory to a
// second VM built the same way and finishes the program there.
func Migrate(ctx context.Context, cfg machine.Config) error {
	src, err := machine.New(cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := machine.New(cfg)
	if err != nil {
		return err
	}
	defer dst.Close()

	cpus := make([]int, 2)

	for i, m := range []*machine.Machine{src, dst} {
		if cpus[i], err = addGuest(m, counterGuest()); err != nil {
			return err
		}
	}

	if _, err := expect(src, cpus[0], descriptor.UcallSync); err != nil {
		return err
	}

	state, err := src.SaveCPUState(cpus[0])
	if err != nil {
		return err
	}
	defer state.Release()

	mem, err := src.MemoryBytes()
	if err != nil {
		return err
	}

	snap := &migration.Snapshot{MemSize: len(mem), VCPUs: []migration.VCPUState{*state}}

	// one pipe per direction: the stream forward, ready back
	pr, pw := io.Pipe()
	rr, rw := io.Pipe()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := migration.NewSender(pw).Send(snap, mem)
		pw.CloseWithError(err)

		if err != nil {
			return err
		}

		_, err = migration.NewReceiver(rr).Expect(migration.MsgReady)
		rr.CloseWithError(err)

		return err
	})

	g.Go(func() error {
		err := receive(ctx, dst, cpus[1], migration.NewReceiver(pr))
		if err != nil {
			pr.CloseWithError(err)
			rw.CloseWithError(err)

			return err
		}

		err = migration.NewSender(rw).SendReady()
		rw.CloseWithError(err)

		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	restored, err := dst.SaveCPUState(cpus[1])
	if err != nil {
		return err
	}
	defer restored.Release()

	if err := sameState(state, restored, "migration"); err != nil {
		return err
	}

	uc, err := expect(dst, cpus[1], descriptor.UcallDone)
	if err != nil {
		return err
	}

	return check(uc.Arg == 43, "migrated guest: got %d, want 43", uc.Arg)
}

// receive restores a migration stream onto cpu of dst.
func receive(ctx context.Context, dst *machine.Machine, cpu int, r *migration.Receiver) error {
	got, mem, err := r.Receive()
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := check(len(got.VCPUs) == 1, "received %d vcpus, want 1", len(got.VCPUs)); err != nil {
		return err
	}

	if err := dst.LoadMemory(mem); err != nil {
		return err
	}

	return dst.RestoreCPUState(cpu, &got.VCPUs[0])
}

// sameState compares the register blocks KVM must hand back unchanged.
func sameState(want, got *migration.VCPUState, across string) error {
	for _, c := range []struct {
		name      string
		got, want []byte
	}{
		{"regs", got.Regs, want.Regs},
		{"sregs", got.Sregs, want.Sregs},
		{"xcrs", got.XCRS, want.XCRS},
		{"xsave", got.XSave, want.XSave},
	} {
		if err := check(bytes.Equal(c.got, c.want), "%s changed across %s", c.name, across); err != nil {
			return err
		}
	}

	return nil
}

// MSRList checks that the saved MSR list is stable and that every feature
// MSR can be read.
func MSRList(_ context.Context, cfg machine.Config) error {
	m, err := machine.New(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	cached, err := m.Caps().MSRIndexList()
	if err != nil {
		return err
	}

	fresh, err := cpuid.NewCache(cpuid.Device{Fd: m.KVMFd()}).MSRIndexList()
	if err != nil {
		return err
	}

	if err := check(len(cached) == len(fresh), "msr index list: %d then %d entries", len(cached), len(fresh)); err != nil {
		return err
	}

	for i := range cached {
		if err := check(cached[i] == fresh[i], "msr %d: %#x then %#x", i, cached[i], fresh[i]); err != nil {
			return err
		}
	}

	cpu, err := addGuest(m, counterGuest())
	if err != nil {
		return err
	}

	st, err := m.SaveCPUState(cpu)
	if err != nil {
		return err
	}
	defer st.Release()

	if err := check(len(st.MSRs) == len(cached), "saved %d msrs, list has %d", len(st.MSRs), len(cached)); err != nil {
		return err
	}

	features, err := m.Caps().FeatureMSRIndexList()
	if fault.Is(err, fault.Skip) {
		slog.Debug("no feature msrs", "err", err)

		return nil
	}

	if err != nil {
		return err
	}

	for _, idx := range features {
		if _, err := m.Caps().FeatureMSR(idx); err != nil {
			return err
		}
	}

	return nil
}

// CPUID compares a vCPU's CPUID table with the supported one and, when
// the host has them, loads the Hyper-V leaves.
func CPUID(_ context.Context, cfg machine.Config) error {
	m, err := machine.New(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	cpu, err := addGuest(m, counterGuest())
	if err != nil {
		return err
	}

	got, err := m.VCPUCPUID(cpu)
	if err != nil {
		return err
	}

	want, err := m.Caps().SupportedCPUID()
	if err != nil {
		return err
	}

	if err := check(len(got) > 0 && len(got) <= len(want), "vcpu cpuid: %d entries, supported %d", len(got), len(want)); err != nil {
		return err
	}

	// KVM may drop leaves it does not emulate for this vCPU, never add them.
	for _, e := range got {
		if _, err := cpuid.Lookup(want, e.Function, e.Index); err != nil {
			return err
		}
	}

	pa, va, err := m.Caps().AddressWidth()
	if err != nil {
		return err
	}

	if err := check(pa >= 32 && pa <= 52 && va >= 32 && va <= 57, "address width pa %d va %d", pa, va); err != nil {
		return err
	}

	maxGFN := cpuid.MaxGFN(cpuid.Host, pa, memory.PageShift)
	if err := check(m.AddressSpace().MaxGFN() == maxGFN, "max gfn: got %#x, want %#x", m.AddressSpace().MaxGFN(), maxGFN); err != nil {
		return err
	}

	if err := m.SetHvCPUID(cpu); err != nil {
		return err
	}

	_, err = expect(m, cpu, descriptor.UcallSync)

	return err
}
