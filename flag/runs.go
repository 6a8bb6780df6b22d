package flag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/kvmguest/cpuid"
	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/machine"
	"github.com/bobuhiro11/kvmguest/probe"
	"github.com/bobuhiro11/kvmguest/selftest"
	"golang.org/x/sys/unix"
)

type CLI struct {
	Config   string `help:"YAML config file." type:"path" short:"c"`
	Dev      string `help:"Path of the kvm device." short:"D"`
	Mem      string `help:"Guest memory size as number[gGmMkK], defaults to M." short:"m"`
	LogLevel string `help:"Log level: debug, info, warn or error." name:"log-level"`

	Probe    ProbeCMD    `cmd:"" help:"Print KVM capabilities and supported CPUID features."`
	Selftest SelftestCMD `cmd:"" help:"Run the built-in guest scenarios."`
	Dump     DumpCMD     `cmd:"" help:"Build a VM with one vCPU and dump its state."`
}

type ProbeCMD struct{}

type SelftestCMD struct {
	Only []string `help:"Scenarios to run, comma separated." sep:","`
	List bool     `help:"List the scenarios and exit."`
}

type DumpCMD struct {
	Indent int `help:"Indentation of the dump." default:"2"`
}

// env is what every subcommand runs with once flags and the config file
// are resolved.
type env struct {
	cfg Config
	out io.Writer
}

func Parse(args []string, out io.Writer) error {
	c := CLI{}

	programName := "kvmguest"
	programDesc := "kvmguest builds small x86-64 KVM guests and checks what the host can run"

	parser, err := kong.New(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.Writers(out, os.Stderr),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
	if err != nil {
		return fault.Violationf(err, "build command line")
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return fault.Violationf(err, "parse arguments")
	}

	e, err := c.resolve(out)
	if err != nil {
		return err
	}

	return ctx.Run(e)
}

func (c *CLI) resolve(out io.Writer) (*env, error) {
	file, err := LoadConfig(c.Config)
	if err != nil {
		return nil, err
	}

	cfg := file.Merge(Config{Dev: c.Dev, Mem: c.Mem, LogLevel: c.LogLevel})

	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	return &env{cfg: cfg, out: out}, nil
}

func (p *ProbeCMD) Run(e *env) error {
	dev, err := os.Open(e.cfg.Dev)
	if err != nil {
		return fault.Skipf(err, "open %s", e.cfg.Dev)
	}
	defer dev.Close()

	d := cpuid.Device{Fd: dev.Fd()}

	if err := probe.Capabilities(e.out, d); err != nil {
		return err
	}

	fmt.Fprintln(e.out)

	return probe.CPUID(e.out, cpuid.NewCache(d), cpuid.Host)
}

func (s *SelftestCMD) Run(e *env) error {
	if s.List {
		for _, n := range selftest.Names() {
			fmt.Fprintln(e.out, n)
		}

		return nil
	}

	mc, err := e.cfg.Machine()
	if err != nil {
		return err
	}

	only := s.Only
	if len(only) == 0 {
		only = e.cfg.Scenarios
	}

	scenarios, err := selftest.Select(selftest.Scenarios(), only)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	_, err = selftest.Run(ctx, mc, scenarios, e.out)

	return err
}

func (d *DumpCMD) Run(e *env) error {
	mc, err := e.cfg.Machine()
	if err != nil {
		return err
	}

	m, err := machine.New(mc)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.InitDescriptorTables(); err != nil {
		return err
	}

	entry, err := m.LoadCode([]byte{0xf4}, 0x400000) // hlt
	if err != nil {
		return err
	}

	cpu, err := m.AddVCPU(0, entry)
	if err != nil {
		return err
	}

	if err := m.InitVCPUDescriptorTables(cpu); err != nil {
		return err
	}

	fmt.Fprintf(e.out, "vCPU %d:\n", cpu)

	if err := m.DumpVCPU(e.out, cpu, d.Indent); err != nil {
		return err
	}

	fmt.Fprintln(e.out, "page tables:")

	return m.DumpPageTables(e.out, d.Indent)
}
