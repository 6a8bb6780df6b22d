// Package selftest runs built-in guest scenarios against /dev/kvm and
// reports PASS, SKIP or FAIL for each.
package selftest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/machine"
)

var (
	ErrUnknownScenario = errors.New("unknown scenario")
	ErrAllSkipped      = errors.New("every scenario skipped")
	ErrCheck           = errors.New("check failed")
)

// Status is the outcome of one scenario.
type Status int

const (
	Pass Status = iota
	Skip
	Fail
)

func (s Status) String() string {
	switch s {
	case Pass:
		return "PASS"
	case Skip:
		return "SKIP"
	case Fail:
		return "FAIL"
	}

	return fmt.Sprintf("Status(%d)", int(s))
}

// Scenario is one named self test. Run builds whatever machines it needs
// from cfg and closes them before returning.
type Scenario struct {
	Name string
	Run  func(ctx context.Context, cfg machine.Config) error
}

// Result records how a scenario ended.
type Result struct {
	Name     string
	Status   Status
	Err      error
	Duration time.Duration
}

// Scenarios lists every built-in scenario in run order.
func Scenarios() []Scenario {
	return []Scenario{
		{Name: "paging", Run: Paging},
		{Name: "exceptions", Run: Exceptions},
		{Name: "state", Run: State},
		{Name: "migrate", Run: Migrate},
		{Name: "msr-list", Run: MSRList},
		{Name: "cpuid", Run: CPUID},
	}
}

// Names lists the built-in scenario names.
func Names() []string {
	var names []string
	for _, s := range Scenarios() {
		names = append(names, s.Name)
	}

	return names
}

// Select returns the scenarios named in only, in their run order, or all
// of them when only is empty.
func Select(all []Scenario, only []string) ([]Scenario, error) {
	if len(only) == 0 {
		return all, nil
	}

	want := make(map[string]bool, len(only))

	for _, n := range only {
		found := false

		for _, s := range all {
			if s.Name == n {
				found = true
			}
		}

		if !found {
			return nil, fault.Violationf(ErrUnknownScenario, "%q", n)
		}

		want[n] = true
	}

	var out []Scenario

	for _, s := range all {
		if want[s.Name] {
			out = append(out, s)
		}
	}

	return out, nil
}

// Run runs scenarios in order, writing one line per result to w. The
// returned error is the first failure, a skip when nothing passed and
// something skipped, or nil.
func Run(ctx context.Context, cfg machine.Config, scenarios []Scenario, w io.Writer) ([]Result, error) {
	results := make([]Result, 0, len(scenarios))

	var firstFail error

	for _, s := range scenarios {
		if err := ctx.Err(); err != nil {
			return results, fault.Violationf(err, "selftest %s", s.Name)
		}

		start := time.Now()
		err := s.Run(ctx, cfg)
		r := Result{Name: s.Name, Err: err, Duration: time.Since(start)}

		switch {
		case err == nil:
			r.Status = Pass
		case fault.Is(err, fault.Skip):
			r.Status = Skip
		default:
			r.Status = Fail

			if firstFail == nil {
				firstFail = fmt.Errorf("%s: %w", s.Name, err)
			}
		}

		results = append(results, r)

		slog.Debug("scenario finished", "name", s.Name, "status", r.Status, "duration", r.Duration, "err", err)

		if err != nil {
			fmt.Fprintf(w, "%s %-10s %v\n", r.Status, s.Name, err)
		} else {
			fmt.Fprintf(w, "%s %-10s (%v)\n", r.Status, s.Name, r.Duration.Round(time.Millisecond))
		}
	}

	if firstFail != nil {
		return results, firstFail
	}

	for _, r := range results {
		if r.Status == Pass {
			return results, nil
		}
	}

	if len(results) > 0 {
		return results, fault.Skipf(ErrAllSkipped, "%d scenarios", len(results))
	}

	return results, nil
}

// check returns a violation built from format unless ok.
func check(ok bool, format string, args ...any) error {
	if ok {
		return nil
	}

	return fault.Violationf(ErrCheck, format, args...)
}
