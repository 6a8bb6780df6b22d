package selftest_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/bobuhiro11/kvmguest/fault"
	"github.com/bobuhiro11/kvmguest/machine"
	"github.com/bobuhiro11/kvmguest/selftest"
	"github.com/google/go-cmp/cmp"
)

var errBoom = errors.New("boom")

func fake(name string, err error) selftest.Scenario {
	return selftest.Scenario{
		Name: name,
		Run:  func(context.Context, machine.Config) error { return err },
	}
}

func names(ss []selftest.Scenario) []string {
	var out []string
	for _, s := range ss {
		out = append(out, s.Name)
	}

	return out
}

func TestSelect(t *testing.T) {
	t.Parallel()

	all := selftest.Scenarios()

	for _, tt := range []struct {
		name string
		only []string
		want []string
	}{
		{name: "All", want: selftest.Names()},
		{name: "One", only: []string{"state"}, want: []string{"state"}},
		{name: "RunOrder", only: []string{"cpuid", "paging"}, want: []string{"paging", "cpuid"}},
		{name: "Repeated", only: []string{"migrate", "migrate"}, want: []string{"migrate"}},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := selftest.Select(all, tt.only)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.want, names(got)); diff != "" {
				t.Fatalf("Select(%v) mismatch (-want +got):\n%s", tt.only, diff)
			}
		})
	}
}

func TestSelectUnknown(t *testing.T) {
	t.Parallel()

	_, err := selftest.Select(selftest.Scenarios(), []string{"paging", "nope"})
	if !errors.Is(err, selftest.ErrUnknownScenario) || !fault.Is(err, fault.Violation) {
		t.Fatalf("Select: got %v, want %v violation", err, selftest.ErrUnknownScenario)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	for s, want := range map[selftest.Status]string{
		selftest.Pass:      "PASS",
		selftest.Skip:      "SKIP",
		selftest.Fail:      "FAIL",
		selftest.Status(9): "Status(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String(): got %q, want %q", int(s), got, want)
		}
	}
}

func TestRunAggregate(t *testing.T) {
	t.Parallel()

	skip := fault.Skipf(errBoom, "no feature")
	fail := fault.Violationf(errBoom, "broken")

	for _, tt := range []struct {
		name      string
		scenarios []selftest.Scenario
		statuses  []selftest.Status
		kind      fault.Kind
		wantErr   bool
	}{
		{
			name:      "AllPass",
			scenarios: []selftest.Scenario{fake("a", nil), fake("b", nil)},
			statuses:  []selftest.Status{selftest.Pass, selftest.Pass},
		},
		{
			name:      "PassAndSkip",
			scenarios: []selftest.Scenario{fake("a", skip), fake("b", nil)},
			statuses:  []selftest.Status{selftest.Skip, selftest.Pass},
		},
		{
			name:      "AllSkipped",
			scenarios: []selftest.Scenario{fake("a", skip), fake("b", skip)},
			statuses:  []selftest.Status{selftest.Skip, selftest.Skip},
			kind:      fault.Skip,
			wantErr:   true,
		},
		{
			name:      "FailWins",
			scenarios: []selftest.Scenario{fake("a", skip), fake("b", fail), fake("c", nil)},
			statuses:  []selftest.Status{selftest.Skip, selftest.Fail, selftest.Pass},
			kind:      fault.Violation,
			wantErr:   true,
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer

			results, err := selftest.Run(context.Background(), machine.Config{}, tt.scenarios, &buf)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run: got %v, want error %v", err, tt.wantErr)
			}

			if tt.wantErr && !fault.Is(err, tt.kind) {
				t.Fatalf("Run: got tier %v, want %v", fault.KindOf(err), tt.kind)
			}

			var got []selftest.Status
			for _, r := range results {
				got = append(got, r.Status)
			}

			if diff := cmp.Diff(tt.statuses, got); diff != "" {
				t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
			}

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != len(tt.scenarios) {
				t.Fatalf("report: got %d lines, want %d\n%s", len(lines), len(tt.scenarios), buf.String())
			}

			for i, line := range lines {
				if !strings.HasPrefix(line, tt.statuses[i].String()+" "+tt.scenarios[i].Name) {
					t.Fatalf("report line %d: got %q", i, line)
				}
			}
		})
	}
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := selftest.Run(ctx, machine.Config{}, []selftest.Scenario{fake("a", nil)}, &bytes.Buffer{})
	if !errors.Is(err, context.Canceled) || len(results) != 0 {
		t.Fatalf("Run: got %d results and %v, want none and %v", len(results), err, context.Canceled)
	}
}

func TestBuiltin(t *testing.T) {
	t.Parallel()

	if os.Getuid() != 0 {
		t.Skipf("Skipping test since we are not root")
	}

	if _, err := os.Stat(machine.DefaultDev); err != nil {
		t.Skipf("Skipping test since %s is missing", machine.DefaultDev)
	}

	for _, s := range selftest.Scenarios() {
		s := s
		t.Run(s.Name, func(t *testing.T) {
			t.Parallel()

			err := s.Run(context.Background(), machine.Config{})
			if fault.Is(err, fault.Skip) {
				t.Skip(err)
			}

			if err != nil {
				t.Fatal(err)
			}
		})
	}
}
