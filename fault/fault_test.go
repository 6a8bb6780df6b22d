package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bobuhiro11/kvmguest/fault"
)

func TestCode(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("sentinel")

	for _, tt := range []struct {
		name string
		err  error
		want int
	}{
		{name: "Nil", err: nil, want: fault.ExitOK},
		{name: "Plain", err: sentinel, want: fault.ExitViolation},
		{name: "Violation", err: fault.Violationf(sentinel, "map %#x", 0x1000), want: fault.ExitViolation},
		{name: "Skip", err: fault.Skipf(sentinel, "xsave"), want: fault.ExitSkip},
		{name: "WrappedSkip", err: fmt.Errorf("capture: %w", fault.Skipf(sentinel, "nested")), want: fault.ExitSkip},
		{name: "Retryable", err: fault.Retry(sentinel, "cpuid"), want: fault.ExitViolation},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := fault.Code(tt.err); got != tt.want {
				t.Fatalf("Code(%v): got %d, want %d", tt.err, got, tt.want)
			}

			if tt.err != nil && tt.err != sentinel && !errors.Is(tt.err, sentinel) {
				t.Fatalf("errors.Is(%v, sentinel): got false, want true", tt.err)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	t.Parallel()

	err := fault.Violationf(errors.New("duplicate"), "map %#x", 0x2000)
	if got, want := err.Error(), "map 0x2000: duplicate"; got != want {
		t.Fatalf("Error: got %q, want %q", got, want)
	}

	if !fault.Is(err, fault.Violation) || fault.Is(err, fault.Skip) {
		t.Fatalf("Is: wrong tier for %v", err)
	}
}
