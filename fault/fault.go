// Package fault sorts errors into the tiers the command line maps to exit
// statuses: a broken invariant, a missing host feature, or a transient
// condition that the caller may retry.
package fault

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Kind is an error tier.
type Kind int

const (
	// Violation is a broken precondition or an unexpected kernel answer.
	Violation Kind = iota + 1
	// Skip means the host lacks a feature the operation needs.
	Skip
	// Retryable is a transient failure, such as a buffer that was too small.
	Retryable
)

// Exit statuses.
const (
	ExitOK        = 0
	ExitViolation = 1
	ExitSkip      = 4
)

func (k Kind) String() string {
	switch k {
	case Violation:
		return "violation"
	case Skip:
		return "skip"
	case Retryable:
		return "retryable"
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error carries a tier, the failing operation and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}

	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Violationf wraps err as a Violation of op.
func Violationf(err error, op string, args ...any) error {
	return &Error{Kind: Violation, Op: fmt.Sprintf(op, args...), Err: err}
}

// Skipf wraps err as a Skip of op.
func Skipf(err error, op string, args ...any) error {
	return &Error{Kind: Skip, Op: fmt.Sprintf(op, args...), Err: err}
}

// Retry wraps err as Retryable.
func Retry(err error, op string) error {
	return &Error{Kind: Retryable, Op: op, Err: err}
}

// KindOf returns the tier of the outermost *Error in err's chain. An error
// without a tier is a Violation.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Violation
}

// Is reports whether err is of tier k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Code maps err to a process exit status.
func Code(err error) int {
	if err == nil {
		return ExitOK
	}

	if KindOf(err) == Skip {
		return ExitSkip
	}

	return ExitViolation
}

// Exit logs err at its tier and terminates the process with Code(err).
func Exit(err error) {
	code := Code(err)

	switch code {
	case ExitOK:
	case ExitSkip:
		slog.Warn("skipped", "reason", err)
	default:
		slog.Error("failed", "tier", KindOf(err), "err", err)
	}

	os.Exit(code)
}
