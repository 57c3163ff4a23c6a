// Package errs defines the error kinds shared by the pipeline stages and the
// policy deciding which of them abort a task.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies pipeline errors.
type Kind int

const (
	KindUnknown Kind = iota
	ConfigInvalid
	VersionRegression
	WindowOutOfRange
	NonRadialFeeder
	SolverInfeasible
	SolverTimeout
	PowerFlowNonConvergent
	IOMissing
	DataShapeMismatch
)

var kindNames = map[Kind]string{
	KindUnknown:            "Unknown",
	ConfigInvalid:          "ConfigInvalid",
	VersionRegression:      "VersionRegression",
	WindowOutOfRange:       "WindowOutOfRange",
	NonRadialFeeder:        "NonRadialFeeder",
	SolverInfeasible:       "SolverInfeasible",
	SolverTimeout:          "SolverTimeout",
	PowerFlowNonConvergent: "PowerFlowNonConvergent",
	IOMissing:              "IOMissing",
	DataShapeMismatch:      "DataShapeMismatch",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels usable with errors.Is.
var (
	ErrConfigInvalid          = &sentinel{ConfigInvalid}
	ErrVersionRegression      = &sentinel{VersionRegression}
	ErrWindowOutOfRange       = &sentinel{WindowOutOfRange}
	ErrNonRadialFeeder        = &sentinel{NonRadialFeeder}
	ErrSolverInfeasible       = &sentinel{SolverInfeasible}
	ErrSolverTimeout          = &sentinel{SolverTimeout}
	ErrPowerFlowNonConvergent = &sentinel{PowerFlowNonConvergent}
	ErrIOMissing              = &sentinel{IOMissing}
	ErrDataShapeMismatch      = &sentinel{DataShapeMismatch}
)

type sentinel struct{ kind Kind }

func (s *sentinel) Error() string { return s.kind.String() }

// Error carries a kind, the failing operation and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds an *Error. msg is formatted with args when non-empty.
func E(kind Kind, op string, format string, args ...any) *Error {
	var cause error
	if format != "" {
		cause = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Wrap attaches a kind to an existing error. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	s, ok := target.(*sentinel)
	return ok && s.kind == e.Kind
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind
	}
	return KindUnknown
}

// Fatal reports whether an error of kind k aborts the running task.
// Solver failures only skip the current window.
func Fatal(k Kind) bool {
	switch k {
	case SolverInfeasible, SolverTimeout:
		return false
	default:
		return true
	}
}

// NonConvergence lists the timesteps a power flow failed to converge on.
type NonConvergence struct {
	Timestamps []time.Time
}

func (n *NonConvergence) Error() string {
	parts := make([]string, 0, len(n.Timestamps))
	for _, ts := range n.Timestamps {
		parts = append(parts, ts.Format("2006-01-02 15:04:05"))
	}
	return fmt.Sprintf("power flow did not converge for %d timesteps: [%s]", len(n.Timestamps), strings.Join(parts, ", "))
}

// Unconverged extracts the non-converged timesteps carried by err.
func Unconverged(err error) ([]time.Time, bool) {
	var nc *NonConvergence
	if errors.As(err, &nc) {
		return nc.Timestamps, true
	}
	return nil, false
}
