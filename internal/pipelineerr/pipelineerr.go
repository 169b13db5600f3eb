// Package pipelineerr defines the closed set of error kinds used across
// the core, wrapped in a single error type so callers can test for a
// kind with Is (or reach the *Error with errors.As) regardless of which
// component raised it.
package pipelineerr

import "fmt"

// Kind is one of the error kinds named in the error handling design.
type Kind string

const (
	Validation              Kind = "validation"
	NotFound                Kind = "not_found"
	Conflict                Kind = "conflict"
	CircuitOpen             Kind = "circuit_open"
	ProcessFailure          Kind = "process_failure"
	AgentFailure            Kind = "agent_failure"
	AgentCrash              Kind = "agent_crash"
	MergeConflictUnresolved Kind = "merge_conflict_unresolved"
	RebaseFailed            Kind = "rebase_failed"
	PersistenceError        Kind = "persistence_error"
	Transient               Kind = "transient"
)

// Error is the concrete error type raised throughout the core.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error for op/kind without a wrapped cause.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap constructs an *Error for op/kind wrapping err.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if pe, ok := err.(*Error); ok {
			e = pe
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
