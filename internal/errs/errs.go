// Package errs defines the error kinds surfaced by memcore operations.
//
// Store and component code wraps low-level failures with fmt.Errorf("...: %w").
// Only conditions a caller is expected to branch on get an *Error.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes an Error.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindDegraded   Kind = "dependency_degraded"
	KindAborted    Kind = "consolidation_aborted"
)

// Error is the typed error returned across component boundaries.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Msg)
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports malformed input (bad time range, unknown state, empty query).
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing record.
func NotFound(op, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("record %q not found", id)}
}

// Conflict reports a lost compare-and-set or a rejected concurrent job.
func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Degraded reports an unavailable retrieval collaborator.
func Degraded(op, source string, err error) error {
	return &Error{Kind: KindDegraded, Op: op, Msg: source + " unavailable", Err: err}
}

// Aborted reports a consolidation run that stopped at a cluster boundary.
func Aborted(op, reason string, err error) error {
	return &Error{Kind: KindAborted, Op: op, Msg: reason, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsDegraded(err error) bool   { return KindOf(err) == KindDegraded }
func IsAborted(err error) bool    { return KindOf(err) == KindAborted }
