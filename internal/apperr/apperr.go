// Package apperr defines the error kinds that cross package boundaries.
//
// Components wrap their own typed errors into an *Error carrying a Kind so
// the HTTP and CLI surfaces can map failures without knowing every
// concrete error type.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers.
type Kind string

const (
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindUpstreamUnavailable   Kind = "upstream_unavailable"
	KindValidation            Kind = "validation"
	KindPartialGradingFailure Kind = "partial_grading_failure"
	KindInternal              Kind = "internal"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func NotFound(op, format string, args ...any) *Error {
	return E(KindNotFound, op, fmt.Sprintf(format, args...), nil)
}

func Validation(op, format string, args ...any) *Error {
	return E(KindValidation, op, fmt.Sprintf(format, args...), nil)
}

func Conflict(op, format string, args ...any) *Error {
	return E(KindConflict, op, fmt.Sprintf(format, args...), nil)
}

func Upstream(op string, err error) *Error {
	return E(KindUpstreamUnavailable, op, "", err)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
