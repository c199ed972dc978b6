// Package apperr defines the error kinds shared by the ingestion pipeline.
//
// Each inbound step returns either a value or an *Error carrying one of the
// Kind constants, so the responder can map an outcome to a fixed reply
// without inspecting error strings.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	// ErrDiscarded is returned when a parse result arrives for a job or
	// artifact that is no longer eligible to receive it.
	ErrDiscarded = errors.New("result discarded")
)

// Kind classifies a failure by the pipeline step that produced it.
type Kind string

const (
	KindValidation Kind = "validation"
	KindResolution Kind = "resolution"
	KindIngestion  Kind = "ingestion"
	KindParse      Kind = "parse"
)

// Error is a failure tagged with its Kind and the operation that raised it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with kind and op. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation returns a validation error with a plain message.
func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Err: errors.New(msg)}
}

// KindOf reports the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
