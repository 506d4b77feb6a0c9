package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies facade failures for the API layer, which maps each
// kind to a stable machine-readable code in responses.
type ErrorKind string

const (
	KindFetchFailed          ErrorKind = "fetch_failed"
	KindSaveFailed           ErrorKind = "save_failed"
	KindInsightDismissFailed ErrorKind = "insight_dismiss_failed"
	KindStyleOverrideFailed  ErrorKind = "style_override_failed"
)

// Error wraps an underlying failure with its kind and the operation that
// produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the facade kind of err, or "" when err is not a facade
// error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
