// Package errs defines the closed set of error kinds from spec §7 and
// the helpers used to classify and propagate them across task
// boundaries (ORACLE results, builder sessions, CHASE replies).
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in spec §7.
type Kind string

const (
	KindProtocol     Kind = "protocol-error"
	KindTimeout      Kind = "timeout"
	KindDBUnavailable Kind = "db-unavailable"
	KindDBIntegrity  Kind = "db-integrity"
	KindNotFound     Kind = "not-found"
	KindHashMismatch Kind = "hash-mismatch"
	KindFS           Kind = "fs-error"
	KindVersionMismatch Kind = "version-mismatch"
)

// Error wraps an underlying cause with a classified Kind.
type Error struct {
	Kind Kind
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

// New constructs a classified Error.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err is classified with the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, if it is a classified Error.
// For an unclassified error it returns an empty Kind and false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
