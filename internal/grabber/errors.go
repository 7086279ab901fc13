package grabber

import (
	"errors"
	"fmt"
)

// StoreErrKind classifies store-layer failures so callers can pick a policy:
// retry Busy with bounded backoff, propagate Io, treat Constraint as a
// duplicate observation.
type StoreErrKind string

// Store error kinds.
const (
	StoreBusy          StoreErrKind = "busy"
	StoreIo            StoreErrKind = "io"
	StoreSerialization StoreErrKind = "serialization"
	StoreConstraint    StoreErrKind = "constraint"
)

// StoreError wraps a backend error with its classification.
type StoreError struct {
	Kind StoreErrKind
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError builds a classified store error.
func NewStoreError(kind StoreErrKind, err error) *StoreError {
	return &StoreError{Kind: kind, Err: err}
}

// StoreErrorKind extracts the classification, or "" for non-store errors.
func StoreErrorKind(err error) StoreErrKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Sentinel errors surfaced by the Fetcher and configuration validation.
var (
	// ErrSizeMismatch means the server declared a Content-Length and the
	// observed body did not match it.
	ErrSizeMismatch = errors.New("response size mismatch")
	// ErrCancelled means the transfer was aborted by the cancel flag. A
	// cancelled fetch is not a failure; the item stays InProgress and is
	// reset on the next start.
	ErrCancelled = errors.New("download cancelled")
	// ErrConfig marks invalid run configuration; Start fails synchronously.
	ErrConfig = errors.New("invalid configuration")
)
