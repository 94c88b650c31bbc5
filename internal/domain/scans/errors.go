package scans

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrScanNotFound is returned when the scan id does not exist (or is not
	// visible to the caller).
	ErrScanNotFound = errors.New("scan not found")

	// ErrInvalidTransition is returned when an operation would move a scan
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid scan transition")

	// ErrSchemaCache marks a storage error caused by a stale gateway schema cache.
	ErrSchemaCache = errors.New("schema cache error")

	// ErrStorage is the generic storage failure class.
	ErrStorage = errors.New("storage error")

	// ErrInvalidInput is returned for malformed input detected before any I/O.
	ErrInvalidInput = errors.New("invalid input")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	ScanID uuid.UUID
	From   Status
	To     Status
}

// Error returns a string representation of the error.
func (e *TransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("scan %s is already %s", e.ScanID, e.From)
	}
	return fmt.Sprintf("invalid scan transition for %s: %s -> %s", e.ScanID, e.From, e.To)
}

// Unwrap allows errors.Is(err, ErrInvalidTransition).
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// StoreError is a storage failure carrying the backend's machine-readable
// error code. Gateway backends fill Details and Hint from the response body.
type StoreError struct {
	Op      string
	Code    string
	Message string
	Details string
	Hint    string
	Err     error
}

// Error returns a string representation of the error.
func (e *StoreError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: [%s] %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap returns both the storage class sentinel and the underlying cause.
func (e *StoreError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrStorage, e.Err}
	}
	return []error{ErrStorage}
}

// ErrorKind is the coarse classification surfaced to callers and metrics.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindNotFound          ErrorKind = "not_found"
	ErrorKindInvalidTransition ErrorKind = "invalid_transition"
	ErrorKindSchemaCache       ErrorKind = "schema_cache"
	ErrorKindInvalidInput      ErrorKind = "invalid_input"
	ErrorKindStorage           ErrorKind = "storage"
)

// Classify maps an error onto an ErrorKind. Anything unrecognized is storage.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrScanNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return ErrorKindInvalidTransition
	case errors.Is(err, ErrInvalidInput):
		return ErrorKindInvalidInput
	case errors.Is(err, ErrSchemaCache):
		return ErrorKindSchemaCache
	default:
		return ErrorKindStorage
	}
}
