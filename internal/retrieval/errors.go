package retrieval

import (
	"errors"
	"fmt"
)

// Kind classifies a retrieval failure so callers can branch without
// parsing error strings.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota
	// KindAccessDenied marks credential or authorization failures.
	KindAccessDenied
	// KindIntegrityFailure marks hash or signature mismatches; the data
	// was fetched but cannot be trusted.
	KindIntegrityFailure
	// KindTransient marks failures worth retrying later (server down,
	// timeout, article not yet propagated).
	KindTransient
	// KindFatal marks failures that re-running cannot fix (descriptor
	// unusable, no strategies available).
	KindFatal
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindAccessDenied:
		return "access_denied"
	case KindIntegrityFailure:
		return "integrity_failure"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified retrieval error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("retrieval: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("retrieval: %s: %v", e.Op, e.Err)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error { return e.Err }

// E constructs a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// IsTransient reports whether the error is classified transient.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
