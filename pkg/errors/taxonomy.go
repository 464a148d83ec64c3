package errors

import (
	"fmt"

	cockroacherr "github.com/cockroachdb/errors"
)

// Kind is the error taxonomy: a small, closed set of categories the
// executor façade and every subsystem above it classify failures into.
// Kind is orthogonal to the typed errors above (TableNotFoundError, etc.):
// those stay typed so callers can errors.As them, while Kind lets a single
// switch decide retry/abort/safe-mode policy without knowing every
// concrete error type in the codebase.
type Kind int

const (
	// KindIO: underlying read/write failure. Not recoverable locally; any
	// transaction in progress is aborted and the engine may enter safe-mode.
	KindIO Kind = iota + 1
	// KindCorruption: CRC mismatch or structural invariant violated after
	// WAL redo could not reconstruct the page. Fatal for the affected object.
	KindCorruption
	// KindConflict: transactional conflict (write-write, deadlock, timeout).
	// The transaction is marked Aborted; retry is safe.
	KindConflict
	// KindNotFound: missing key/record.
	KindNotFound
	// KindConstraint: uniqueness, not-null, or type-mismatch violation.
	KindConstraint
	// KindSerialization: length-prefix exceeds MAX_ITEM_LENGTH, invalid
	// UTF-8, or an unknown log-record variant.
	KindSerialization
	// KindBufferFull: every buffer pool frame is pinned; caller must back off.
	KindBufferFull
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindCorruption:
		return "Corruption"
	case KindConflict:
		return "Conflict"
	case KindNotFound:
		return "NotFound"
	case KindConstraint:
		return "Constraint"
	case KindSerialization:
		return "Serialization"
	case KindBufferFull:
		return "BufferFull"
	default:
		return "Unknown"
	}
}

// ConflictReason narrows a KindConflict error to WriteWrite, Deadlock,
// or Timeout.
type ConflictReason int

const (
	ConflictWriteWrite ConflictReason = iota + 1
	ConflictDeadlock
	ConflictTimeout
)

func (r ConflictReason) String() string {
	switch r {
	case ConflictWriteWrite:
		return "WriteWrite"
	case ConflictDeadlock:
		return "Deadlock"
	case ConflictTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// TaxonomyError is the typed error every subsystem boundary wraps a raw
// cause into before it crosses into the executor façade, so callers can
// type-switch on Kind without caring which subsystem produced it.
type TaxonomyError struct {
	Kind   Kind
	Reason ConflictReason // only meaningful when Kind == KindConflict
	cause  error
}

func (e *TaxonomyError) Error() string {
	if e.Kind == KindConflict && e.Reason != 0 {
		return fmt.Sprintf("%s(%s): %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *TaxonomyError) Unwrap() error { return e.cause }

// Is lets errors.Is(err, KindIs(KindIO)) read naturally by comparing against a
// bare *TaxonomyError carrying only a Kind (no cause, no reason).
func (e *TaxonomyError) Is(target error) bool {
	t, ok := target.(*TaxonomyError)
	if !ok {
		return false
	}
	if t.cause != nil {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Reason != 0 && t.Reason != e.Reason {
		return false
	}
	return true
}

// KindIs is a plain marker usable with errors.Is, e.g. errors.Is(err, errors.KindIs(errors.KindNotFound)).
func KindIs(k Kind) error { return &TaxonomyError{Kind: k} }

// ConflictIs is a marker usable with errors.Is for a specific conflict reason.
func ConflictIs(r ConflictReason) error { return &TaxonomyError{Kind: KindConflict, Reason: r} }

// wrap stamps cause with cockroachdb/errors (stack trace + context) and
// tags it with the given Kind: the taxonomy stays a typed error,
// cockroachdb/errors.Wrap supplies the surrounding stack/cause chain
// for IO and Corruption paths.
func wrap(kind Kind, cause error, context string) *TaxonomyError {
	wrapped := cause
	if context != "" {
		wrapped = cockroacherr.Wrapf(cause, "%s", context)
	} else if cause == nil {
		wrapped = cockroacherr.New(kind.String())
	}
	return &TaxonomyError{Kind: kind, cause: wrapped}
}

// NewIO wraps an I/O failure, e.g. a short read/write or fsync error.
func NewIO(cause error, context string) error { return wrap(KindIO, cause, context) }

// NewCorruption wraps a CRC mismatch or structural invariant violation
// that WAL redo could not repair.
func NewCorruption(cause error, context string) error { return wrap(KindCorruption, cause, context) }

// NewConflict wraps a transactional conflict with its reason.
func NewConflict(reason ConflictReason, cause error, context string) error {
	e := wrap(KindConflict, cause, context)
	e.Reason = reason
	return e
}

// NewNotFound wraps a missing-key/record failure.
func NewNotFound(cause error, context string) error { return wrap(KindNotFound, cause, context) }

// NewConstraint wraps a uniqueness/not-null/type-mismatch violation.
func NewConstraint(cause error, context string) error { return wrap(KindConstraint, cause, context) }

// NewSerialization wraps a length-prefix/encoding failure.
func NewSerialization(cause error, context string) error {
	return wrap(KindSerialization, cause, context)
}

// NewBufferFull wraps a "no unpinned frame available" failure.
func NewBufferFull(cause error, context string) error { return wrap(KindBufferFull, cause, context) }

// As extracts the *TaxonomyError from err, if any is present in its chain.
func As(err error) (*TaxonomyError, bool) {
	var t *TaxonomyError
	if cockroacherr.As(err, &t) {
		return t, true
	}
	return nil, false
}

// kinder is satisfied by the pre-taxonomy typed errors in errors.go, which
// report the Kind they map to without being rewrapped.
type kinder interface {
	TaxonomyKind() Kind
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// *TaxonomyError or one of the typed errors of errors.go, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	t, ok := As(err)
	if ok {
		return t.Kind, true
	}
	var k kinder
	if cockroacherr.As(err, &k) {
		return k.TaxonomyKind(), true
	}
	return 0, false
}
