// Package failure classifies pipeline errors into the kinds that drive retry,
// fallback and abort decisions.
package failure

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Kind is the category of a failure.
type Kind int

// Failure kinds.
const (
	Unknown Kind = iota
	// TransientIO covers navigation errors and timeouts; retried at provider level.
	TransientIO
	// Extraction means a page loaded but yielded no usable fields.
	Extraction
	// Resource means the shared browser session is gone; aborts the run.
	Resource
	// Classification means the key classification service was unavailable.
	Classification
	// Validation means a post-unification invariant did not hold.
	Validation
)

func (k Kind) String() string {
	switch k {
	case TransientIO:
		return "transient_io"
	case Extraction:
		return "extraction"
	case Resource:
		return "resource"
	case Classification:
		return "classification"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Diagnostic is the text recorded on a product's enrichment status.
func (k Kind) Diagnostic() string {
	switch k {
	case TransientIO:
		return "transient I/O failure"
	case Extraction:
		return "extraction failure"
	case Resource:
		return "session unavailable"
	case Classification:
		return "classification service unavailable"
	case Validation:
		return "validation failure"
	default:
		return "unexpected failure"
	}
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// Note replaces the kind's generic diagnostic when set.
	Note string
}

func (e *Error) Error() string {
	msg := e.diagnostic()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) diagnostic() string {
	if e.Note != "" {
		return e.Note
	}
	return e.Kind.Diagnostic()
}

// New wraps err with kind. A nil err still yields an error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient marks err as a retryable I/O failure.
func Transient(op string, err error) error { return New(TransientIO, op, err) }

// Extract marks err as an extraction failure.
func Extract(op string, err error) error { return New(Extraction, op, err) }

// Fatal marks err as a resource failure.
func Fatal(op string, err error) error { return New(Resource, op, err) }

// WithNote tags err with kind and a specific diagnostic text.
func WithNote(kind Kind, op, note string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err, Note: note}
}

// Diagnostic returns the text to record for err: the note of the outermost
// tagged error if it has one, otherwise the generic text of its kind.
func Diagnostic(err error) string {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.diagnostic()
	}
	return KindOf(err).Diagnostic()
}

// KindOf classifies err. Explicitly tagged errors win; deadlines, network
// timeouts and dropped connections are transient.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientIO
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TransientIO
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return TransientIO
	}
	return Unknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == TransientIO
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return KindOf(err) == Resource
}
