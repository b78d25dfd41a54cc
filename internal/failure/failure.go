// Package failure is the error taxonomy of the notification pipeline.
//
// Every external call site converts its raw failure into an *Error carrying
// one Kind before returning it across a component boundary. The Kind decides
// what happens next:
//   - Security: untrusted source or ownership mismatch; dead-lettered, alarmed.
//   - Permanent: malformed input, unknown template, missing fields; dead-lettered.
//   - Critical: a channel rejected our credentials; dead-lettered, alarmed.
//   - Transient: network, throttling, timeouts; retried, then dead-lettered.
//   - CircuitOpen: breaker tripped; transient, but no network call was made.
package failure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a failure by how the pipeline must react to it.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
	KindSecurity
	KindCritical
	KindCircuitOpen
)

// String returns the documented error kind name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "TransientError"
	case KindPermanent:
		return "PermanentError"
	case KindSecurity:
		return "SecurityError"
	case KindCritical:
		return "CriticalError"
	case KindCircuitOpen:
		return "CircuitOpenError"
	default:
		return "UnknownError"
	}
}

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindCircuitOpen
}

// DeadLetter reports whether an exhausted failure of this kind is routed to
// the dead-letter sink. Every kind is.
func (k Kind) DeadLetter() bool {
	return true
}

// Alarm reports whether the kind must page an operator, beyond the
// ordinary failure counters.
func (k Kind) Alarm() bool {
	return k == KindSecurity || k == KindCritical
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op names the call site, e.g. "email.send" or "lease.get".
	Op  string
	Err error
	// StatusCode is the HTTP-style status when the failure came from a response.
	StatusCode int
	// Attempts is the number of attempts made before giving up.
	Attempts int
	// Fields holds field-level validation detail (field -> problem).
	Fields map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+e.Fields[k])
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, "; "))
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (attempts: %d)", e.Attempts)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Security creates a SecurityError.
func Security(op string, err error) *Error { return New(KindSecurity, op, err) }

// Permanent creates a PermanentError.
func Permanent(op string, err error) *Error { return New(KindPermanent, op, err) }

// Critical creates a CriticalError.
func Critical(op string, err error) *Error { return New(KindCritical, op, err) }

// Transient creates a TransientError.
func Transient(op string, err error) *Error { return New(KindTransient, op, err) }

// CircuitOpen creates a CircuitOpenError.
func CircuitOpen(op string, err error) *Error { return New(KindCircuitOpen, op, err) }

// As returns err as an *Error, classifying it first if it is not one already.
// A nil err returns nil.
func As(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Classify(op, err)
}

// KindOf returns the kind of err, classifying unclassified errors.
func KindOf(err error) Kind {
	if fe := As("", err); fe != nil {
		return fe.Kind
	}
	return KindTransient
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusError is an HTTP-style response failure from a downstream service.
type StatusError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}
