package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind categorizes a failure so callers can branch on it without
// inspecting message text.
type Kind int

const (
	// KindUnknown is the zero value and marks an unclassified error.
	KindUnknown Kind = iota
	// KindValidation indicates bad input. Never retried.
	KindValidation
	// KindNotFound indicates a referenced profile or token does not exist.
	KindNotFound
	// KindAlreadyExists indicates a create for an id that is already taken.
	KindAlreadyExists
	// KindAuth indicates a terminal credential failure at the token endpoint.
	KindAuth
	// KindNetwork indicates a transient transport failure that exhausted its retries.
	KindNetwork
	// KindRateLimit indicates a token bucket was empty. RetryAfter is set.
	KindRateLimit
	// KindMutexTimeout indicates an in-process lock wait timed out.
	KindMutexTimeout
	// KindQueueFull indicates the in-process lock wait queue is at capacity.
	KindQueueFull
	// KindLockTimeout indicates a cross-process file lock could not be acquired.
	KindLockTimeout
	// KindDecryption indicates an envelope failed to decrypt. The message is
	// deliberately generic.
	KindDecryption
	// KindUnsupportedVersion indicates an envelope version this build cannot read.
	KindUnsupportedVersion
	// KindCapacity indicates the profile store is full. Current and Max are set.
	KindCapacity
	// KindCircuitOpen indicates the circuit breaker rejected the call. RetryAfter is set.
	KindCircuitOpen
	// KindInconsistent indicates a failed rollback left on-disk state and
	// profile records in disagreement.
	KindInconsistent
	// KindPermission indicates a written file does not carry the expected mode.
	KindPermission
	// KindIO indicates a filesystem failure.
	KindIO
)

// String returns the machine-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindMutexTimeout:
		return "mutex_timeout"
	case KindQueueFull:
		return "queue_full"
	case KindLockTimeout:
		return "lock_timeout"
	case KindDecryption:
		return "decryption"
	case KindUnsupportedVersion:
		return "unsupported_version"
	case KindCapacity:
		return "capacity"
	case KindCircuitOpen:
		return "circuit_open"
	case KindInconsistent:
		return "inconsistent"
	case KindPermission:
		return "permission"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the single error type produced by the credential core. Only the
// fields relevant to Kind are populated.
//
// SECURITY: Message must never contain passphrases or token values.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "profile.create"
	Message string
	Code    string // finer-grained machine code, e.g. "invalid_grant"

	RetryAfter time.Duration // KindRateLimit, KindCircuitOpen
	Current    int           // KindCapacity
	Max        int           // KindCapacity
	Attempts   int           // KindNetwork
	Status     int           // HTTP status when one was received

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.Kind.String())
	}
	switch e.Kind {
	case KindRateLimit, KindCircuitOpen:
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter.Round(time.Millisecond))
	case KindCapacity:
		fmt.Fprintf(&b, " (%d/%d)", e.Current, e.Max)
	case KindNetwork:
		if e.Attempts > 0 {
			fmt.Fprintf(&b, " after %d attempts", e.Attempts)
		}
	}
	if e.Err != nil && e.Kind != KindDecryption {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind (and code, when
// the target sets one). This lets errors.Is work against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels usable with errors.Is.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAlreadyExists      = &Error{Kind: KindAlreadyExists}
	ErrAuth               = &Error{Kind: KindAuth}
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrRateLimit          = &Error{Kind: KindRateLimit}
	ErrMutexTimeout       = &Error{Kind: KindMutexTimeout}
	ErrQueueFull          = &Error{Kind: KindQueueFull}
	ErrLockTimeout        = &Error{Kind: KindLockTimeout}
	ErrDecryption         = &Error{Kind: KindDecryption}
	ErrUnsupportedVersion = &Error{Kind: KindUnsupportedVersion}
	ErrCapacity           = &Error{Kind: KindCapacity}
	ErrCircuitOpen        = &Error{Kind: KindCircuitOpen}
	ErrInconsistent       = &Error{Kind: KindInconsistent}
	ErrPermission         = &Error{Kind: KindPermission}
)

// E builds an *Error of the given kind.
func E(kind Kind, op, format string, args ...interface{}) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Wrap builds an *Error of the given kind around err.
func Wrap(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	e := E(kind, op, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err's chain contains an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RetryAfter returns the retry-after hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && (e.Kind == KindRateLimit || e.Kind == KindCircuitOpen) {
		return e.RetryAfter, true
	}
	return 0, false
}
