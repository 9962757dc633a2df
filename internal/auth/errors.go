package auth

import (
	"errors"
	"time"
)

type ErrorKind int

const (
	KindInvalidCredentials ErrorKind = iota + 1
	KindAccountLocked
	KindTokenInvalid
	KindTokenExpired
	KindRateLimitExceeded
	KindNotFound
	KindConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAccountLocked:
		return "account_locked"
	case KindTokenInvalid:
		return "token_invalid"
	case KindTokenExpired:
		return "token_expired"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is the typed failure raised by the auth core. Until is set for
// AccountLocked and RateLimitExceeded; Err keeps the internal cause, which
// is never written to a client.
type Error struct {
	Kind  ErrorKind
	Until time.Time
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrTokenInvalid)
// holds regardless of cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrAccountLocked      = &Error{Kind: KindAccountLocked}
	ErrTokenInvalid       = &Error{Kind: KindTokenInvalid}
	ErrTokenExpired       = &Error{Kind: KindTokenExpired}
	ErrRateLimitExceeded  = &Error{Kind: KindRateLimitExceeded}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrConflict           = &Error{Kind: KindConflict}
)

// Issuer causes, wrapped into TokenInvalid or TokenExpired.
var (
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenSignature = errors.New("token signature invalid")
	ErrTokenKind      = errors.New("unexpected token kind")
)

func newError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

func lockedError(until time.Time) *Error {
	return &Error{Kind: KindAccountLocked, Until: until}
}

// KindOf reports the kind of a core error, or 0 for anything else.
func KindOf(err error) ErrorKind {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return 0
}
