package auth

import (
	"context"
	"time"
)

// UserStore is the credential store adapter. Implementations persist state
// only; every rule about counters and locks lives in LockoutGuard.
type UserStore interface {
	FindUser(ctx context.Context, username string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	// SaveUser persists profile, password and two-factor fields. It never
	// writes the failure counter, lock_until or last_login_at.
	SaveUser(ctx context.Context, user User) (User, error)

	// RecordFailedAttempt increments the counter in one atomic step and
	// sets lock_until when the new count reaches threshold.
	RecordFailedAttempt(ctx context.Context, username string, threshold int, lockUntil time.Time) (LoginAttemptState, error)
	// ClearElapsedLock clears counter and lock_until only if lock_until <= now.
	ClearElapsedLock(ctx context.Context, username string, now time.Time) error
	// ResetAttempts clears the counter and lock unconditionally.
	ResetAttempts(ctx context.Context, username string) error
	// RecordLogin clears the counter and lock and stamps last_login_at.
	RecordLogin(ctx context.Context, username string, now time.Time) error
	UnlockExpired(ctx context.Context, now time.Time) (int64, error)
	// PurgeIdleUsers deletes idle accounts and returns their usernames.
	PurgeIdleUsers(ctx context.Context, idleSince time.Time) ([]string, error)
}

// TokenStore backs the token registry. Replace and Rotate must each run as
// one atomic unit per username.
type TokenStore interface {
	// Replace deactivates every active entry of pair's owner and inserts
	// the pair as the only active entries.
	Replace(ctx context.Context, pair TokenPair) error
	// Rotate deactivates consumed, which must be an active unexpired entry,
	// then behaves like Replace. It returns ErrTokenInvalid otherwise.
	Rotate(ctx context.Context, consumed string, pair TokenPair, now time.Time) error
	DeactivateAll(ctx context.Context, username string) error
	IsActive(ctx context.Context, token string, now time.Time) (bool, error)
	// Blacklist marks token inactive, recording it when it was never seen.
	Blacklist(ctx context.Context, entry TokenEntry) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
