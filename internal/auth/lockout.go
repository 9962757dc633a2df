package auth

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultLockWindow  = 10 * time.Minute
)

// LockoutGuard runs the Normal/Locked state machine over a user's failure
// counter. All writes go through single atomic store operations.
type LockoutGuard struct {
	store        UserStore
	maxAttempts  int
	lockDuration time.Duration
}

func NewLockoutGuard(store UserStore, maxAttempts int, lockDuration time.Duration) *LockoutGuard {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if lockDuration <= 0 {
		lockDuration = defaultLockWindow
	}
	return &LockoutGuard{store: store, maxAttempts: maxAttempts, lockDuration: lockDuration}
}

// Admit rejects a locked account with AccountLocked. A lock whose window
// has passed is cleared so the attempt is evaluated as a fresh one.
func (g *LockoutGuard) Admit(ctx context.Context, user User, now time.Time) error {
	state := LoginAttemptState{FailedAttempts: user.FailedAttempts, LockUntil: user.LockUntil}
	if state.LockedAt(now) {
		return lockedError(*state.LockUntil)
	}
	if state.LockUntil != nil {
		return g.store.ClearElapsedLock(ctx, user.Username, now)
	}
	return nil
}

// Fail records one failed attempt and reports the resulting state.
func (g *LockoutGuard) Fail(ctx context.Context, username string, now time.Time) (LoginAttemptState, error) {
	return g.store.RecordFailedAttempt(ctx, username, g.maxAttempts, now.Add(g.lockDuration))
}

// Succeed resets the counter and stamps the login time.
func (g *LockoutGuard) Succeed(ctx context.Context, username string, now time.Time) error {
	return g.store.RecordLogin(ctx, username, now)
}

// Reset returns the account to Normal after a proven password reset.
func (g *LockoutGuard) Reset(ctx context.Context, username string) error {
	return g.store.ResetAttempts(ctx, username)
}

func (g *LockoutGuard) SweepUnlocked(ctx context.Context, now time.Time) (int64, error) {
	return g.store.UnlockExpired(ctx, now)
}
