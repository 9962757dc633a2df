package auth

import (
	"context"
	"time"
)

// TokenRegistry is the authority on which issued tokens are still usable.
// Each user holds at most one active access token and one active refresh
// token; issuing a pair supersedes every earlier entry of that user.
type TokenRegistry struct {
	store TokenStore
	now   func() time.Time
}

func NewTokenRegistry(store TokenStore) *TokenRegistry {
	return &TokenRegistry{store: store, now: time.Now}
}

func (r *TokenRegistry) WithClock(now func() time.Time) *TokenRegistry {
	r.now = now
	return r
}

// Activate invalidates every active entry of the pair's owner and records
// the pair, as one unit.
func (r *TokenRegistry) Activate(ctx context.Context, pair TokenPair) error {
	return r.store.Replace(ctx, pair)
}

// Rotate consumes an active refresh token and activates pair in its place.
func (r *TokenRegistry) Rotate(ctx context.Context, consumed TokenEntry, pair TokenPair) error {
	return r.store.Rotate(ctx, consumed.Token, pair, r.now().UTC())
}

func (r *TokenRegistry) InvalidateAll(ctx context.Context, username string) error {
	return r.store.DeactivateAll(ctx, username)
}

// IsBlacklisted is true unless an active, unexpired entry exists for token.
func (r *TokenRegistry) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	active, err := r.store.IsActive(ctx, token, r.now().UTC())
	if err != nil {
		return false, err
	}
	return !active, nil
}

func (r *TokenRegistry) Blacklist(ctx context.Context, entry TokenEntry) error {
	return r.store.Blacklist(ctx, entry)
}

func (r *TokenRegistry) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	return r.store.DeleteExpired(ctx, now.UTC())
}
