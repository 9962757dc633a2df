package auth

import (
	"context"
	"time"

	"finance-tracker/internal/observability"
)

type storeObserver struct {
	sink      *observability.EventBuffer
	component string
}

func (o storeObserver) observe(operation string, start time.Time, err error) {
	event := observability.Event{
		Time:       start,
		Component:  o.component,
		Operation:  operation,
		DurationMS: float64(time.Since(start).Microseconds()) / 1000,
		Outcome:    "ok",
	}
	if err != nil {
		if kind := KindOf(err); kind != 0 {
			event.Outcome = kind.String()
		} else {
			event.Outcome = "error"
			event.Error = err.Error()
		}
	}
	o.sink.Record(event)
}

// ObservedUserStore records timing and outcome of every call into sink.
type ObservedUserStore struct {
	next UserStore
	obs  storeObserver
}

func NewObservedUserStore(next UserStore, sink *observability.EventBuffer) *ObservedUserStore {
	return &ObservedUserStore{next: next, obs: storeObserver{sink: sink, component: "user_store"}}
}

func (s *ObservedUserStore) FindUser(ctx context.Context, username string) (user User, err error) {
	defer func(start time.Time) { s.obs.observe("find_user", start, err) }(time.Now())
	return s.next.FindUser(ctx, username)
}

func (s *ObservedUserStore) FindUserByEmail(ctx context.Context, email string) (user User, err error) {
	defer func(start time.Time) { s.obs.observe("find_user_by_email", start, err) }(time.Now())
	return s.next.FindUserByEmail(ctx, email)
}

func (s *ObservedUserStore) SaveUser(ctx context.Context, user User) (saved User, err error) {
	defer func(start time.Time) { s.obs.observe("save_user", start, err) }(time.Now())
	return s.next.SaveUser(ctx, user)
}

func (s *ObservedUserStore) RecordFailedAttempt(ctx context.Context, username string, threshold int, lockUntil time.Time) (state LoginAttemptState, err error) {
	defer func(start time.Time) { s.obs.observe("record_failed_attempt", start, err) }(time.Now())
	return s.next.RecordFailedAttempt(ctx, username, threshold, lockUntil)
}

func (s *ObservedUserStore) ClearElapsedLock(ctx context.Context, username string, now time.Time) (err error) {
	defer func(start time.Time) { s.obs.observe("clear_elapsed_lock", start, err) }(time.Now())
	return s.next.ClearElapsedLock(ctx, username, now)
}

func (s *ObservedUserStore) ResetAttempts(ctx context.Context, username string) (err error) {
	defer func(start time.Time) { s.obs.observe("reset_attempts", start, err) }(time.Now())
	return s.next.ResetAttempts(ctx, username)
}

func (s *ObservedUserStore) RecordLogin(ctx context.Context, username string, now time.Time) (err error) {
	defer func(start time.Time) { s.obs.observe("record_login", start, err) }(time.Now())
	return s.next.RecordLogin(ctx, username, now)
}

func (s *ObservedUserStore) UnlockExpired(ctx context.Context, now time.Time) (n int64, err error) {
	defer func(start time.Time) { s.obs.observe("unlock_expired", start, err) }(time.Now())
	return s.next.UnlockExpired(ctx, now)
}

func (s *ObservedUserStore) PurgeIdleUsers(ctx context.Context, idleSince time.Time) (purged []string, err error) {
	defer func(start time.Time) { s.obs.observe("purge_idle_users", start, err) }(time.Now())
	return s.next.PurgeIdleUsers(ctx, idleSince)
}

// ObservedTokenStore is the TokenStore counterpart of ObservedUserStore.
type ObservedTokenStore struct {
	next TokenStore
	obs  storeObserver
}

func NewObservedTokenStore(next TokenStore, sink *observability.EventBuffer) *ObservedTokenStore {
	return &ObservedTokenStore{next: next, obs: storeObserver{sink: sink, component: "token_registry"}}
}

func (s *ObservedTokenStore) Replace(ctx context.Context, pair TokenPair) (err error) {
	defer func(start time.Time) { s.obs.observe("replace", start, err) }(time.Now())
	return s.next.Replace(ctx, pair)
}

func (s *ObservedTokenStore) Rotate(ctx context.Context, consumed string, pair TokenPair, now time.Time) (err error) {
	defer func(start time.Time) { s.obs.observe("rotate", start, err) }(time.Now())
	return s.next.Rotate(ctx, consumed, pair, now)
}

func (s *ObservedTokenStore) DeactivateAll(ctx context.Context, username string) (err error) {
	defer func(start time.Time) { s.obs.observe("deactivate_all", start, err) }(time.Now())
	return s.next.DeactivateAll(ctx, username)
}

func (s *ObservedTokenStore) IsActive(ctx context.Context, token string, now time.Time) (active bool, err error) {
	defer func(start time.Time) { s.obs.observe("is_active", start, err) }(time.Now())
	return s.next.IsActive(ctx, token, now)
}

func (s *ObservedTokenStore) Blacklist(ctx context.Context, entry TokenEntry) (err error) {
	defer func(start time.Time) { s.obs.observe("blacklist", start, err) }(time.Now())
	return s.next.Blacklist(ctx, entry)
}

func (s *ObservedTokenStore) DeleteExpired(ctx context.Context, now time.Time) (n int64, err error) {
	defer func(start time.Time) { s.obs.observe("delete_expired", start, err) }(time.Now())
	return s.next.DeleteExpired(ctx, now)
}

var (
	_ UserStore  = (*ObservedUserStore)(nil)
	_ TokenStore = (*ObservedTokenStore)(nil)
	_ UserStore  = (*Repository)(nil)
	_ TokenStore = (*Repository)(nil)
	_ UserStore  = (*MemoryUserStore)(nil)
	_ TokenStore = (*MemoryTokenStore)(nil)
)
