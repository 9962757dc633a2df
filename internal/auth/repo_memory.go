package auth

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryUserStore struct {
	mu    sync.Mutex
	users map[string]User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]User)}
}

func (s *MemoryUserStore) FindUser(ctx context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *MemoryUserStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return cloneUser(u), nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryUserStore) SaveUser(ctx context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if user.ID == "" {
		if _, taken := s.users[user.Username]; taken {
			return User{}, ErrConflict
		}
		for _, u := range s.users {
			if strings.EqualFold(u.Email, user.Email) {
				return User{}, ErrConflict
			}
		}
		id, err := uuid.NewV7()
		if err != nil {
			return User{}, fmt.Errorf("generate uuid v7: %w", err)
		}
		user.ID = id.String()
		user.CreatedAt = now
	} else {
		existing, ok := s.users[user.Username]
		if !ok || existing.ID != user.ID {
			return User{}, ErrNotFound
		}
		// Lockout and login fields only change through the attempt operations.
		user.FailedAttempts = existing.FailedAttempts
		user.LockUntil = existing.LockUntil
		user.LastLoginAt = existing.LastLoginAt
		user.CreatedAt = existing.CreatedAt
	}
	user.UpdatedAt = now

	s.users[user.Username] = cloneUser(user)
	return cloneUser(user), nil
}

func (s *MemoryUserStore) RecordFailedAttempt(ctx context.Context, username string, threshold int, lockUntil time.Time) (LoginAttemptState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return LoginAttemptState{}, ErrNotFound
	}
	u.FailedAttempts++
	if u.FailedAttempts >= threshold {
		until := lockUntil
		u.LockUntil = &until
	}
	s.users[username] = u

	return LoginAttemptState{FailedAttempts: u.FailedAttempts, LockUntil: copyTime(u.LockUntil)}, nil
}

func (s *MemoryUserStore) ClearElapsedLock(ctx context.Context, username string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrNotFound
	}
	if u.LockUntil != nil && !now.Before(*u.LockUntil) {
		u.LockUntil = nil
		u.FailedAttempts = 0
		s.users[username] = u
	}
	return nil
}

func (s *MemoryUserStore) ResetAttempts(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrNotFound
	}
	u.FailedAttempts = 0
	u.LockUntil = nil
	s.users[username] = u
	return nil
}

func (s *MemoryUserStore) RecordLogin(ctx context.Context, username string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrNotFound
	}
	at := now
	u.FailedAttempts = 0
	u.LockUntil = nil
	u.LastLoginAt = &at
	s.users[username] = u
	return nil
}

func (s *MemoryUserStore) UnlockExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unlocked int64
	for name, u := range s.users {
		if u.LockUntil != nil && !now.Before(*u.LockUntil) {
			u.LockUntil = nil
			u.FailedAttempts = 0
			s.users[name] = u
			unlocked++
		}
	}
	return unlocked, nil
}

func (s *MemoryUserStore) PurgeIdleUsers(ctx context.Context, idleSince time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged []string
	for name, u := range s.users {
		last := u.CreatedAt
		if u.LastLoginAt != nil {
			last = *u.LastLoginAt
		}
		if last.Before(idleSince) {
			delete(s.users, name)
			purged = append(purged, name)
		}
	}
	return purged, nil
}

type memoryTokenEntry struct {
	username  string
	kind      TokenKind
	expiresAt time.Time
	active    bool
}

type MemoryTokenStore struct {
	mu      sync.Mutex
	entries map[string]memoryTokenEntry
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{entries: make(map[string]memoryTokenEntry)}
}

func (s *MemoryTokenStore) Replace(ctx context.Context, pair TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.replaceLocked(pair)
	return nil
}

func (s *MemoryTokenStore) Rotate(ctx context.Context, consumed string, pair TokenPair, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hashToken(consumed)
	entry, ok := s.entries[key]
	if !ok || !entry.active || !now.Before(entry.expiresAt) || entry.username != pair.Access.Username {
		return newError(KindTokenInvalid, fmt.Errorf("refresh token not active"))
	}
	entry.active = false
	s.entries[key] = entry

	s.replaceLocked(pair)
	return nil
}

func (s *MemoryTokenStore) replaceLocked(pair TokenPair) {
	username := pair.Access.Username
	for key, entry := range s.entries {
		if entry.username == username && entry.active {
			entry.active = false
			s.entries[key] = entry
		}
	}
	for _, e := range []TokenEntry{pair.Access, pair.Refresh} {
		s.entries[hashToken(e.Token)] = memoryTokenEntry{
			username:  e.Username,
			kind:      e.Kind,
			expiresAt: e.ExpiresAt,
			active:    true,
		}
	}
}

func (s *MemoryTokenStore) DeactivateAll(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if entry.username == username && entry.active {
			entry.active = false
			s.entries[key] = entry
		}
	}
	return nil
}

func (s *MemoryTokenStore) IsActive(ctx context.Context, token string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[hashToken(token)]
	return ok && entry.active && now.Before(entry.expiresAt), nil
}

func (s *MemoryTokenStore) Blacklist(ctx context.Context, e TokenEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[hashToken(e.Token)] = memoryTokenEntry{
		username:  e.Username,
		kind:      e.Kind,
		expiresAt: e.ExpiresAt,
		active:    false,
	}
	return nil
}

func (s *MemoryTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, entry := range s.entries {
		if !entry.expiresAt.After(now) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func cloneUser(u User) User {
	u.Roles = slices.Clone(u.Roles)
	u.LockUntil = copyTime(u.LockUntil)
	u.LastLoginAt = copyTime(u.LastLoginAt)
	return u
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
