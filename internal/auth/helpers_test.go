package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-signing-key-0123456789abcdef0123"

// stepStart sits exactly on a 30s TOTP boundary.
var stepStart = time.Unix(1_700_000_010, 0).UTC()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock    *fakeClock
	users    *MemoryUserStore
	tokens   *MemoryTokenStore
	issuer   *TokenIssuer
	registry *TokenRegistry
	guard    *LockoutGuard
	totp     *TOTPVerifier
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := newFakeClock(stepStart)
	users := NewMemoryUserStore()
	tokens := NewMemoryTokenStore()
	issuer := NewTokenIssuer(testSecret, 15*time.Minute, 7*24*time.Hour).WithClock(clock.Now)
	registry := NewTokenRegistry(tokens).WithClock(clock.Now)
	guard := NewLockoutGuard(users, 3, 10*time.Minute)
	verifier := NewTOTPVerifier("FinanceTracker").WithClock(clock.Now)
	service := NewService(users, registry, issuer, guard, verifier).
		WithClock(clock.Now).
		WithBcryptCost(bcrypt.MinCost)

	return &fixture{
		clock:    clock,
		users:    users,
		tokens:   tokens,
		issuer:   issuer,
		registry: registry,
		guard:    guard,
		totp:     verifier,
		service:  service,
	}
}

func (f *fixture) addUser(t *testing.T, username, password string, twoFactor bool) User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	user := User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: string(hash),
		Roles:        []string{RoleUser},
	}
	if twoFactor {
		secret, err := f.totp.GenerateSecret()
		require.NoError(t, err)
		user.TwoFactorEnabled = true
		user.TwoFactorSecret = secret
	}

	saved, err := f.users.SaveUser(context.Background(), user)
	require.NoError(t, err)
	return saved
}

func (f *fixture) codeNow(t *testing.T, secret string) string {
	t.Helper()
	code, err := f.totp.CodeAt(secret, f.clock.Now())
	require.NoError(t, err)
	return code
}

func (s *MemoryTokenStore) activeCount(username string, kind TokenKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, entry := range s.entries {
		if entry.username == username && entry.kind == kind && entry.active {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu    sync.Mutex
	users []string
}

func (n *recordingNotifier) PasswordResetRequested(ctx context.Context, user User) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, user.Username)
	return nil
}
