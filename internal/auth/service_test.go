package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignin_SecondSigninSupersedesFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	first, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)
	require.NotEmpty(t, first.AccessToken)
	assert.False(t, first.TwoFactorRequired)

	blacklisted, err := f.registry.IsBlacklisted(ctx, first.AccessToken)
	require.NoError(t, err)
	assert.False(t, blacklisted)

	second, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	blacklisted, err = f.registry.IsBlacklisted(ctx, first.AccessToken)
	require.NoError(t, err)
	assert.True(t, blacklisted)

	blacklisted, err = f.registry.IsBlacklisted(ctx, second.AccessToken)
	require.NoError(t, err)
	assert.False(t, blacklisted)

	assert.Equal(t, 1, f.tokens.activeCount("bob", TokenAccess))
	assert.Equal(t, 1, f.tokens.activeCount("bob", TokenRefresh))
}

func TestSignin_ReturnsProfileAndRoles(t *testing.T) {
	f := newFixture(t)
	user := f.addUser(t, "bob", "correct horse", false)

	res, err := f.service.Signin(context.Background(), "  BOB ", "correct horse", "")
	require.NoError(t, err)

	assert.Equal(t, user.ID, res.UserID)
	assert.Equal(t, "bob", res.Username)
	assert.Equal(t, "bob@example.com", res.Email)
	assert.Equal(t, []string{RoleUser}, res.Roles)
	assert.Equal(t, "Bearer", res.TokenType)
	assert.Equal(t, int64(900), res.ExpiresIn)

	stored, err := f.users.FindUser(context.Background(), "bob")
	require.NoError(t, err)
	require.NotNil(t, stored.LastLoginAt)
	assert.True(t, stored.LastLoginAt.Equal(f.clock.Now()))
}

func TestSignin_UnknownUserLooksLikeWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "bob", "correct horse", false)

	_, errUnknown := f.service.Signin(context.Background(), "mallory", "whatever", "")
	_, errWrong := f.service.Signin(context.Background(), "bob", "wrong", "")

	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, ErrInvalidCredentials)
	assert.Equal(t, KindOf(errUnknown), KindOf(errWrong))
}

func TestSignin_LocksAfterThreeFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	for i := 0; i < 3; i++ {
		_, err := f.service.Signin(ctx, "bob", "wrong", "")
		require.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i+1)
	}

	_, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.ErrorIs(t, err, ErrAccountLocked)

	var authErr *Error
	require.True(t, errors.As(err, &authErr))
	assert.True(t, authErr.Until.Equal(stepStart.Add(10*time.Minute)))

	// Rejected while locked without touching the counter.
	stored, err := f.users.FindUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.FailedAttempts)

	f.clock.Advance(10 * time.Minute)

	res, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)

	stored, err = f.users.FindUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.FailedAttempts)
	assert.Nil(t, stored.LockUntil)
}

func TestSignin_ElapsedLockStartsFreshCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	for i := 0; i < 3; i++ {
		_, _ = f.service.Signin(ctx, "bob", "wrong", "")
	}
	f.clock.Advance(11 * time.Minute)

	_, err := f.service.Signin(ctx, "bob", "wrong", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	stored, err := f.users.FindUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailedAttempts)
	assert.Nil(t, stored.LockUntil)
}

func TestSignin_SuccessResetsCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	for i := 0; i < 2; i++ {
		_, _ = f.service.Signin(ctx, "bob", "wrong", "")
	}
	_, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.service.Signin(ctx, "bob", "wrong", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err = f.service.Signin(ctx, "bob", "correct horse", "")
	assert.NoError(t, err)
}

func TestSignin_TwoFactorScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg, err := f.service.Signup(ctx, SignupInput{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "s3cret-password",
	})
	require.NoError(t, err)
	require.NotEmpty(t, reg.Enrollment.Secret)

	partial, err := f.service.Signin(ctx, "alice", "s3cret-password", "")
	require.NoError(t, err)
	assert.True(t, partial.TwoFactorRequired)
	assert.Empty(t, partial.AccessToken)
	assert.Empty(t, partial.RefreshToken)
	assert.Equal(t, 0, f.tokens.activeCount("alice", TokenAccess))

	full, err := f.service.Signin(ctx, "alice", "s3cret-password", f.codeNow(t, reg.Enrollment.Secret))
	require.NoError(t, err)
	assert.False(t, full.TwoFactorRequired)
	assert.NotEmpty(t, full.AccessToken)
	assert.NotEmpty(t, full.RefreshToken)
	assert.Equal(t, []string{RoleUser}, full.Roles)
}

func TestSignin_WrongCodeCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "carol", "correct horse", true)

	_, err := f.service.Signin(ctx, "carol", "correct horse", "000000")
	if err == nil {
		t.Skip("random secret produced 000000 for this step")
	}
	require.ErrorIs(t, err, ErrInvalidCredentials)

	stored, err := f.users.FindUser(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailedAttempts)
}

func TestVerifyTwoFactor_IssuesTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.addUser(t, "carol", "correct horse", true)

	res, err := f.service.VerifyTwoFactor(ctx, "carol", f.codeNow(t, user.TwoFactorSecret))
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.False(t, res.TwoFactorRequired)
}

func TestVerifyTwoFactor_RejectsAccountWithoutSecondFactor(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "bob", "correct horse", false)

	_, err := f.service.VerifyTwoFactor(context.Background(), "bob", "123456")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyTwoFactor_RespectsLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.addUser(t, "carol", "correct horse", true)

	for i := 0; i < 3; i++ {
		_, _ = f.service.Signin(ctx, "carol", "wrong", "")
	}

	_, err := f.service.VerifyTwoFactor(ctx, "carol", f.codeNow(t, user.TwoFactorSecret))
	assert.ErrorIs(t, err, ErrAccountLocked)
}

func TestLogout_BlacklistsValidToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	res, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)

	require.NoError(t, f.service.Logout(ctx, res.AccessToken, res.RefreshToken))

	// Still a well-formed, unexpired token.
	_, err = f.issuer.Verify(res.AccessToken)
	require.NoError(t, err)

	blacklisted, err := f.registry.IsBlacklisted(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.True(t, blacklisted)

	_, err = f.service.Authenticate(ctx, res.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = f.service.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestLogout_ExpiredTokenIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	res, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)

	f.clock.Advance(16 * time.Minute)
	assert.NoError(t, f.service.Logout(ctx, res.AccessToken, ""))
}

func TestLogout_RejectsForgedToken(t *testing.T) {
	f := newFixture(t)
	other := NewTokenIssuer("another-key-another-key-another-key", 0, 0).WithClock(f.clock.Now)
	forged, err := other.IssueAccessToken("bob")
	require.NoError(t, err)

	err = f.service.Logout(context.Background(), forged.Token, "")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRefresh_SucceedsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	res, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)

	renewed, err := f.service.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, renewed.AccessToken)
	assert.NotEqual(t, res.RefreshToken, renewed.RefreshToken)

	_, err = f.service.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	// The rotated pair supersedes the original access token.
	blacklisted, err := f.registry.IsBlacklisted(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.True(t, blacklisted)

	_, err = f.service.Authenticate(ctx, renewed.AccessToken)
	assert.NoError(t, err)
}

func TestRefresh_ConcurrentUseWinsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	res, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.service.Refresh(ctx, res.RefreshToken); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, f.tokens.activeCount("bob", TokenAccess))
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	res, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)

	_, err = f.service.Refresh(ctx, res.AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.ErrorIs(t, err, ErrTokenKind)
}

func TestRefresh_ExpiredTokenIsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	res, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	_, err = f.service.Refresh(ctx, res.RefreshToken)
	assert.Equal(t, KindTokenInvalid, KindOf(err))
}

func TestAuthenticate_ExpiredIsDistinct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	res, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)

	entry, err := f.service.Authenticate(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "bob", entry.Username)

	f.clock.Advance(15*time.Minute + time.Second)
	_, err = f.service.Authenticate(ctx, res.AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestSignin_ConcurrentLoginsLeaveOneActiveToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Signin(ctx, "bob", "correct horse", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.tokens.activeCount("bob", TokenAccess))
	assert.Equal(t, 1, f.tokens.activeCount("bob", TokenRefresh))
}

func TestSignin_ConcurrentFailuresAreNotLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)
	f.guard = NewLockoutGuard(f.users, 100, time.Minute)
	f.service.guard = f.guard

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.service.Signin(ctx, "bob", "wrong", "")
		}()
	}
	wg.Wait()

	stored, err := f.users.FindUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 20, stored.FailedAttempts)
}

func TestSignup_RejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Signup(ctx, SignupInput{Username: "alice", Email: "alice@example.com", Password: "password-1"})
	require.NoError(t, err)

	_, err = f.service.Signup(ctx, SignupInput{Username: "alice", Email: "other@example.com", Password: "password-1"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = f.service.Signup(ctx, SignupInput{Username: "alice2", Email: "ALICE@example.com", Password: "password-1"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSignup_ResolvesRoleHints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Signup(ctx, SignupInput{
		Username: "root",
		Email:    "root@example.com",
		Password: "password-1",
		Roles:    []string{"admin", "user", "admin"},
	})
	require.NoError(t, err)

	stored, err := f.users.FindUser(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{RoleAdmin, RoleUser}, stored.Roles)
	assert.True(t, stored.TwoFactorEnabled)
	assert.NotEmpty(t, stored.TwoFactorSecret)
}

func TestForgotPassword_NotifiesOnlyTwoFactorAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	f.service.WithNotifier(notifier)
	f.addUser(t, "carol", "correct horse", true)
	f.addUser(t, "bob", "correct horse", false)

	assert.NoError(t, f.service.ForgotPassword(ctx, "carol"))
	assert.NoError(t, f.service.ForgotPassword(ctx, "bob"))
	assert.NoError(t, f.service.ForgotPassword(ctx, "nobody"))

	assert.Equal(t, []string{"carol"}, notifier.users)
}

func TestResetPassword_RequiresValidCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.addUser(t, "carol", "correct horse", true)

	res, err := f.service.Signin(ctx, "carol", "correct horse", f.codeNow(t, user.TwoFactorSecret))
	require.NoError(t, err)

	err = f.service.ResetPassword(ctx, "carol", "12345", "brand-new-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, f.service.ResetPassword(ctx, "carol", f.codeNow(t, user.TwoFactorSecret), "brand-new-password"))

	blacklisted, err := f.registry.IsBlacklisted(ctx, res.AccessToken)
	require.NoError(t, err)
	assert.True(t, blacklisted)

	_, err = f.service.Signin(ctx, "carol", "correct horse", f.codeNow(t, user.TwoFactorSecret))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.service.Signin(ctx, "carol", "brand-new-password", f.codeNow(t, user.TwoFactorSecret))
	assert.NoError(t, err)
}

func TestResetPassword_UnavailableWithoutSecondFactor(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "bob", "correct horse", false)

	err := f.service.ResetPassword(context.Background(), "bob", "123456", "brand-new-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestTwoFactor_EnableAndDisable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	enrollment, err := f.service.EnableTwoFactor(ctx, "bob")
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.QRCodePNG)

	partial, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)
	assert.True(t, partial.TwoFactorRequired)

	require.NoError(t, f.service.DisableTwoFactor(ctx, "bob", f.codeNow(t, enrollment.Secret)))

	res, err := f.service.Signin(ctx, "bob", "correct horse", "")
	require.NoError(t, err)
	assert.False(t, res.TwoFactorRequired)
	assert.NotEmpty(t, res.AccessToken)
}

// interleavingUserStore runs beforeSave ahead of every SaveUser, standing in
// for a concurrent request that lands between a read and a write.
type interleavingUserStore struct {
	*MemoryUserStore
	beforeSave func()
}

func (s *interleavingUserStore) SaveUser(ctx context.Context, user User) (User, error) {
	if s.beforeSave != nil {
		s.beforeSave()
	}
	return s.MemoryUserStore.SaveUser(ctx, user)
}

func TestEnableTwoFactor_KeepsConcurrentFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addUser(t, "bob", "correct horse", false)

	store := &interleavingUserStore{MemoryUserStore: f.users}
	guard := NewLockoutGuard(store, 3, 10*time.Minute)
	service := NewService(store, f.registry, f.issuer, guard, f.totp).WithClock(f.clock.Now)

	_, err := guard.Fail(ctx, "bob", f.clock.Now())
	require.NoError(t, err)

	store.beforeSave = func() {
		_, err := guard.Fail(ctx, "bob", f.clock.Now())
		require.NoError(t, err)
	}
	_, err = service.EnableTwoFactor(ctx, "bob")
	require.NoError(t, err)

	stored, err := f.users.FindUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.FailedAttempts)
	assert.True(t, stored.TwoFactorEnabled)
}

func TestDisableTwoFactor_AfterElapsedLockLeavesCounterClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.addUser(t, "carol", "correct horse", true)

	for range 3 {
		_, err := f.service.Signin(ctx, "carol", "wrong", "")
		require.Error(t, err)
	}
	f.clock.Advance(11 * time.Minute)

	require.NoError(t, f.service.DisableTwoFactor(ctx, "carol", f.codeNow(t, user.TwoFactorSecret)))

	stored, err := f.users.FindUser(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, stored.TwoFactorEnabled)
	assert.Zero(t, stored.FailedAttempts)
	assert.Nil(t, stored.LockUntil)
}

func TestResetPassword_ClearsFailureCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.addUser(t, "carol", "correct horse", true)

	for range 2 {
		_, err := f.service.Signin(ctx, "carol", "wrong", "")
		require.Error(t, err)
	}

	require.NoError(t, f.service.ResetPassword(ctx, "carol", f.codeNow(t, user.TwoFactorSecret), "brand-new-password"))

	stored, err := f.users.FindUser(ctx, "carol")
	require.NoError(t, err)
	assert.Zero(t, stored.FailedAttempts)
	assert.Nil(t, stored.LockUntil)
}

func TestMemoryUserStore_SaveUserKeepsAttemptFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.addUser(t, "bob", "correct horse", false)

	_, err := f.guard.Fail(ctx, "bob", f.clock.Now())
	require.NoError(t, err)

	user.FailedAttempts = 0
	user.Email = "bob@new.example.com"
	saved, err := f.users.SaveUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.FailedAttempts)

	stored, err := f.users.FindUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailedAttempts)
	assert.Equal(t, "bob@new.example.com", stored.Email)
}

func TestBootstrapAdmin_CreatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.BootstrapAdmin(ctx, "Admin", "admin@example.com", "admin-password"))
	require.NoError(t, f.service.BootstrapAdmin(ctx, "admin", "admin@example.com", "other-password"))

	stored, err := f.users.FindUser(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{RoleAdmin, RoleUser}, stored.Roles)

	_, err = f.service.Signin(ctx, "admin", "admin-password", "")
	assert.NoError(t, err)

	assert.NoError(t, f.service.BootstrapAdmin(ctx, "", "", ""))
	assert.Error(t, f.service.BootstrapAdmin(ctx, "admin", "", "x"))
}
