package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Notifier is told about account events that reach the user out of band.
type Notifier interface {
	PasswordResetRequested(ctx context.Context, user User) error
}

// Service is the authentication orchestrator: signin with optional second
// factor, refresh rotation, logout and the account flows around them.
type Service struct {
	users    UserStore
	registry *TokenRegistry
	issuer   *TokenIssuer
	guard    *LockoutGuard
	totp     *TOTPVerifier
	notifier Notifier
	now      func() time.Time

	bcryptCost int
	dummyOnce  sync.Once
	dummyHash  []byte
}

func NewService(users UserStore, registry *TokenRegistry, issuer *TokenIssuer, guard *LockoutGuard, verifier *TOTPVerifier) *Service {
	return &Service{
		users:      users,
		registry:   registry,
		issuer:     issuer,
		guard:      guard,
		totp:       verifier,
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
}

func (s *Service) WithNotifier(notifier Notifier) *Service {
	s.notifier = notifier
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithBcryptCost(cost int) *Service {
	if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
		s.bcryptCost = cost
	}
	return s
}

func (s *Service) Signup(ctx context.Context, input SignupInput) (SignupResult, error) {
	username := normalizeUsername(input.Username)
	email := strings.TrimSpace(strings.ToLower(input.Email))
	if username == "" || email == "" || input.Password == "" {
		return SignupResult{}, ErrInvalidCredentials
	}

	if _, err := s.users.FindUser(ctx, username); err == nil {
		return SignupResult{}, newError(KindConflict, fmt.Errorf("username taken"))
	} else if !errors.Is(err, ErrNotFound) {
		return SignupResult{}, err
	}
	if _, err := s.users.FindUserByEmail(ctx, email); err == nil {
		return SignupResult{}, newError(KindConflict, fmt.Errorf("email taken"))
	} else if !errors.Is(err, ErrNotFound) {
		return SignupResult{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.bcryptCost)
	if err != nil {
		return SignupResult{}, fmt.Errorf("hash password: %w", err)
	}

	secret, err := s.totp.GenerateSecret()
	if err != nil {
		return SignupResult{}, err
	}
	enrollment, err := s.totp.Enrollment(secret, username)
	if err != nil {
		return SignupResult{}, err
	}

	user, err := s.users.SaveUser(ctx, User{
		Username:         username,
		Email:            email,
		PasswordHash:     string(hash),
		Roles:            resolveRoles(input.Roles),
		TwoFactorEnabled: true,
		TwoFactorSecret:  secret,
	})
	if err != nil {
		return SignupResult{}, err
	}

	return SignupResult{
		Message:    "user registered; scan the qr code with an authenticator app",
		UserID:     user.ID,
		Enrollment: enrollment,
	}, nil
}

// Signin checks the password, then the second factor when the account has
// one. A 2FA account without code gets TwoFactorRequired and no tokens.
func (s *Service) Signin(ctx context.Context, username, password, code string) (SigninResult, error) {
	username = normalizeUsername(username)
	if username == "" || password == "" {
		return SigninResult{}, ErrInvalidCredentials
	}

	now := s.now().UTC()
	user, err := s.users.FindUser(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.burnPasswordCheck(password)
			return SigninResult{}, ErrInvalidCredentials
		}
		return SigninResult{}, err
	}

	if err := s.guard.Admit(ctx, user, now); err != nil {
		return SigninResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return SigninResult{}, s.fail(ctx, username, now)
	}

	if user.TwoFactorEnabled {
		code = strings.TrimSpace(code)
		if code == "" {
			return SigninResult{
				UserID:            user.ID,
				Username:          user.Username,
				Email:             user.Email,
				Roles:             user.Roles,
				TwoFactorRequired: true,
			}, nil
		}
		if !s.totp.Verify(user.TwoFactorSecret, code) {
			return SigninResult{}, s.fail(ctx, username, now)
		}
	}

	return s.complete(ctx, user, now)
}

// VerifyTwoFactor completes a signin that stopped at TwoFactorRequired.
func (s *Service) VerifyTwoFactor(ctx context.Context, username, code string) (SigninResult, error) {
	username = normalizeUsername(username)
	now := s.now().UTC()

	user, err := s.users.FindUser(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SigninResult{}, ErrInvalidCredentials
		}
		return SigninResult{}, err
	}
	if !user.TwoFactorEnabled {
		return SigninResult{}, ErrInvalidCredentials
	}

	if err := s.guard.Admit(ctx, user, now); err != nil {
		return SigninResult{}, err
	}
	if !s.totp.Verify(user.TwoFactorSecret, code) {
		return SigninResult{}, s.fail(ctx, username, now)
	}

	return s.complete(ctx, user, now)
}

func (s *Service) complete(ctx context.Context, user User, now time.Time) (SigninResult, error) {
	pair, err := s.issuer.IssuePair(user.Username)
	if err != nil {
		return SigninResult{}, err
	}
	if err := s.guard.Succeed(ctx, user.Username, now); err != nil {
		return SigninResult{}, err
	}
	if err := s.registry.Activate(ctx, pair); err != nil {
		return SigninResult{}, err
	}

	return SigninResult{
		AccessToken:  pair.Access.Token,
		RefreshToken: pair.Refresh.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.issuer.AccessTTL().Seconds()),
		UserID:       user.ID,
		Username:     user.Username,
		Email:        user.Email,
		Roles:        user.Roles,
	}, nil
}

// fail persists the failed attempt before the request is rejected.
func (s *Service) fail(ctx context.Context, username string, now time.Time) error {
	if _, err := s.guard.Fail(ctx, username, now); err != nil {
		return err
	}
	return ErrInvalidCredentials
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	consumed, err := s.issuer.VerifyKind(strings.TrimSpace(refreshToken), TokenRefresh)
	if err != nil {
		return Tokens{}, newError(KindTokenInvalid, err)
	}

	if _, err := s.users.FindUser(ctx, consumed.Username); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Tokens{}, newError(KindTokenInvalid, err)
		}
		return Tokens{}, err
	}

	pair, err := s.issuer.IssuePair(consumed.Username)
	if err != nil {
		return Tokens{}, err
	}
	if err := s.registry.Rotate(ctx, consumed, pair); err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  pair.Access.Token,
		RefreshToken: pair.Refresh.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.issuer.AccessTTL().Seconds()),
	}, nil
}

// Logout blacklists the access token, and the refresh token when given,
// each until its own expiry. Tokens that already expired are skipped.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	access, err := s.revocable(accessToken, TokenAccess)
	if err != nil {
		return err
	}

	var refresh *TokenEntry
	if strings.TrimSpace(refreshToken) != "" {
		refresh, err = s.revocable(refreshToken, TokenRefresh)
		if err != nil {
			return err
		}
		if access != nil && refresh != nil && access.Username != refresh.Username {
			return newError(KindTokenInvalid, fmt.Errorf("token owners differ"))
		}
	}

	for _, entry := range []*TokenEntry{access, refresh} {
		if entry == nil {
			continue
		}
		if err := s.registry.Blacklist(ctx, *entry); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) revocable(raw string, kind TokenKind) (*TokenEntry, error) {
	entry, err := s.issuer.VerifyKind(strings.TrimSpace(raw), kind)
	if err != nil {
		if KindOf(err) == KindTokenExpired {
			return nil, nil
		}
		return nil, newError(KindTokenInvalid, err)
	}
	return &entry, nil
}

// Authenticate resolves a bearer access token. Expiry stays distinct from
// other failures so clients know to refresh.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (TokenEntry, error) {
	entry, err := s.issuer.VerifyKind(accessToken, TokenAccess)
	if err != nil {
		return TokenEntry{}, err
	}

	blacklisted, err := s.registry.IsBlacklisted(ctx, accessToken)
	if err != nil {
		return TokenEntry{}, err
	}
	if blacklisted {
		return TokenEntry{}, newError(KindTokenInvalid, fmt.Errorf("token blacklisted"))
	}

	return entry, nil
}

func (s *Service) Profile(ctx context.Context, username string) (Profile, error) {
	user, err := s.users.FindUser(ctx, username)
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		UserID:           user.ID,
		Username:         user.Username,
		Email:            user.Email,
		Roles:            user.Roles,
		TwoFactorEnabled: user.TwoFactorEnabled,
	}, nil
}

// ForgotPassword starts a reset. It succeeds the same way whether or not
// the account exists; only 2FA accounts can complete a reset.
func (s *Service) ForgotPassword(ctx context.Context, username string) error {
	user, err := s.users.FindUser(ctx, normalizeUsername(username))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !user.TwoFactorEnabled || s.notifier == nil {
		return nil
	}
	return s.notifier.PasswordResetRequested(ctx, user)
}

// ResetPassword sets a new password when code is a valid TOTP code for the
// account. Every token of the user is invalidated.
func (s *Service) ResetPassword(ctx context.Context, username, code, newPassword string) error {
	username = normalizeUsername(username)
	if newPassword == "" {
		return ErrInvalidCredentials
	}
	now := s.now().UTC()

	user, err := s.users.FindUser(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if !user.TwoFactorEnabled {
		return ErrInvalidCredentials
	}
	if err := s.guard.Admit(ctx, user, now); err != nil {
		return err
	}
	if !s.totp.Verify(user.TwoFactorSecret, code) {
		return s.fail(ctx, username, now)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user.PasswordHash = string(hash)
	if _, err := s.users.SaveUser(ctx, user); err != nil {
		return err
	}
	if err := s.guard.Reset(ctx, username); err != nil {
		return err
	}

	return s.registry.InvalidateAll(ctx, username)
}

// EnableTwoFactor turns on 2FA with a fresh secret, replacing any old one.
func (s *Service) EnableTwoFactor(ctx context.Context, username string) (Enrollment, error) {
	user, err := s.users.FindUser(ctx, username)
	if err != nil {
		return Enrollment{}, err
	}

	secret, err := s.totp.GenerateSecret()
	if err != nil {
		return Enrollment{}, err
	}
	enrollment, err := s.totp.Enrollment(secret, user.Username)
	if err != nil {
		return Enrollment{}, err
	}

	user.TwoFactorEnabled = true
	user.TwoFactorSecret = secret
	if _, err := s.users.SaveUser(ctx, user); err != nil {
		return Enrollment{}, err
	}

	return enrollment, nil
}

func (s *Service) DisableTwoFactor(ctx context.Context, username, code string) error {
	now := s.now().UTC()
	user, err := s.users.FindUser(ctx, username)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled {
		return nil
	}
	if err := s.guard.Admit(ctx, user, now); err != nil {
		return err
	}
	if !s.totp.Verify(user.TwoFactorSecret, code) {
		return s.fail(ctx, username, now)
	}

	user.TwoFactorEnabled = false
	user.TwoFactorSecret = ""
	_, err = s.users.SaveUser(ctx, user)
	return err
}

// BootstrapAdmin creates the admin account on first start. An existing
// account is left alone.
func (s *Service) BootstrapAdmin(ctx context.Context, username, email, password string) error {
	username = normalizeUsername(username)
	email = strings.TrimSpace(strings.ToLower(email))

	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" || email == "" {
		return fmt.Errorf("ADMIN_USERNAME, ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	if _, err := s.users.FindUser(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	_, err = s.users.SaveUser(ctx, User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Roles:        []string{RoleAdmin, RoleUser},
	})
	return err
}

// burnPasswordCheck spends one bcrypt comparison so unknown usernames take
// as long as wrong passwords.
func (s *Service) burnPasswordCheck(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), s.bcryptCost)
	})
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
}

func normalizeUsername(username string) string {
	return strings.TrimSpace(strings.ToLower(username))
}

func resolveRoles(hints []string) []string {
	roles := make([]string, 0, len(hints)+1)
	for _, hint := range hints {
		var role string
		switch strings.ToLower(strings.TrimSpace(hint)) {
		case "admin":
			role = RoleAdmin
		case "mod", "moderator":
			role = RoleModerator
		default:
			role = RoleUser
		}
		if !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		roles = append(roles, RoleUser)
	}
	slices.Sort(roles)
	return roles
}
