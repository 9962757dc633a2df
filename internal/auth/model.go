package auth

import "time"

const (
	RoleUser      = "ROLE_USER"
	RoleModerator = "ROLE_MODERATOR"
	RoleAdmin     = "ROLE_ADMIN"
)

type User struct {
	ID               string
	Username         string
	Email            string
	PasswordHash     string
	Roles            []string
	TwoFactorEnabled bool
	TwoFactorSecret  string
	FailedAttempts   int
	LockUntil        *time.Time
	LastLoginAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LoginAttemptState is the lockout view over a user's failure counter.
type LoginAttemptState struct {
	FailedAttempts int
	LockUntil      *time.Time
}

func (s LoginAttemptState) LockedAt(now time.Time) bool {
	return s.LockUntil != nil && now.Before(*s.LockUntil)
}

type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

type TokenEntry struct {
	Token     string
	Username  string
	Kind      TokenKind
	ExpiresAt time.Time
}

type TokenPair struct {
	Access  TokenEntry
	Refresh TokenEntry
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type SigninResult struct {
	AccessToken       string   `json:"access_token,omitempty"`
	RefreshToken      string   `json:"refresh_token,omitempty"`
	TokenType         string   `json:"token_type,omitempty"`
	ExpiresIn         int64    `json:"expires_in,omitempty"`
	UserID            string   `json:"id"`
	Username          string   `json:"username"`
	Email             string   `json:"email"`
	Roles             []string `json:"roles"`
	TwoFactorRequired bool     `json:"two_factor_required"`
}

type Enrollment struct {
	Secret    string `json:"secret"`
	URI       string `json:"otpauth_uri"`
	QRCodePNG string `json:"qr_code"`
}

type SignupInput struct {
	Username string
	Email    string
	Password string
	Roles    []string
}

type SignupResult struct {
	Message    string     `json:"message"`
	UserID     string     `json:"id"`
	Enrollment Enrollment `json:"two_factor"`
}

type Profile struct {
	UserID           string   `json:"id"`
	Username         string   `json:"username"`
	Email            string   `json:"email"`
	Roles            []string `json:"roles"`
	TwoFactorEnabled bool     `json:"two_factor_enabled"`
}
