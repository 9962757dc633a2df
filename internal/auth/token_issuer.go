package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

type tokenClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens. The key is fixed at
// construction. Verify does not consult the registry.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	return &TokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

func (i *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	i.now = now
	return i
}

func (i *TokenIssuer) AccessTTL() time.Duration {
	return i.accessTTL
}

func (i *TokenIssuer) IssueAccessToken(username string) (TokenEntry, error) {
	return i.issue(username, TokenAccess, i.accessTTL)
}

func (i *TokenIssuer) IssueRefreshToken(username string) (TokenEntry, error) {
	return i.issue(username, TokenRefresh, i.refreshTTL)
}

func (i *TokenIssuer) IssuePair(username string) (TokenPair, error) {
	access, err := i.IssueAccessToken(username)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := i.IssueRefreshToken(username)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

func (i *TokenIssuer) issue(username string, kind TokenKind, ttl time.Duration) (TokenEntry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return TokenEntry{}, fmt.Errorf("generate token id: %w", err)
	}

	now := i.now().UTC()
	expiresAt := now.Add(ttl)
	claims := tokenClaims{
		Type: string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id.String(),
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(i.secret)
	if err != nil {
		return TokenEntry{}, fmt.Errorf("sign jwt: %w", err)
	}

	// NumericDate truncates to seconds; record what the token actually says.
	return TokenEntry{
		Token:     encoded,
		Username:  username,
		Kind:      kind,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// Verify checks signature and expiry. Failures are *Error values of kind
// TokenExpired, or TokenInvalid wrapping ErrTokenSignature or ErrTokenMalformed.
func (i *TokenIssuer) Verify(raw string) (TokenEntry, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return TokenEntry{}, newError(KindTokenExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return TokenEntry{}, newError(KindTokenInvalid, fmt.Errorf("%w: %v", ErrTokenSignature, err))
		default:
			return TokenEntry{}, newError(KindTokenInvalid, fmt.Errorf("%w: %v", ErrTokenMalformed, err))
		}
	}

	kind := TokenKind(claims.Type)
	if claims.Subject == "" || (kind != TokenAccess && kind != TokenRefresh) {
		return TokenEntry{}, newError(KindTokenInvalid, ErrTokenMalformed)
	}

	return TokenEntry{
		Token:     raw,
		Username:  claims.Subject,
		Kind:      kind,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// VerifyKind is Verify plus a check on the typ claim.
func (i *TokenIssuer) VerifyKind(raw string, kind TokenKind) (TokenEntry, error) {
	entry, err := i.Verify(raw)
	if err != nil {
		return TokenEntry{}, err
	}
	if entry.Kind != kind {
		return TokenEntry{}, newError(KindTokenInvalid, ErrTokenKind)
	}
	return entry, nil
}
