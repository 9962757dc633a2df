package auth

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpSecretBytes = 20
	totpPeriod      = 30
	totpSkew        = 1
	qrCodeSize      = 200
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TOTPVerifier generates enrollment material and checks 6 digit, 30 second
// SHA1 codes with one step of clock skew either way. Accepted codes are not
// remembered, so a code may be used again while its step is in the window.
type TOTPVerifier struct {
	issuer string
	now    func() time.Time
}

func NewTOTPVerifier(issuer string) *TOTPVerifier {
	if strings.TrimSpace(issuer) == "" {
		issuer = "FinanceTracker"
	}
	return &TOTPVerifier{issuer: issuer, now: time.Now}
}

func (v *TOTPVerifier) WithClock(now func() time.Time) *TOTPVerifier {
	v.now = now
	return v
}

func (v *TOTPVerifier) GenerateSecret() (string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return secretEncoding.EncodeToString(raw), nil
}

func (v *TOTPVerifier) Enrollment(secret, username string) (Enrollment, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return Enrollment{}, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: username,
		Period:      totpPeriod,
		SecretSize:  totpSecretBytes,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("build totp key: %w", err)
	}

	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return Enrollment{}, fmt.Errorf("render totp qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Enrollment{}, fmt.Errorf("encode totp qr code: %w", err)
	}

	return Enrollment{
		Secret:    secret,
		URI:       key.URL(),
		QRCodePNG: base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// Verify reports whether code matches the current, previous or next step.
// Malformed input is never accepted.
func (v *TOTPVerifier) Verify(secret, code string) bool {
	code = strings.TrimSpace(code)
	if !isSixDigits(code) {
		return false
	}
	if _, err := decodeSecret(secret); err != nil {
		return false
	}

	ok, err := totp.ValidateCustom(code, strings.ToUpper(secret), v.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return ok
}

// CodeAt returns the code for the step containing t.
func (v *TOTPVerifier) CodeAt(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(strings.ToUpper(secret), t.UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

func decodeSecret(secret string) ([]byte, error) {
	raw, err := secretEncoding.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return nil, fmt.Errorf("decode totp secret: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("decode totp secret: empty")
	}
	return raw, nil
}

func isSixDigits(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, ch := range code {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}
