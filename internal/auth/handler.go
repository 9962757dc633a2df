package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"finance-tracker/internal/observability"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)

const maxJSONBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernameRegex.MatchString(strings.ToLower(fl.Field().String()))
	})
	return v
}

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// otpCode accepts the code as a JSON string or number. Numbers are padded
// back to six digits since leading zeros do not survive them.
type otpCode string

func (c *otpCode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = otpCode(strings.TrimSpace(s))
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("code must be a string or integer")
	}
	if n < 0 || n > 999999 {
		return fmt.Errorf("code out of range")
	}
	*c = otpCode(fmt.Sprintf("%06d", n))
	return nil
}

type signupRequest struct {
	Username string   `json:"username" validate:"required,username"`
	Email    string   `json:"email" validate:"required,email,max=254"`
	Password string   `json:"password" validate:"required,min=8,max=200"`
	Roles    []string `json:"roles" validate:"max=3,dive,max=32"`
}

type signinRequest struct {
	Username string  `json:"username" validate:"required,max=64"`
	Password string  `json:"password" validate:"required,max=200"`
	Code     otpCode `json:"code" validate:"omitempty,len=6,numeric"`
}

type verifyTwoFactorRequest struct {
	Username string  `json:"username" validate:"required,max=64"`
	Code     otpCode `json:"code" validate:"required,len=6,numeric"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type logoutRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type forgotPasswordRequest struct {
	Username string `json:"username" validate:"required,max=64"`
}

type resetPasswordRequest struct {
	Username    string  `json:"username" validate:"required,max=64"`
	Code        otpCode `json:"code" validate:"required,len=6,numeric"`
	NewPassword string  `json:"new_password" validate:"required,min=8,max=200"`
}

type codeRequest struct {
	Code otpCode `json:"code" validate:"required,len=6,numeric"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var body signupRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Signup(r.Context(), SignupInput{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
		Roles:    body.Roles,
	})
	if err != nil {
		h.writeFailure(w, r, err, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) Signin(w http.ResponseWriter, r *http.Request) {
	var body signinRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Signin(r.Context(), body.Username, body.Password, string(body.Code))
	if err != nil {
		h.writeFailure(w, r, err, "failed to sign in")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var body verifyTwoFactorRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.VerifyTwoFactor(r.Context(), body.Username, string(body.Code))
	if err != nil {
		h.writeFailure(w, r, err, "failed to verify code")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		h.writeFailure(w, r, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// Logout takes the access token from the body, or from the Authorization
// header when the body omits it.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body logoutRequest
	if !decodeOptionalJSON(w, r, &body) {
		return
	}

	access := strings.TrimSpace(body.AccessToken)
	if access == "" {
		if parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			access = strings.TrimSpace(parts[1])
		}
	}
	if access == "" {
		writeError(w, http.StatusBadRequest, "access_token is required")
		return
	}

	if err := h.service.Logout(r.Context(), access, body.RefreshToken); err != nil {
		h.writeFailure(w, r, err, "failed to logout")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ForgotPassword(r.Context(), body.Username); err != nil {
		h.writeFailure(w, r, err, "failed to start password reset")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "if the account exists, reset it with a code from your authenticator app",
	})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Username, string(body.Code), body.NewPassword); err != nil {
		h.writeFailure(w, r, err, "failed to reset password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	username, ok := UsernameFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	enrollment, err := h.service.EnableTwoFactor(r.Context(), username)
	if err != nil {
		h.writeFailure(w, r, err, "failed to enable two-factor")
		return
	}

	writeJSON(w, http.StatusOK, enrollment)
}

func (h *Handler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	username, ok := UsernameFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var body codeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.DisableTwoFactor(r.Context(), username, string(body.Code)); err != nil {
		h.writeFailure(w, r, err, "failed to disable two-factor")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	username, ok := UsernameFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	profile, err := h.service.Profile(r.Context(), username)
	if err != nil {
		h.writeFailure(w, r, err, "failed to load profile")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeRequest(w, r, dst, false)
}

// decodeOptionalJSON treats an empty body as an empty object.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeRequest(w, r, dst, true)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}

	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			writeError(w, http.StatusBadRequest, fieldErrs[0].Field()+" is invalid")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}

	return true
}

// statusFor maps every core error kind to its transport status.
func statusFor(kind ErrorKind) (int, string) {
	switch kind {
	case KindInvalidCredentials:
		return http.StatusUnauthorized, "invalid credentials"
	case KindAccountLocked:
		return http.StatusLocked, "account temporarily locked"
	case KindTokenInvalid:
		return http.StatusUnauthorized, "invalid token"
	case KindTokenExpired:
		return http.StatusUnauthorized, "token expired"
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests, "too many requests"
	case KindNotFound:
		return http.StatusNotFound, "not found"
	case KindConflict:
		return http.StatusConflict, "username or email already in use"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeAuthError(w http.ResponseWriter, err error, now time.Time) {
	var authErr *Error
	if !errors.As(err, &authErr) {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status, message := statusFor(authErr.Kind)
	if !authErr.Until.IsZero() {
		w.Header().Set("Retry-After", retryAfterSeconds(authErr.Until, now))
	}
	writeJSON(w, status, map[string]string{
		"error":      message,
		"error_code": authErr.Kind.String(),
	})
}

// writeFailure answers with the service clock so Retry-After matches the
// lock the service computed.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	writeBoundaryError(w, r, err, fallback, h.service.now())
}

func writeBoundaryError(w http.ResponseWriter, r *http.Request, err error, fallback string, now time.Time) {
	if KindOf(err) != 0 {
		writeAuthError(w, err, now)
		return
	}

	observability.CaptureError(r.Context(), err)
	writeError(w, http.StatusInternalServerError, fallback)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
