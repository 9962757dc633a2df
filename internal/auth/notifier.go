package auth

import (
	"context"

	"finance-tracker/internal/observability"
)

// LogNotifier stands in for mail delivery: it records that a reset was
// requested without including anything secret.
type LogNotifier struct {
	logger *observability.Logger
}

func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) PasswordResetRequested(ctx context.Context, user User) error {
	n.logger.Info("password_reset_requested", map[string]any{
		"user_id": user.ID,
		"email":   maskEmail(user.Email),
	})
	return nil
}

func maskEmail(email string) string {
	for i := 0; i < len(email); i++ {
		if email[i] == '@' {
			if i <= 1 {
				return "*" + email[i:]
			}
			return email[:1] + "***" + email[i:]
		}
	}
	return "***"
}
