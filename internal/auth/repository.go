package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// Repository is the Postgres implementation of UserStore and TokenStore.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const selectUser = `
	SELECT id, username, email, password_hash, two_factor_enabled, two_factor_secret,
		failed_attempts, lock_until, last_login_at, created_at, updated_at
	FROM users
`

func (r *Repository) FindUser(ctx context.Context, username string) (User, error) {
	return r.findUser(ctx, selectUser+`WHERE username = $1`, username)
}

func (r *Repository) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return r.findUser(ctx, selectUser+`WHERE lower(email) = lower($1)`, email)
}

func (r *Repository) findUser(ctx context.Context, query string, arg string) (User, error) {
	var user User
	var secret sql.NullString
	var lockUntil, lastLogin sql.NullTime
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.TwoFactorEnabled, &secret,
		&user.FailedAttempts, &lockUntil, &lastLogin, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("query user: %w", err)
	}
	user.TwoFactorSecret = secret.String
	user.LockUntil = nullTimePtr(lockUntil)
	user.LastLoginAt = nullTimePtr(lastLogin)

	roles, err := r.userRoles(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	user.Roles = roles

	return user, nil
}

func (r *Repository) userRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ro.name
		FROM user_roles ur
		JOIN roles ro ON ro.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY ro.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user roles: %w", err)
	}
	defer rows.Close()

	roles := make([]string, 0, 2)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan user role: %w", err)
		}
		roles = append(roles, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user roles: %w", err)
	}

	return roles, nil
}

func (r *Repository) SaveUser(ctx context.Context, user User) (User, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin save user tx: %w", err)
	}
	defer tx.Rollback()

	secret := sql.NullString{String: user.TwoFactorSecret, Valid: user.TwoFactorSecret != ""}

	if user.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return User{}, fmt.Errorf("generate uuid v7: %w", err)
		}
		user.ID = id.String()
		user.CreatedAt = now
		user.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO users (id, username, email, password_hash, two_factor_enabled, two_factor_secret,
				failed_attempts, lock_until, last_login_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		`, user.ID, user.Username, user.Email, user.PasswordHash, user.TwoFactorEnabled, secret,
			user.FailedAttempts, timePtrValue(user.LockUntil), timePtrValue(user.LastLoginAt), now)
		if err != nil {
			if isUniqueViolation(err) {
				return User{}, ErrConflict
			}
			return User{}, fmt.Errorf("insert user: %w", err)
		}
	} else {
		// Lockout and login columns belong to the atomic attempt operations.
		var lockUntil, lastLogin sql.NullTime
		err = tx.QueryRowContext(ctx, `
			UPDATE users
			SET email = $2, password_hash = $3, two_factor_enabled = $4, two_factor_secret = $5, updated_at = $6
			WHERE id = $1
			RETURNING failed_attempts, lock_until, last_login_at, created_at, updated_at
		`, user.ID, user.Email, user.PasswordHash, user.TwoFactorEnabled, secret, now).
			Scan(&user.FailedAttempts, &lockUntil, &lastLogin, &user.CreatedAt, &user.UpdatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return User{}, ErrNotFound
			}
			if isUniqueViolation(err) {
				return User{}, ErrConflict
			}
			return User{}, fmt.Errorf("update user: %w", err)
		}
		user.LockUntil = nullTimePtr(lockUntil)
		user.LastLoginAt = nullTimePtr(lastLogin)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_roles WHERE user_id = $1`, user.ID); err != nil {
		return User{}, fmt.Errorf("clear user roles: %w", err)
	}
	for _, role := range user.Roles {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles (user_id, role_id)
			SELECT $1, id FROM roles WHERE name = $2
			ON CONFLICT DO NOTHING
		`, user.ID, role)
		if err != nil {
			return User{}, fmt.Errorf("insert user role %s: %w", role, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit save user tx: %w", err)
	}

	return user, nil
}

func (r *Repository) RecordFailedAttempt(ctx context.Context, username string, threshold int, lockUntil time.Time) (LoginAttemptState, error) {
	var state LoginAttemptState
	var until sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		UPDATE users
		SET
			failed_attempts = failed_attempts + 1,
			lock_until = CASE WHEN failed_attempts + 1 >= $2 THEN $3 ELSE lock_until END,
			updated_at = NOW()
		WHERE username = $1
		RETURNING failed_attempts, lock_until
	`, username, threshold, lockUntil.UTC()).Scan(&state.FailedAttempts, &until)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LoginAttemptState{}, ErrNotFound
		}
		return LoginAttemptState{}, fmt.Errorf("record failed attempt: %w", err)
	}
	state.LockUntil = nullTimePtr(until)

	return state, nil
}

func (r *Repository) ClearElapsedLock(ctx context.Context, username string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_attempts = 0, lock_until = NULL, updated_at = NOW()
		WHERE username = $1 AND lock_until IS NOT NULL AND lock_until <= $2
	`, username, now.UTC())
	if err != nil {
		return fmt.Errorf("clear elapsed lock: %w", err)
	}

	return nil
}

func (r *Repository) ResetAttempts(ctx context.Context, username string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_attempts = 0, lock_until = NULL, updated_at = NOW()
		WHERE username = $1
	`, username)
	if err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset attempts rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) RecordLogin(ctx context.Context, username string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_attempts = 0, lock_until = NULL, last_login_at = $2, updated_at = $2
		WHERE username = $1
	`, username, now.UTC())
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record login rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) UnlockExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_attempts = 0, lock_until = NULL, updated_at = $1
		WHERE lock_until IS NOT NULL AND lock_until <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("unlock expired users: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("unlock expired rows affected: %w", err)
	}

	return affected, nil
}

// PurgeIdleUsers deletes idle accounts together with their token registry
// rows and returns the purged usernames.
func (r *Repository) PurgeIdleUsers(ctx context.Context, idleSince time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH purged AS (
			DELETE FROM users
			WHERE COALESCE(last_login_at, created_at) < $1
			RETURNING username
		), revoked AS (
			DELETE FROM token_registry
			WHERE username IN (SELECT username FROM purged)
		)
		SELECT username FROM purged
	`, idleSince.UTC())
	if err != nil {
		return nil, fmt.Errorf("purge idle users: %w", err)
	}
	defer rows.Close()

	var purged []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scan purged user: %w", err)
		}
		purged = append(purged, username)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purged users: %w", err)
	}

	return purged, nil
}

func (r *Repository) Replace(ctx context.Context, pair TokenPair) error {
	return r.inUserTx(ctx, pair.Access.Username, func(tx *sql.Tx) error {
		return replaceActive(ctx, tx, pair)
	})
}

func (r *Repository) Rotate(ctx context.Context, consumed string, pair TokenPair, now time.Time) error {
	return r.inUserTx(ctx, pair.Access.Username, func(tx *sql.Tx) error {
		var owner string
		var expiresAt time.Time
		var active bool
		err := tx.QueryRowContext(ctx, `
			SELECT username, expires_at, active
			FROM token_registry
			WHERE token_hash = $1
			FOR UPDATE
		`, hashToken(consumed)).Scan(&owner, &expiresAt, &active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return newError(KindTokenInvalid, fmt.Errorf("refresh token not registered"))
			}
			return fmt.Errorf("read consumed token: %w", err)
		}
		if !active || !now.Before(expiresAt) || owner != pair.Access.Username {
			return newError(KindTokenInvalid, fmt.Errorf("refresh token not active"))
		}

		return replaceActive(ctx, tx, pair)
	})
}

// inUserTx serialises registry writes for one username with a transaction
// scoped advisory lock.
func (r *Repository) inUserTx(ctx context.Context, username string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin registry tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, username); err != nil {
		return fmt.Errorf("lock registry for user: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit registry tx: %w", err)
	}

	return nil
}

func replaceActive(ctx context.Context, tx *sql.Tx, pair TokenPair) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE token_registry
		SET active = FALSE
		WHERE username = $1 AND active
	`, pair.Access.Username); err != nil {
		return fmt.Errorf("invalidate active tokens: %w", err)
	}

	for _, entry := range []TokenEntry{pair.Access, pair.Refresh} {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO token_registry (token_hash, username, kind, expires_at, active, created_at)
			VALUES ($1, $2, $3, $4, TRUE, NOW())
		`, hashToken(entry.Token), entry.Username, string(entry.Kind), entry.ExpiresAt.UTC())
		if err != nil {
			return fmt.Errorf("activate %s token: %w", entry.Kind, err)
		}
	}

	return nil
}

func (r *Repository) DeactivateAll(ctx context.Context, username string) error {
	return r.inUserTx(ctx, username, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE token_registry
			SET active = FALSE
			WHERE username = $1 AND active
		`, username); err != nil {
			return fmt.Errorf("deactivate user tokens: %w", err)
		}
		return nil
	})
}

func (r *Repository) IsActive(ctx context.Context, token string, now time.Time) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM token_registry
			WHERE token_hash = $1 AND active AND expires_at > $2
		)
	`, hashToken(token), now.UTC()).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("query token status: %w", err)
	}

	return active, nil
}

func (r *Repository) Blacklist(ctx context.Context, entry TokenEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO token_registry (token_hash, username, kind, expires_at, active, created_at)
		VALUES ($1, $2, $3, $4, FALSE, NOW())
		ON CONFLICT (token_hash)
		DO UPDATE SET active = FALSE, expires_at = EXCLUDED.expires_at
	`, hashToken(entry.Token), entry.Username, string(entry.Kind), entry.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}

	return nil
}

func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM token_registry
		WHERE expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired tokens rows affected: %w", err)
	}

	return affected, nil
}

func hashToken(raw string) string {
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:])
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "duplicate key")
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func timePtrValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
