package entry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) List(ctx context.Context, username string) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, username, kind, amount_cents, category, note, occurred_on, created_at
		FROM entries
		WHERE username = $1
		ORDER BY occurred_on DESC, created_at DESC
	`, username)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var occurredOn time.Time
		if err := rows.Scan(&e.ID, &e.Username, &e.Kind, &e.AmountCents, &e.Category, &e.Note, &occurredOn, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.OccurredOn = occurredOn.Format(dateLayout)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return entries, nil
}

func (r *Repository) Create(ctx context.Context, username string, input Input) (Entry, error) {
	e, occurredOn, err := newEntry(username, input)
	if err != nil {
		return Entry{}, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO entries (id, username, kind, amount_cents, category, note, occurred_on, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.Username, e.Kind, e.AmountCents, e.Category, e.Note, occurredOn, e.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}

	return e, nil
}

func (r *Repository) Delete(ctx context.Context, username, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM entries WHERE id = $1 AND username = $2`, id, username)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func newEntry(username string, input Input) (Entry, time.Time, error) {
	occurredOn, err := time.Parse(dateLayout, input.OccurredOn)
	if err != nil {
		return Entry{}, time.Time{}, fmt.Errorf("parse occurred_on: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, time.Time{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	return Entry{
		ID:          id.String(),
		Username:    username,
		Kind:        input.Kind,
		AmountCents: input.AmountCents,
		Category:    input.Category,
		Note:        input.Note,
		OccurredOn:  occurredOn.Format(dateLayout),
		CreatedAt:   time.Now().UTC(),
	}, occurredOn, nil
}
