package entry

import (
	"context"
	"errors"
	"time"
)

const dateLayout = "2006-01-02"

const (
	KindIncome  = "income"
	KindExpense = "expense"
)

var ErrNotFound = errors.New("entry not found")

type Entry struct {
	ID          string    `json:"id"`
	Username    string    `json:"-"`
	Kind        string    `json:"kind"`
	AmountCents int64     `json:"amount_cents"`
	Category    string    `json:"category"`
	Note        string    `json:"note"`
	OccurredOn  string    `json:"occurred_on"`
	CreatedAt   time.Time `json:"created_at"`
}

type Input struct {
	Kind        string `json:"kind" validate:"required,oneof=income expense"`
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0,lte=100000000000"`
	Category    string `json:"category" validate:"required,max=64"`
	Note        string `json:"note" validate:"max=500"`
	OccurredOn  string `json:"occurred_on" validate:"required,datetime=2006-01-02"`
}

// Store persists entries per owner. Delete of an id the owner does not
// hold is ErrNotFound, whoever else holds it.
type Store interface {
	List(ctx context.Context, username string) ([]Entry, error)
	Create(ctx context.Context, username string, input Input) (Entry, error)
	Delete(ctx context.Context, username, id string) error
}
