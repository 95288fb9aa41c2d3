package database

import (
	"context"
	"time"

	"github.com/flowpbx/flowgate/internal/database/models"
)

// AccountRepository manages the callers allowed to place calls.
type AccountRepository interface {
	Create(ctx context.Context, acct *models.Account) error
	GetByID(ctx context.Context, id int64) (*models.Account, error)
	GetByLogin(ctx context.Context, realm, username string) (*models.Account, error)
	List(ctx context.Context) ([]models.Account, error)
	Update(ctx context.Context, acct *models.Account) error
	Delete(ctx context.Context, id int64) error
}

// CDRListFilter specifies filtering and pagination for CDR event queries.
type CDRListFilter struct {
	Limit     int
	Offset    int
	CallID    string
	AccountID string
	Kind      string
}

// CDRRepository stores call-detail events.
type CDRRepository interface {
	InsertBatch(ctx context.Context, events []models.CDREvent) error
	List(ctx context.Context, filter CDRListFilter) ([]models.CDREvent, int, error)
	// DeleteBefore removes events that occurred before cutoff and returns
	// how many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
