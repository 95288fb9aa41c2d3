package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/flowgate/internal/database/models"
)

const accountColumns = `id, account_id, realm, username, password_hash, enabled, routes, created_at, updated_at`

// accountRepo implements AccountRepository.
type accountRepo struct {
	db *DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *DB) AccountRepository {
	return &accountRepo{db: db}
}

// Create inserts a new account. PasswordHash must already be hashed.
func (r *accountRepo) Create(ctx context.Context, acct *models.Account) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (account_id, realm, username, password_hash, enabled, routes,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		acct.AccountID, acct.Realm, acct.Username, acct.PasswordHash, acct.Enabled, acct.Routes,
	)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	acct.ID = id
	return nil
}

// GetByID returns an account by ID, or nil if there is none.
func (r *accountRepo) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id,
	))
}

// GetByLogin returns the account for a realm and username, or nil if there
// is none.
func (r *accountRepo) GetByLogin(ctx context.Context, realm, username string) (*models.Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE realm = ? AND username = ?`, realm, username,
	))
}

// List returns all accounts ordered by realm and username.
func (r *accountRepo) List(ctx context.Context) ([]models.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY realm, username`)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Realm, &a.Username, &a.PasswordHash,
			&a.Enabled, &a.Routes, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}
		accts = append(accts, a)
	}
	return accts, rows.Err()
}

// Update modifies an existing account.
func (r *accountRepo) Update(ctx context.Context, acct *models.Account) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET account_id = ?, realm = ?, username = ?, password_hash = ?,
		 enabled = ?, routes = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		acct.AccountID, acct.Realm, acct.Username, acct.PasswordHash, acct.Enabled,
		acct.Routes, acct.ID,
	)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	return nil
}

// Delete removes an account by ID.
func (r *accountRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	return nil
}

func (r *accountRepo) scanOne(row *sql.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.AccountID, &a.Realm, &a.Username, &a.PasswordHash,
		&a.Enabled, &a.Routes, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return &a, nil
}
