package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// Account is the durable tenant row: identity, credentials fingerprint, the
// settled balance and its lifetime aggregates, and the per-minute rate limit.
type Account struct {
	ID                 int64
	Name               string
	APIKeyHash         string
	RateLimitPerMinute int
	Balance            decimal.Decimal
	TotalCharged       decimal.Decimal
	TotalSpent         decimal.Decimal
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Accounts is the repository over the accounts table.
type Accounts struct {
	db *sql.DB
}

// NewAccounts builds the accounts repository.
func NewAccounts(db *sql.DB) *Accounts {
	return &Accounts{db: db}
}

const accountColumns = `id, name, api_key_hash, rate_limit_per_minute, balance, total_charged, total_spent, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.APIKeyHash, &a.RateLimitPerMinute,
		&a.Balance, &a.TotalCharged, &a.TotalSpent, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// Create provisions a new account row. The raw API key never reaches this
// layer; callers pass its fingerprint.
func (r *Accounts) Create(ctx context.Context, name, apiKeyHash string, rateLimit int) (Account, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO accounts (name, api_key_hash, rate_limit_per_minute, balance, total_charged, total_spent)
		VALUES ($1, $2, $3, 0, 0, 0)
		RETURNING `+accountColumns,
		name, apiKeyHash, rateLimit)

	a, err := scanAccount(row)
	if err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

// GetByID loads one account.
func (r *Accounts) GetByID(ctx context.Context, id int64) (Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

// GetByAPIKeyHash resolves an account from a credentials fingerprint. Used by
// the authentication middleware on cache miss.
func (r *Accounts) GetByAPIKeyHash(ctx context.Context, hash string) (Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE api_key_hash = $1`, hash)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account by key hash: %w", err)
	}
	return a, nil
}

// RotateAPIKey replaces the stored credentials fingerprint.
func (r *Accounts) RotateAPIKey(ctx context.Context, id int64, newHash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET api_key_hash = $1, updated_at = NOW() WHERE id = $2`, newHash, id)
	if err != nil {
		return fmt.Errorf("rotate api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SampleIDs returns up to limit account ids, newest first. Used by the
// integrity verifier.
func (r *Accounts) SampleIDs(ctx context.Context, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM accounts ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("sample account ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
