package account

import (
	"context"
	"database/sql"
)

// PostgresStore persists accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT user_id, provider_customer_id, has_payment_method, created_at, updated_at
		FROM accounts WHERE user_id = $1`, userID)

	a := &Account{}
	err := row.Scan(&a.UserID, &a.ProviderCustomerID, &a.HasPaymentMethod, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, provider_customer_id, has_payment_method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			provider_customer_id = EXCLUDED.provider_customer_id,
			has_payment_method = EXCLUDED.has_payment_method,
			updated_at = EXCLUDED.updated_at`,
		a.UserID, a.ProviderCustomerID, a.HasPaymentMethod, a.CreatedAt, a.UpdatedAt,
	)
	return err
}
