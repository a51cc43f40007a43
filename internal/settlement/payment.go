package settlement

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

var ErrPaymentNotFound = errors.New("payment not found")

// Payment is one charge attempt against one user-week. Rows are append-only:
// failures and successes alike stay on record.
type Payment struct {
	ID               string       `json:"id"`
	UserID           string       `json:"userId"`
	WeekDeadline     time.Time    `json:"weekDeadline"`
	AmountCents      int64        `json:"amountCents"`
	Currency         string       `json:"currency"`
	ProviderIntentID string       `json:"providerIntentId,omitempty"`
	ProviderStatus   IntentStatus `json:"providerStatus,omitempty"`
	Outcome          Outcome      `json:"outcome"`
	FailureReason    string       `json:"failureReason,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// PaymentStore is an append-only record of charge attempts.
type PaymentStore interface {
	Create(ctx context.Context, p *Payment) error
	// Latest returns the most recent payment for a user-week.
	Latest(ctx context.Context, userID string, deadline time.Time) (*Payment, error)
	ListByUserWeek(ctx context.Context, userID string, deadline time.Time) ([]*Payment, error)
}

// MemoryPaymentStore is an in-memory payment record for development and tests.
type MemoryPaymentStore struct {
	mu       sync.Mutex
	payments []*Payment
}

var _ PaymentStore = (*MemoryPaymentStore)(nil)

// NewMemoryPaymentStore creates a new in-memory payment store.
func NewMemoryPaymentStore() *MemoryPaymentStore {
	return &MemoryPaymentStore{}
}

func (s *MemoryPaymentStore) Create(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.payments = append(s.payments, &cp)
	return nil
}

func (s *MemoryPaymentStore) Latest(ctx context.Context, userID string, deadline time.Time) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline = deadline.UTC()
	for i := len(s.payments) - 1; i >= 0; i-- {
		p := s.payments[i]
		if p.UserID == userID && p.WeekDeadline.Equal(deadline) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (s *MemoryPaymentStore) ListByUserWeek(ctx context.Context, userID string, deadline time.Time) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline = deadline.UTC()
	var out []*Payment
	for i := len(s.payments) - 1; i >= 0; i-- {
		p := s.payments[i]
		if p.UserID == userID && p.WeekDeadline.Equal(deadline) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PostgresPaymentStore persists payments in PostgreSQL.
type PostgresPaymentStore struct {
	db *sql.DB
}

var _ PaymentStore = (*PostgresPaymentStore)(nil)

// NewPostgresPaymentStore creates a new PostgreSQL-backed payment store.
func NewPostgresPaymentStore(db *sql.DB) *PostgresPaymentStore {
	return &PostgresPaymentStore{db: db}
}

const paymentColumns = `id, user_id, week_start, amount_cents, currency,
		       provider_intent_id, provider_status, outcome, failure_reason, created_at`

func (p *PostgresPaymentStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, user_id, week_start, amount_cents, currency,
			provider_intent_id, provider_status, outcome, failure_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pay.ID, pay.UserID, pay.WeekDeadline, pay.AmountCents, pay.Currency,
		pay.ProviderIntentID, string(pay.ProviderStatus), string(pay.Outcome), pay.FailureReason, pay.CreatedAt,
	)
	return err
}

func (p *PostgresPaymentStore) Latest(ctx context.Context, userID string, deadline time.Time) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE user_id = $1 AND week_start = $2
		ORDER BY created_at DESC
		LIMIT 1`, userID, deadline.UTC())

	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresPaymentStore) ListByUserWeek(ctx context.Context, userID string, deadline time.Time) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE user_id = $1 AND week_start = $2
		ORDER BY created_at DESC`, userID, deadline.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var providerStatus, outcome string
	err := s.Scan(
		&pay.ID, &pay.UserID, &pay.WeekDeadline, &pay.AmountCents, &pay.Currency,
		&pay.ProviderIntentID, &providerStatus, &outcome, &pay.FailureReason, &pay.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	pay.ProviderStatus = IntentStatus(providerStatus)
	pay.Outcome = Outcome(outcome)
	pay.WeekDeadline = pay.WeekDeadline.UTC()
	return pay, nil
}
