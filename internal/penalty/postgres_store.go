package penalty

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists penalty rows and pools in PostgreSQL.
//
// BeginCharge is the settlement gate's storage half: a conditional UPDATE
// whose WHERE clause only matches still-chargeable rows, so exactly one of
// two racing settlers wins regardless of which process they run in.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed penalty store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const penaltyColumns = `user_id, week_start, commitment_id, total_penalty_cents, estimated,
		       status, settlement_status, needs_reconciliation, reconciliation_delta_cents,
		       created_at, updated_at`

func (p *PostgresStore) UpsertTotal(ctx context.Context, row *UserWeekPenalty) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_week_penalties (
			user_id, week_start, commitment_id, total_penalty_cents, estimated,
			status, settlement_status, needs_reconciliation, reconciliation_delta_cents,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, week_start) DO UPDATE SET
			commitment_id = EXCLUDED.commitment_id,
			total_penalty_cents = EXCLUDED.total_penalty_cents,
			estimated = EXCLUDED.estimated,
			updated_at = EXCLUDED.updated_at`,
		row.UserID, row.WeekDeadline, row.CommitmentID, row.TotalPenaltyCents, row.Estimated,
		string(row.Status), string(row.SettlementStatus), row.NeedsReconciliation, row.ReconciliationDeltaCents,
		row.CreatedAt, row.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, userID string, deadline time.Time) (*UserWeekPenalty, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+penaltyColumns+` FROM user_week_penalties WHERE user_id = $1 AND week_start = $2`,
		userID, deadline.UTC())

	out, err := scanPenalty(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return out, err
}

func (p *PostgresStore) ListByWeek(ctx context.Context, deadline time.Time) ([]*UserWeekPenalty, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+penaltyColumns+`
		FROM user_week_penalties
		WHERE week_start = $1
		ORDER BY user_id`, deadline.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*UserWeekPenalty
	for rows.Next() {
		r, err := scanPenalty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) BeginCharge(ctx context.Context, userID string, deadline time.Time) (*UserWeekPenalty, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE user_week_penalties
		SET status = 'charge_initiated', updated_at = NOW()
		WHERE user_id = $1 AND week_start = $2
		  AND status IN ('pending', 'failed')
		  AND settlement_status = 'none'
		RETURNING `+penaltyColumns, userID, deadline.UTC())

	out, err := scanPenalty(row)
	if err == sql.ErrNoRows {
		// Distinguish a lost race from a missing row.
		if _, gerr := p.Get(ctx, userID, deadline); gerr != nil {
			return nil, gerr
		}
		return nil, ErrChargeRace
	}
	return out, err
}

func (p *PostgresStore) FinishCharge(ctx context.Context, userID string, deadline time.Time, status Status, settlement SettlementStatus) error {
	var err error
	if settlement != "" {
		_, err = p.db.ExecContext(ctx, `
			UPDATE user_week_penalties
			SET status = $3, settlement_status = $4, updated_at = NOW()
			WHERE user_id = $1 AND week_start = $2`,
			userID, deadline.UTC(), string(status), string(settlement))
	} else {
		_, err = p.db.ExecContext(ctx, `
			UPDATE user_week_penalties
			SET status = $3, updated_at = NOW()
			WHERE user_id = $1 AND week_start = $2`,
			userID, deadline.UTC(), string(status))
	}
	return err
}

func (p *PostgresStore) SetReconciliation(ctx context.Context, userID string, deadline time.Time, needs bool, deltaCents int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE user_week_penalties
		SET needs_reconciliation = $3, reconciliation_delta_cents = $4, updated_at = NOW()
		WHERE user_id = $1 AND week_start = $2`,
		userID, deadline.UTC(), needs, deltaCents)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetPool(ctx context.Context, deadline time.Time) (*WeeklyPool, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT week_start, total_penalty_cents, status, closed_at, created_at, updated_at
		FROM weekly_pools WHERE week_start = $1`, deadline.UTC())

	pool := &WeeklyPool{}
	var status string
	var closedAt sql.NullTime
	err := row.Scan(&pool.WeekDeadline, &pool.TotalPenaltyCents, &status, &closedAt, &pool.CreatedAt, &pool.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, err
	}
	pool.Status = PoolStatus(status)
	if closedAt.Valid {
		t := closedAt.Time
		pool.ClosedAt = &t
	}
	pool.WeekDeadline = pool.WeekDeadline.UTC()
	return pool, nil
}

func (p *PostgresStore) UpsertPool(ctx context.Context, pool *WeeklyPool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO weekly_pools (week_start, total_penalty_cents, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (week_start) DO UPDATE SET
			total_penalty_cents = EXCLUDED.total_penalty_cents,
			updated_at = EXCLUDED.updated_at`,
		pool.WeekDeadline, pool.TotalPenaltyCents, string(pool.Status), pool.CreatedAt, pool.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) ClosePool(ctx context.Context, deadline time.Time, closedAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE weekly_pools
		SET status = 'closed', closed_at = $2, updated_at = $2
		WHERE week_start = $1 AND status = 'open'`,
		deadline.UTC(), closedAt.UTC())
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPenalty(s scanner) (*UserWeekPenalty, error) {
	r := &UserWeekPenalty{}
	var status, settlement string
	err := s.Scan(
		&r.UserID, &r.WeekDeadline, &r.CommitmentID, &r.TotalPenaltyCents, &r.Estimated,
		&status, &settlement, &r.NeedsReconciliation, &r.ReconciliationDeltaCents,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.SettlementStatus = SettlementStatus(settlement)
	r.WeekDeadline = r.WeekDeadline.UTC()
	return r, nil
}
