package commitment

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists commitments in PostgreSQL.
//
// The week_start column holds the week's deadline timestamp; the name is a
// legacy artifact kept for schema compatibility.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed commitment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const commitmentColumns = `id, user_id, week_start, limit_minutes, penalty_rate_cents,
		       monitoring_status, monitoring_revoked_at, grace_expires_at,
		       status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Commitment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO commitments (
			id, user_id, week_start, limit_minutes, penalty_rate_cents,
			monitoring_status, monitoring_revoked_at, grace_expires_at,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.UserID, c.WeekDeadline, c.LimitMinutes, c.PenaltyRateCents,
		string(c.MonitoringStatus), nullTime(c.MonitoringRevokedAt), c.GraceExpiresAt,
		string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadyPledged
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Commitment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+commitmentColumns+` FROM commitments WHERE id = $1`, id)

	c, err := scanCommitment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) GetByUserWeek(ctx context.Context, userID string, deadline time.Time) (*Commitment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+commitmentColumns+` FROM commitments WHERE user_id = $1 AND week_start = $2`,
		userID, deadline.UTC())

	c, err := scanCommitment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) ListByWeek(ctx context.Context, deadline time.Time) ([]*Commitment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+commitmentColumns+`
		FROM commitments
		WHERE week_start = $1
		ORDER BY user_id`, deadline.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCommitments(rows)
}

func (p *PostgresStore) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*Commitment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+commitmentColumns+`
		FROM commitments
		WHERE status = 'active'
		  AND grace_expires_at <= $1
		ORDER BY grace_expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCommitments(rows)
}

func (p *PostgresStore) Update(ctx context.Context, c *Commitment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE commitments SET
			monitoring_status = $1, monitoring_revoked_at = $2,
			grace_expires_at = $3, status = $4, updated_at = $5
		WHERE id = $6`,
		string(c.MonitoringStatus), nullTime(c.MonitoringRevokedAt),
		c.GraceExpiresAt, string(c.Status), c.UpdatedAt,
		c.ID,
	)
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

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCommitment(s scanner) (*Commitment, error) {
	c := &Commitment{}
	var (
		monitoringStatus string
		status           string
		revokedAt        sql.NullTime
	)
	err := s.Scan(
		&c.ID, &c.UserID, &c.WeekDeadline, &c.LimitMinutes, &c.PenaltyRateCents,
		&monitoringStatus, &revokedAt, &c.GraceExpiresAt,
		&status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.MonitoringStatus = MonitoringStatus(monitoringStatus)
	c.Status = Status(status)
	if revokedAt.Valid {
		t := revokedAt.Time
		c.MonitoringRevokedAt = &t
	}
	c.WeekDeadline = c.WeekDeadline.UTC()
	return c, nil
}

func scanCommitments(rows *sql.Rows) ([]*Commitment, error) {
	var out []*Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
