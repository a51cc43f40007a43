package usage

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists daily usage in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const usageColumns = `user_id, day, week_start, used_minutes, limit_minutes,
		       exceeded_minutes, penalty_cents, is_estimated, created_at, updated_at`

func (p *PostgresStore) Upsert(ctx context.Context, u *DailyUsage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO daily_usage (
			user_id, day, week_start, used_minutes, limit_minutes,
			exceeded_minutes, penalty_cents, is_estimated, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, day) DO UPDATE SET
			used_minutes = EXCLUDED.used_minutes,
			exceeded_minutes = EXCLUDED.exceeded_minutes,
			penalty_cents = EXCLUDED.penalty_cents,
			is_estimated = EXCLUDED.is_estimated,
			updated_at = EXCLUDED.updated_at`,
		u.UserID, u.Day, u.WeekDeadline, u.UsedMinutes, u.LimitMinutes,
		u.ExceededMinutes, u.PenaltyCents, u.IsEstimated, u.CreatedAt, u.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, userID string, day time.Time) (*DailyUsage, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM daily_usage WHERE user_id = $1 AND day = $2`,
		userID, day.UTC())

	u, err := scanUsage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return u, err
}

func (p *PostgresStore) ListWeek(ctx context.Context, userID string, deadline time.Time) ([]*DailyUsage, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+usageColumns+`
		FROM daily_usage
		WHERE user_id = $1 AND week_start = $2
		ORDER BY day`, userID, deadline.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DailyUsage
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUsage(s scanner) (*DailyUsage, error) {
	u := &DailyUsage{}
	err := s.Scan(
		&u.UserID, &u.Day, &u.WeekDeadline, &u.UsedMinutes, &u.LimitMinutes,
		&u.ExceededMinutes, &u.PenaltyCents, &u.IsEstimated, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Day = u.Day.UTC()
	u.WeekDeadline = u.WeekDeadline.UTC()
	return u, nil
}
