// Package commitment manages weekly screen-time pledges.
//
// A commitment binds one user to one week: a usage limit in minutes, a
// per-minute penalty rate, and a grace period after the weekly deadline
// during which the client may still report final usage. Monitoring-status
// callbacks from the client land here; a transition to "revoked" is what
// later makes the estimation backfiller synthesize worst-case usage.
package commitment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/screenpledge/screenpledge/internal/idgen"
	"github.com/screenpledge/screenpledge/internal/week"
)

var (
	ErrNotFound         = errors.New("commitment not found")
	ErrAlreadyPledged   = errors.New("commitment already exists for this user and week")
	ErrInvalidStatus    = errors.New("invalid commitment status for this operation")
	ErrBadMonitoring    = errors.New("unknown monitoring status")
	ErrGraceBeforeClose = errors.New("grace expiry must not precede the week deadline")
)

// MonitoringStatus reflects the client-side tracking permission.
type MonitoringStatus string

const (
	MonitoringOK         MonitoringStatus = "ok"
	MonitoringRevoked    MonitoringStatus = "revoked"
	MonitoringNotGranted MonitoringStatus = "not_granted"
)

// Status is the commitment lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// DefaultGracePeriod is how long after the weekly deadline a user may still
// report final usage before settlement is forced.
const DefaultGracePeriod = 24 * time.Hour

// Commitment is one user's pledge for one week.
//
// WeekDeadline is the week's primary key. It is persisted in a column named
// week_start for legacy reasons; the stored value is the deadline, not the
// start of the week.
type Commitment struct {
	ID                  string           `json:"id"`
	UserID              string           `json:"userId"`
	WeekDeadline        time.Time        `json:"weekDeadline"`
	LimitMinutes        int              `json:"limitMinutes"`
	PenaltyRateCents    int64            `json:"penaltyRateCents"` // per exceeded minute
	MonitoringStatus    MonitoringStatus `json:"monitoringStatus"`
	MonitoringRevokedAt *time.Time       `json:"monitoringRevokedAt,omitempty"`
	GraceExpiresAt      time.Time        `json:"graceExpiresAt"`
	Status              Status           `json:"status"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// IsTerminal returns true if the commitment is in a final state.
func (c *Commitment) IsTerminal() bool {
	switch c.Status {
	case StatusSettled, StatusFailed:
		return true
	}
	return false
}

// Store persists commitments.
type Store interface {
	Create(ctx context.Context, c *Commitment) error
	Get(ctx context.Context, id string) (*Commitment, error)
	GetByUserWeek(ctx context.Context, userID string, deadline time.Time) (*Commitment, error)
	ListByWeek(ctx context.Context, deadline time.Time) ([]*Commitment, error)
	// ListGraceExpired returns active commitments whose grace period elapsed
	// at or before now.
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*Commitment, error)
	Update(ctx context.Context, c *Commitment) error
}

// ReconcileFlagger is notified when monitoring is restored for a week that
// may already have been charged on estimated data.
type ReconcileFlagger interface {
	FlagForReconciliation(ctx context.Context, userID string, deadline time.Time) error
}

// CreateRequest contains the parameters for locking in a weekly pledge.
type CreateRequest struct {
	LimitMinutes     int   `json:"limitMinutes" binding:"required"`
	PenaltyRateCents int64 `json:"penaltyRateCents" binding:"required"`
	// GraceHours optionally extends the default 24h grace period.
	GraceHours int `json:"graceHours"`
}

// Service implements commitment business logic.
type Service struct {
	store   Store
	flagger ReconcileFlagger
	now     func() time.Time
}

// NewService creates a new commitment service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithReconcileFlagger adds a reconciliation hook for monitoring restores.
func (s *Service) WithReconcileFlagger(f ReconcileFlagger) *Service {
	s.flagger = f
	return s
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create locks in a pledge for the upcoming week.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*Commitment, error) {
	now := s.now().UTC()
	deadline := week.Next(now)

	grace := DefaultGracePeriod
	if req.GraceHours > 0 {
		grace = time.Duration(req.GraceHours) * time.Hour
	}
	graceExpiry := deadline.Add(grace)
	if graceExpiry.Before(deadline) {
		return nil, ErrGraceBeforeClose
	}

	c := &Commitment{
		ID:               idgen.WithPrefix("cmt_"),
		UserID:           userID,
		WeekDeadline:     deadline,
		LimitMinutes:     req.LimitMinutes,
		PenaltyRateCents: req.PenaltyRateCents,
		MonitoringStatus: MonitoringOK,
		GraceExpiresAt:   graceExpiry,
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a commitment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Commitment, error) {
	return s.store.Get(ctx, id)
}

// GetByUserWeek returns the commitment for one user and week.
func (s *Service) GetByUserWeek(ctx context.Context, userID string, deadline time.Time) (*Commitment, error) {
	return s.store.GetByUserWeek(ctx, userID, deadline)
}

// UpdateMonitoringStatus applies a monitoring-status callback from the client.
// Transitioning to revoked records the revocation instant; restoring to ok
// after a revocation flags the week for reconciliation, since settlement may
// already have charged on worst-case estimates.
func (s *Service) UpdateMonitoringStatus(ctx context.Context, id string, status MonitoringStatus) (*Commitment, error) {
	switch status {
	case MonitoringOK, MonitoringRevoked, MonitoringNotGranted:
	default:
		return nil, ErrBadMonitoring
	}

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	wasRevoked := c.MonitoringStatus == MonitoringRevoked

	if status == MonitoringRevoked && !wasRevoked {
		c.MonitoringRevokedAt = &now
	}
	c.MonitoringStatus = status
	c.UpdatedAt = now

	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}

	if status == MonitoringOK && wasRevoked && s.flagger != nil {
		if err := s.flagger.FlagForReconciliation(ctx, c.UserID, c.WeekDeadline); err != nil {
			return nil, fmt.Errorf("monitoring restored but reconciliation flag failed: %w", err)
		}
	}

	return c, nil
}

// MarkSettled transitions a commitment to settled after a successful charge
// (or a zero-penalty week).
func (s *Service) MarkSettled(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusSettled)
}

// MarkFailed records that settlement for the commitment's week failed
// terminally (e.g. no usable payment method after retries).
func (s *Service) MarkFailed(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusFailed)
}

func (s *Service) transition(ctx context.Context, id string, to Status) error {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.IsTerminal() {
		return ErrInvalidStatus
	}
	c.Status = to
	c.UpdatedAt = s.now().UTC()
	return s.store.Update(ctx, c)
}

// ListGraceExpired returns active commitments whose grace period has lapsed.
func (s *Service) ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]*Commitment, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListGraceExpired(ctx, now, limit)
}
