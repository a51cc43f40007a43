// Package settlement turns aggregated weekly penalties into money movement.
//
// The settlement gate hands out exclusive charge claims; the orchestrator
// drives the payment provider's intent lifecycle; the batch runner walks a
// whole week with per-user fault isolation. Two triggers feed the same path:
// the weekly closer at the deadline cadence and the grace-expiry checker.
package settlement

import (
	"context"
	"errors"
)

var (
	ErrNoPaymentMethod  = errors.New("no payment method on file")
	ErrProviderDeclined = errors.New("payment provider declined the charge")
	ErrProviderDown     = errors.New("payment provider unavailable")
)

// IntentStatus is the provider-side state of a payment intent.
type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentProcessing            IntentStatus = "processing"
	IntentCanceled              IntentStatus = "canceled"
)

// Open reports whether the intent may still complete without a new attempt.
func (s IntentStatus) Open() bool {
	return s == IntentRequiresAction || s == IntentProcessing
}

// Intent is the provider's view of one charge attempt.
type Intent struct {
	ID     string
	Status IntentStatus
	// AmountCents is the amount the intent will capture.
	AmountCents int64
}

// ChargeRequest describes one off-session charge.
type ChargeRequest struct {
	CustomerID  string
	AmountCents int64
	Currency    string
	// IdempotencyKey scopes provider-side dedup to one (user, week, attempt).
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// Provider is the payment backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Charge creates and confirms an off-session payment intent.
	Charge(ctx context.Context, req ChargeRequest) (*Intent, error)
	// GetIntent retrieves the current state of an intent.
	GetIntent(ctx context.Context, id string) (*Intent, error)
}

// Outcome classifies what a charge attempt did to the penalty row.
type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeRequiresAction Outcome = "requires_action"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkipped        Outcome = "skipped"
	OutcomePending        Outcome = "pending" // unknown provider state, row stays claimed
)
