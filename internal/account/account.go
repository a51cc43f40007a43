// Package account holds billing identity for users: the payment-provider
// customer id and whether a default payment method is on file. Identity and
// onboarding live upstream; this is the minimal projection settlement needs.
package account

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("account not found")

// Account is one user's billing profile.
type Account struct {
	UserID             string    `json:"userId"`
	ProviderCustomerID string    `json:"providerCustomerId"`
	HasPaymentMethod   bool      `json:"hasPaymentMethod"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Store persists accounts.
type Store interface {
	Get(ctx context.Context, userID string) (*Account, error)
	Upsert(ctx context.Context, a *Account) error
}
