package settlement

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProvider charges via Stripe PaymentIntents, confirmed off-session
// against the customer's default payment method.
type StripeProvider struct {
	api *client.API
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider creates a Stripe-backed payment provider.
func NewStripeProvider(apiKey string) *StripeProvider {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeProvider{api: api}
}

func (p *StripeProvider) Charge(ctx context.Context, req ChargeRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(req.IdempotencyKey),
		},
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(req.Currency),
		Customer:    stripe.String(req.CustomerID),
		Confirm:     stripe.Bool(true),
		OffSession:  stripe.Bool(true),
		Description: stripe.String(req.Description),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripeErr(err, pi)
	}
	return intentFromStripe(pi), nil
}

func (p *StripeProvider) GetIntent(ctx context.Context, id string) (*Intent, error) {
	pi, err := p.api.PaymentIntents.Get(id, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, classifyStripeErr(err, nil)
	}
	return intentFromStripe(pi), nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:          pi.ID,
		Status:      mapStripeStatus(pi.Status),
		AmountCents: pi.Amount,
	}
}

// mapStripeStatus folds Stripe's intent statuses onto the internal set.
// Anything unrecognized is treated as processing: the outcome is unknown and
// the claim stays held rather than risking a second charge.
func mapStripeStatus(s stripe.PaymentIntentStatus) IntentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return IntentSucceeded
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusRequiresConfirmation:
		return IntentRequiresAction
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return IntentRequiresPaymentMethod
	case stripe.PaymentIntentStatusCanceled:
		return IntentCanceled
	default:
		return IntentProcessing
	}
}

// classifyStripeErr separates card declines (terminal for this attempt) from
// transport problems (retryable) and surfaces the intent Stripe attaches to
// decline errors so its id can be recorded.
func classifyStripeErr(err error, pi *stripe.PaymentIntent) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard:
			return &DeclineError{IntentID: intentIDFrom(stripeErr, pi), Code: string(stripeErr.Code), Err: ErrProviderDeclined}
		case stripe.ErrorTypeAPI:
			return errors.Join(ErrProviderDown, err)
		}
		return err
	}
	// Network-level failure: the provider may or may not have acted.
	return errors.Join(ErrProviderDown, err)
}

func intentIDFrom(se *stripe.Error, pi *stripe.PaymentIntent) string {
	if se.PaymentIntent != nil {
		return se.PaymentIntent.ID
	}
	if pi != nil {
		return pi.ID
	}
	return ""
}

// DeclineError is a terminal provider refusal for one attempt.
type DeclineError struct {
	IntentID string
	Code     string
	Err      error
}

func (e *DeclineError) Error() string {
	if e.Code != "" {
		return "charge declined: " + e.Code
	}
	return "charge declined"
}

func (e *DeclineError) Unwrap() error { return e.Err }
