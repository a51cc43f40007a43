package settlement

import (
	"context"
	"strings"
	"sync"

	"github.com/screenpledge/screenpledge/internal/idgen"
)

// SimulatedProvider is an in-memory payment provider for development and
// tests. Behavior is steered by the customer id: customers containing
// "decline" are declined, "action" end up requiring action, "down" simulate
// an unreachable provider. Everyone else succeeds.
type SimulatedProvider struct {
	mu      sync.Mutex
	intents map[string]*Intent
}

var _ Provider = (*SimulatedProvider)(nil)

// NewSimulatedProvider creates a simulated provider.
func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{intents: make(map[string]*Intent)}
}

func (p *SimulatedProvider) Charge(ctx context.Context, req ChargeRequest) (*Intent, error) {
	if strings.Contains(req.CustomerID, "down") {
		return nil, ErrProviderDown
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	intent := &Intent{
		ID:          idgen.WithPrefix("pi_sim_"),
		Status:      IntentSucceeded,
		AmountCents: req.AmountCents,
	}
	switch {
	case strings.Contains(req.CustomerID, "decline"):
		intent.Status = IntentRequiresPaymentMethod
		p.intents[intent.ID] = intent
		return nil, &DeclineError{IntentID: intent.ID, Code: "card_declined", Err: ErrProviderDeclined}
	case strings.Contains(req.CustomerID, "action"):
		intent.Status = IntentRequiresAction
	}
	p.intents[intent.ID] = intent
	return copyIntent(intent), nil
}

func (p *SimulatedProvider) GetIntent(ctx context.Context, id string) (*Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return copyIntent(intent), nil
}

// Resolve moves a simulated intent to a final status (for tests and local
// demos of the requires-action flow).
func (p *SimulatedProvider) Resolve(id string, status IntentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if intent, ok := p.intents[id]; ok {
		intent.Status = status
	}
}

func copyIntent(i *Intent) *Intent {
	cp := *i
	return &cp
}
