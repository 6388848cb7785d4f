package saga

import (
	"context"
	"math/rand/v2"
	"sync"
)

// Step names the business decision a participant asks for.
type Step string

const (
	StepPayment   Step = "payment"
	StepInventory Step = "inventory"
)

// Decision is the outcome of a charge or reservation attempt.
type Decision struct {
	Approved bool
	Reason   string
}

// Decider settles charges and reservations. Production code would call a
// payment provider or a stock service here.
type Decider interface {
	Decide(ctx context.Context, step Step, orderID string) Decision
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, step Step, orderID string) Decision

func (f DeciderFunc) Decide(ctx context.Context, step Step, orderID string) Decision {
	return f(ctx, step, orderID)
}

// Approve approves every step.
var Approve Decider = DeciderFunc(func(context.Context, Step, string) Decision {
	return Decision{Approved: true}
})

// FailFor rejects step for the listed orders and approves everything else.
func FailFor(step Step, reason string, orderIDs ...string) Decider {
	failing := make(map[string]struct{}, len(orderIDs))
	for _, id := range orderIDs {
		failing[id] = struct{}{}
	}
	return DeciderFunc(func(_ context.Context, s Step, orderID string) Decision {
		if _, ok := failing[orderID]; ok && s == step {
			return Decision{Reason: reason}
		}
		return Decision{Approved: true}
	})
}

// RandomDecider approves each step with probability rate. It is meant for
// demos.
type RandomDecider struct {
	mu   sync.Mutex
	rate float64
	rng  *rand.Rand
}

// NewRandomDecider returns a RandomDecider seeded with seed.
func NewRandomDecider(rate float64, seed uint64) *RandomDecider {
	return &RandomDecider{rate: rate, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (d *RandomDecider) Decide(_ context.Context, step Step, _ string) Decision {
	d.mu.Lock()
	ok := d.rng.Float64() < d.rate
	d.mu.Unlock()
	if ok {
		return Decision{Approved: true}
	}
	if step == StepPayment {
		return Decision{Reason: "card declined"}
	}
	return Decision{Reason: "out of stock"}
}
