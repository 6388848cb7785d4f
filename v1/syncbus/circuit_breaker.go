package syncbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerBus decorates a Bus with a circuit breaker around Publish.
// After threshold consecutive failures publishes fail fast with
// ErrCircuitOpen until timeout elapses and a probe succeeds.
type CircuitBreakerBus struct {
	bus Bus
	cb  *gobreaker.CircuitBreaker
}

// NewCircuitBreaker returns a new CircuitBreakerBus.
func NewCircuitBreaker(bus Bus, threshold uint32, timeout time.Duration) *CircuitBreakerBus {
	if threshold == 0 {
		threshold = 1
	}
	settings := gobreaker.Settings{
		Name:        "syncbus-publish",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	return &CircuitBreakerBus{bus: bus, cb: gobreaker.NewCircuitBreaker(settings)}
}

// IsHealthy returns true unless the circuit is open.
func (b *CircuitBreakerBus) IsHealthy() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// Publish implements Bus.Publish with circuit breaker logic.
func (b *CircuitBreakerBus) Publish(ctx context.Context, topic, key string, value []byte, opts ...PublishOption) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.bus.Publish(ctx, topic, key, value, opts...)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("syncbus: publish %s: %w", topic, errors.Join(fenceerrors.ErrBusUnavailable, ErrCircuitOpen))
	}
	return err
}

// Subscribe passes through to the wrapped bus.
func (b *CircuitBreakerBus) Subscribe(ctx context.Context, group string, topics []string, h Handler, opts SubscribeOptions) error {
	return b.bus.Subscribe(ctx, group, topics, h, opts)
}

// Close closes the wrapped bus.
func (b *CircuitBreakerBus) Close() error {
	return b.bus.Close()
}
