package main

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-fence/v1/adapter"
	"github.com/mirkobrombin/go-fence/v1/config"
	"github.com/mirkobrombin/go-fence/v1/dedup"
	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
	"github.com/mirkobrombin/go-fence/v1/server"
	"github.com/mirkobrombin/go-fence/v1/syncbus"
	kafkabus "github.com/mirkobrombin/go-fence/v1/syncbus/kafka"
	natsbus "github.com/mirkobrombin/go-fence/v1/syncbus/nats"
)

const dedupMaxEntries = 1 << 20

type healthReporter interface {
	IsHealthy() bool
}

// backends holds the infrastructure selected by configuration.
type backends struct {
	redis   *redis.Client
	locks   adapter.LockStore
	rawBus  syncbus.Bus
	bus     *syncbus.CircuitBreakerBus
	dedup   dedup.Deduplicator
	closers []func() error
}

func newBackends(ctx context.Context, cfg *config.Config, l *zap.Logger) (*backends, error) {
	b := &backends{}
	switch cfg.Store.Backend {
	case "redis":
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, b.redis.Close)
		store := adapter.NewRedisLockStore(b.redis, adapter.WithTimeout(cfg.Redis.Timeout))
		if err := store.Ping(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		b.locks = store
	default:
		b.locks = adapter.NewInMemoryLockStore()
	}

	switch cfg.Bus.Backend {
	case "kafka":
		k, err := kafkabus.New(cfg.Bus.Brokers, nil, l)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.rawBus = k
	case "nats":
		n, err := natsbus.Connect(cfg.Bus.NATSURL, l)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.rawBus = n
	default:
		b.rawBus = syncbus.NewInMemoryBus(syncbus.WithPartitions(cfg.Bus.Partitions), syncbus.WithLogger(l))
	}
	b.bus = syncbus.NewCircuitBreaker(b.rawBus, cfg.Breaker.Threshold, cfg.Breaker.Timeout)
	b.closers = append(b.closers, b.bus.Close)

	switch cfg.Dedup.Backend {
	case "local":
		d, err := dedup.NewLocal(dedupMaxEntries, 0, cfg.Dedup.TTL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.dedup = d
		b.closers = append(b.closers, func() error { d.Close(); return nil })
	default:
		b.dedup = dedup.NewKV(b.locks, 0, cfg.Dedup.TTL)
	}
	return b, nil
}

// Close releases the backends in reverse order of creation.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func (b *backends) readiness() map[string]server.Check {
	checks := map[string]server.Check{
		"bus": func(context.Context) error {
			if !b.bus.IsHealthy() {
				return fmt.Errorf("%w: circuit open", fenceerrors.ErrBusUnavailable)
			}
			if h, ok := b.rawBus.(healthReporter); ok && !h.IsHealthy() {
				return fmt.Errorf("%w: disconnected", fenceerrors.ErrBusUnavailable)
			}
			return nil
		},
	}
	if p, ok := b.locks.(adapter.Pinger); ok {
		checks["store"] = p.Ping
	}
	return checks
}

// newStore returns a participant-local store, namespaced on Redis when the
// process runs against one.
func newStore[T any](client *redis.Client, namespace string, cfg *config.Config) adapter.Store[T] {
	if client == nil {
		return adapter.NewInMemoryStore[T]()
	}
	return adapter.NewRedisStore[T](client, adapter.WithNamespace(namespace), adapter.WithTimeout(cfg.Redis.Timeout))
}
