package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-fence/v1/adapter"
	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
	"github.com/mirkobrombin/go-fence/v1/logger"
	"github.com/mirkobrombin/go-fence/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fence/v1/lock")

const (
	DefaultTTL        = 5 * time.Second
	DefaultRetries    = 10
	DefaultRetryDelay = 100 * time.Millisecond
)

// Options configures AcquireWithRetry and WithLock.
type Options struct {
	// Retries is the number of acquisition attempts. Values below 1 mean one.
	Retries int
	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration
	// TTL bounds how long the lock survives without release.
	TTL time.Duration
	// Owner is used as owner token when set; a random one is generated otherwise.
	Owner string
}

// DefaultOptions returns the options used when callers pass a zero value.
func DefaultOptions() Options {
	return Options{Retries: DefaultRetries, RetryDelay: DefaultRetryDelay, TTL: DefaultTTL}
}

func (o Options) normalized() Options {
	if o.Retries < 1 {
		o.Retries = 1
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	return o
}

// Manager hands out and takes back locks. It keeps no state of its own:
// every guarantee comes from the store's atomic primitives.
type Manager struct {
	store  adapter.LockStore
	logger *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for not-owner and store failure reports.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager returns a Manager backed by store.
func NewManager(store adapter.LockStore, opts ...Option) *Manager {
	m := &Manager{store: store}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.OrNop(m.logger)
	return m
}

// NewOwnerToken returns an unguessable owner token.
func NewOwnerToken() (string, error) {
	return uuid.GenerateUUID()
}

func storeErr(op, key string, err error) error {
	return fmt.Errorf("lock: %s %q: %w", op, key, stdErrors.Join(fenceerrors.ErrStoreUnavailable, err))
}

// Acquire makes a single attempt to take key for ttl. It returns the owner
// token on success, ErrLockContention when another owner holds the key and
// ErrStoreUnavailable when the store could not answer.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration, owner string) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if owner == "" {
		tok, err := NewOwnerToken()
		if err != nil {
			return "", fmt.Errorf("lock: owner token: %w", err)
		}
		owner = tok
	}
	ok, err := m.store.SetNX(ctx, key, owner, ttl)
	if err != nil {
		logger.Warn(ctx, m.logger, "lock acquire failed", zap.String("key", key), zap.Error(err))
		return "", storeErr("acquire", key, err)
	}
	if !ok {
		metrics.LockContended.Inc()
		return "", fenceerrors.ErrLockContention
	}
	metrics.LockAcquired.Inc()
	return owner, nil
}

// Release deletes key if and only if it is still held by owner. It reports
// false when owner no longer holds the lock; that is an expected outcome of
// TTL expiry and is logged, not returned as an error.
func (m *Manager) Release(ctx context.Context, key, owner string) (bool, error) {
	ok, err := m.store.CompareAndDelete(ctx, key, owner)
	if err != nil {
		logger.Warn(ctx, m.logger, "lock release failed", zap.String("key", key), zap.Error(err))
		return false, storeErr("release", key, err)
	}
	if !ok {
		metrics.LockNotOwner.Inc()
		logger.Info(ctx, m.logger, "lock release ignored",
			zap.String("key", key), zap.Error(fenceerrors.ErrNotOwner))
		return false, nil
	}
	metrics.LockReleased.Inc()
	return true, nil
}

// Extend refreshes the expiry of key when owner still holds it. A ttl of
// zero or less selects DefaultTTL, as in Acquire.
// Ownership is verified before the refresh; losing the race in between only
// shortens the protection window.
func (m *Manager) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cur, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return false, storeErr("extend", key, err)
	}
	if !ok || cur != owner {
		metrics.LockNotOwner.Inc()
		logger.Info(ctx, m.logger, "lock extend ignored",
			zap.String("key", key), zap.Error(fenceerrors.ErrNotOwner))
		return false, nil
	}
	ok, err = m.store.PExpire(ctx, key, ttl)
	if err != nil {
		return false, storeErr("extend", key, err)
	}
	return ok, nil
}

// AcquireWithRetry makes up to opts.Retries attempts separated by
// opts.RetryDelay. Contention on the last attempt yields ErrLockUnavailable;
// a store failure or a cancelled context stops the loop immediately.
func (m *Manager) AcquireWithRetry(ctx context.Context, key string, opts Options) (string, error) {
	opts = opts.normalized()
	ctx, span := tracer.Start(ctx, "lock.AcquireWithRetry")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", key))

	for attempt := 1; ; attempt++ {
		owner, err := m.Acquire(ctx, key, opts.TTL, opts.Owner)
		if err == nil {
			span.SetAttributes(attribute.Int("lock.attempts", attempt))
			return owner, nil
		}
		if !stdErrors.Is(err, fenceerrors.ErrLockContention) {
			span.RecordError(err)
			return "", err
		}
		if attempt >= opts.Retries {
			break
		}
		t := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	span.SetAttributes(attribute.Int("lock.attempts", opts.Retries))
	return "", fmt.Errorf("lock: %q after %d attempts: %w", key, opts.Retries, fenceerrors.ErrLockUnavailable)
}

// WithLock runs fn while holding key. The lock is released on every exit
// path, including a panic inside fn, which is re-raised after the release.
func (m *Manager) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, m, key, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is the value-returning form of WithLock.
func Do[T any](ctx context.Context, m *Manager, key string, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	owner, err := m.AcquireWithRetry(ctx, key, opts)
	if err != nil {
		return zero, err
	}
	defer func() {
		released, err := m.Release(context.WithoutCancel(ctx), key, owner)
		if err != nil {
			logger.Error(ctx, m.logger, "lock release after critical section failed",
				zap.String("key", key), zap.Error(err))
			return
		}
		if !released {
			logger.Warn(ctx, m.logger, "lock expired during critical section",
				zap.String("key", key), zap.Error(fenceerrors.ErrNotOwner))
		}
	}()
	return fn(ctx)
}

// IsLocked reports whether key currently holds a live owner. Diagnostic only.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return false, storeErr("inspect", key, err)
	}
	return ok, nil
}

// Owner returns the current owner token of key, if any. Diagnostic only.
func (m *Manager) Owner(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return "", false, storeErr("inspect", key, err)
	}
	return v, ok, nil
}

// TTL returns the remaining lifetime of key, or false when it is not held.
func (m *Manager) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, ok, err := m.store.TTL(ctx, key)
	if err != nil {
		return 0, false, storeErr("inspect", key, err)
	}
	return d, ok, nil
}
