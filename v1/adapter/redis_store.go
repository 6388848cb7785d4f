package adapter

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements Store using a Redis backend. Values are JSON encoded.
type RedisStore[T any] struct {
	client    *redis.Client
	timeout   time.Duration
	namespace string
}

// RedisOption configures a RedisStore or a RedisLockStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout   time.Duration
	namespace string
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithNamespace prefixes every key with ns and a colon. Keys returns the
// un-prefixed keys of the namespace only.
func WithNamespace(ns string) RedisOption {
	return func(o *redisStoreOptions) {
		o.namespace = ns
	}
}

func newRedisOptions(opts []RedisOption) redisStoreOptions {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore[T any](client *redis.Client, opts ...RedisOption) *RedisStore[T] {
	o := newRedisOptions(opts)
	return &RedisStore[T]{client: client, timeout: o.timeout, namespace: o.namespace}
}

func (s *RedisStore[T]) key(k string) string {
	if s.namespace == "" {
		return k
	}
	return s.namespace + ":" + k
}

// Get implements Store.Get.
func (s *RedisStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctxErr(ctx); err != nil {
		return zero, false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, mapRedisErr(err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *RedisStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(cctx, s.key(key), data, 0).Err(); err != nil {
		return mapRedisErr(err)
	}
	return nil
}

// Keys implements Store.Keys using SCAN to iterate over the namespace.
func (s *RedisStore[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	match := "*"
	prefix := ""
	if s.namespace != "" {
		prefix = s.namespace + ":"
		match = prefix + "*"
	}
	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(cctx, cursor, match, 100).Result()
		if err != nil {
			return nil, mapRedisErr(err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

// Ping implements Pinger.
func (s *RedisStore[T]) Ping(ctx context.Context) error {
	return mapRedisErr(s.client.Ping(ctx).Err())
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return fenceerrors.ErrTimeout
		}
		return err
	}
	return nil
}

// mapRedisErr turns a failed round trip into ErrStoreUnavailable joined with
// the transport sentinel. Cancellation by the caller is passed through.
func mapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case stdErrors.Is(err, context.Canceled):
		return err
	case stdErrors.Is(err, context.DeadlineExceeded):
		return stdErrors.Join(fenceerrors.ErrStoreUnavailable, fenceerrors.ErrTimeout)
	case stdErrors.Is(err, redis.ErrClosed):
		return stdErrors.Join(fenceerrors.ErrStoreUnavailable, fenceerrors.ErrConnectionClosed)
	}
	return stdErrors.Join(fenceerrors.ErrStoreUnavailable, err)
}
