package adapter

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisLockStore implements LockStore on top of Redis primitives.
type RedisLockStore struct {
	client    *redis.Client
	timeout   time.Duration
	namespace string
}

// NewRedisLockStore returns a RedisLockStore using the provided client.
func NewRedisLockStore(client *redis.Client, opts ...RedisOption) *RedisLockStore {
	o := newRedisOptions(opts)
	return &RedisLockStore{client: client, timeout: o.timeout, namespace: o.namespace}
}

func (s *RedisLockStore) key(k string) string {
	if s.namespace == "" {
		return k
	}
	return s.namespace + ":" + k
}

func (s *RedisLockStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// SetNX implements LockStore.SetNX with SET key value NX PX ttl.
func (s *RedisLockStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return ok, nil
}

// CompareAndDelete implements LockStore.CompareAndDelete with a Lua script so
// the comparison and the delete happen in one round trip.
func (s *RedisLockStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	cctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := delScript.Run(cctx, s.client, []string{s.key(key)}, value).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n == 1, nil
}

// Incr implements LockStore.Incr.
func (s *RedisLockStore) Incr(ctx context.Context, key string) (int64, error) {
	cctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	n, err := s.client.Incr(cctx, s.key(key)).Result()
	if err != nil {
		return 0, mapRedisErr(err)
	}
	return n, nil
}

// Get implements LockStore.Get.
func (s *RedisLockStore) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.Get(cctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapRedisErr(err)
	}
	return v, true, nil
}

// TTL implements LockStore.TTL using PTTL.
func (s *RedisLockStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	cctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return 0, false, err
	}
	defer cancel()
	d, err := s.client.PTTL(cctx, s.key(key)).Result()
	if err != nil {
		return 0, false, mapRedisErr(err)
	}
	// go-redis passes the -2 (absent) and -1 (no expiry) replies through unscaled.
	switch d {
	case -2:
		return 0, false, nil
	case -1:
		return -1, true, nil
	}
	return d, true, nil
}

// PExpire implements LockStore.PExpire.
func (s *RedisLockStore) PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	cctx, cancel, err := s.withTimeout(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.PExpire(cctx, s.key(key), ttl).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return ok, nil
}

// Ping implements Pinger.
func (s *RedisLockStore) Ping(ctx context.Context) error {
	return mapRedisErr(s.client.Ping(ctx).Err())
}
