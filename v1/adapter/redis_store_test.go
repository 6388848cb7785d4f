package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-fence/v1/adapter"
	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
)

// newRedis starts a miniredis server and returns a client for it. Cleanup
// closes both.
func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client, ctx
}

func TestRedisStoreGetSetKeysNamespace(t *testing.T) {
	_, client, ctx := newRedis(t)
	orders := adapter.NewRedisStore[string](client, adapter.WithNamespace("orders"))
	other := adapter.NewRedisStore[string](client, adapter.WithNamespace("payments"))
	if err := orders.Set(ctx, "o1", "pending"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := other.Set(ctx, "o1", "charged"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := orders.Get(ctx, "o1"); err != nil || !ok || v != "pending" {
		t.Fatalf("Get: expected pending, got %v ok=%v err=%v", v, ok, err)
	}
	keys, err := orders.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "o1" {
		t.Fatalf("Keys: expected [o1], got %v", keys)
	}
	if v, _ := client.Get(ctx, "payments:o1").Result(); v != `"charged"` {
		t.Fatalf("raw key: got %q", v)
	}
}

func TestRedisStoreGetUnmarshalError(t *testing.T) {
	_, client, ctx := newRedis(t)
	s := adapter.NewRedisStore[int64](client)
	if err := client.Set(ctx, "foo", "invalid", 0).Err(); err != nil {
		t.Fatalf("client.Set: %v", err)
	}
	if _, _, err := s.Get(ctx, "foo"); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}

func TestRedisStoreSentinelErrors(t *testing.T) {
	t.Run("connection closed", func(t *testing.T) {
		_, client, ctx := newRedis(t)
		s := adapter.NewRedisStore[string](client)
		_ = s.Set(ctx, "foo", "bar")
		_ = client.Close()
		_, _, err := s.Get(ctx, "foo")
		if !errors.Is(err, fenceerrors.ErrConnectionClosed) {
			t.Fatalf("expected connection closed, got %v", err)
		}
		if !errors.Is(err, fenceerrors.ErrStoreUnavailable) {
			t.Fatalf("expected store unavailable, got %v", err)
		}
	})

	t.Run("server down", func(t *testing.T) {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		defer client.Close()
		ctx := context.Background()
		s := adapter.NewRedisStore[int64](client)
		mr.Close()
		if err := s.Set(ctx, "foo", 1); !errors.Is(err, fenceerrors.ErrStoreUnavailable) {
			t.Fatalf("expected store unavailable, got %v", err)
		}
		ls := adapter.NewRedisLockStore(client)
		if _, err := ls.SetNX(ctx, "k", "v", time.Second); !errors.Is(err, fenceerrors.ErrStoreUnavailable) {
			t.Fatalf("expected store unavailable from lock store, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		_, client, ctx := newRedis(t)
		s := adapter.NewRedisStore[string](client)
		tCtx, cancel := context.WithTimeout(ctx, time.Nanosecond)
		defer cancel()
		time.Sleep(time.Millisecond)
		if _, _, err := s.Get(tCtx, "foo"); !errors.Is(err, fenceerrors.ErrTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
	})
}

func TestRedisLockStorePrimitives(t *testing.T) {
	mr, client, ctx := newRedis(t)
	s := adapter.NewRedisLockStore(client)

	ok, err := s.SetNX(ctx, "lock:order:1", "owner-a", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("SetNX: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.SetNX(ctx, "lock:order:1", "owner-b", 5*time.Second); ok {
		t.Fatal("second SetNX should fail")
	}
	if d, ok, err := s.TTL(ctx, "lock:order:1"); err != nil || !ok || d <= 0 {
		t.Fatalf("TTL: %v ok=%v err=%v", d, ok, err)
	}
	if ok, err := s.CompareAndDelete(ctx, "lock:order:1", "owner-b"); err != nil || ok {
		t.Fatalf("CompareAndDelete wrong owner: ok=%v err=%v", ok, err)
	}
	if ok, err := s.CompareAndDelete(ctx, "lock:order:1", "owner-a"); err != nil || !ok {
		t.Fatalf("CompareAndDelete owner: ok=%v err=%v", ok, err)
	}
	if mr.Exists("lock:order:1") {
		t.Fatal("key still present")
	}

	if _, ok, _ := s.TTL(ctx, "missing"); ok {
		t.Fatal("TTL on missing key reported present")
	}
	for want := int64(1); want <= 2; want++ {
		if n, err := s.Incr(ctx, "fence:order:42"); err != nil || n != want {
			t.Fatalf("Incr: %d err %v", n, err)
		}
	}
	if _, ok, _ := s.TTL(ctx, "fence:order:42"); !ok {
		t.Fatal("counter should exist")
	}
}

func TestRedisLockStoreExpiry(t *testing.T) {
	mr, client, ctx := newRedis(t)
	s := adapter.NewRedisLockStore(client, adapter.WithNamespace("app"))
	if ok, _ := s.SetNX(ctx, "k", "a", time.Second); !ok {
		t.Fatal("SetNX failed")
	}
	if ok, err := s.PExpire(ctx, "k", 3*time.Second); err != nil || !ok {
		t.Fatalf("PExpire: ok=%v err=%v", ok, err)
	}
	mr.FastForward(2 * time.Second)
	if v, ok, _ := s.Get(ctx, "k"); !ok || v != "a" {
		t.Fatalf("extended key expired early: %q ok=%v", v, ok)
	}
	mr.FastForward(2 * time.Second)
	if ok, _ := s.SetNX(ctx, "k", "b", time.Second); !ok {
		t.Fatal("SetNX after expiry should succeed")
	}
	if !mr.Exists("app:k") {
		t.Fatal("namespace not applied")
	}
}
