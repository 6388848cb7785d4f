package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-fence/v1/adapter"
)

func newLocal(t *testing.T, claimTTL time.Duration) *Local {
	t.Helper()
	d, err := NewLocal(1000, claimTTL, time.Hour)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestDuplicateIsRejected(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	impls := map[string]Deduplicator{
		"kv-memory": NewKV(adapter.NewInMemoryLockStore(), 0, 0),
		"kv-redis":  NewKV(adapter.NewRedisLockStore(client), 0, 0),
		"local":     newLocal(t, 0),
	}
	ctx := context.Background()
	for name, d := range impls {
		t.Run(name, func(t *testing.T) {
			got, err := d.Claim(ctx, "evt-1")
			if err != nil || got != Claimed {
				t.Fatalf("first claim: %v err=%v", got, err)
			}
			if err := d.Commit(ctx, "evt-1"); err != nil {
				t.Fatalf("commit: %v", err)
			}
			got, err = d.Claim(ctx, "evt-1")
			if err != nil || got != Processed {
				t.Fatalf("duplicate claim: %v err=%v", got, err)
			}
			if got, _ := d.Claim(ctx, "evt-2"); got != Claimed {
				t.Fatalf("unrelated id: %v", got)
			}
		})
	}
}

func TestForgetAllowsRetry(t *testing.T) {
	ctx := context.Background()
	for name, d := range map[string]Deduplicator{
		"kv":    NewKV(adapter.NewInMemoryLockStore(), 0, 0),
		"local": newLocal(t, 0),
	} {
		t.Run(name, func(t *testing.T) {
			if got, _ := d.Claim(ctx, "evt"); got != Claimed {
				t.Fatal("claim failed")
			}
			if err := d.Forget(ctx, "evt"); err != nil {
				t.Fatalf("forget: %v", err)
			}
			if got, _ := d.Claim(ctx, "evt"); got != Claimed {
				t.Fatal("claim after forget rejected")
			}
		})
	}
}

func TestKVClaimLapsesAndCommitExtends(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	d := NewKV(adapter.NewRedisLockStore(client), time.Second, time.Hour)

	if got, _ := d.Claim(ctx, "crashed"); got != Claimed {
		t.Fatal("claim failed")
	}
	mr.FastForward(2 * time.Second)
	if got, _ := d.Claim(ctx, "crashed"); got != Claimed {
		t.Fatalf("uncommitted claim did not lapse: %v", got)
	}

	if got, _ := d.Claim(ctx, "done"); got != Claimed {
		t.Fatal("claim failed")
	}
	if err := d.Commit(ctx, "done"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	mr.FastForward(time.Minute)
	if got, _ := d.Claim(ctx, "done"); got != Processed {
		t.Fatalf("committed id within retention: %v", got)
	}
	if mr.Exists("claim:done") {
		t.Fatal("commit left the claim behind")
	}
	if ttl := mr.TTL("processed:done"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected retention ttl %v", ttl)
	}
}

func TestKVForgetKeepsOtherClaims(t *testing.T) {
	store := adapter.NewInMemoryLockStore()
	ctx := context.Background()
	a := NewKV(store, 0, 0)
	b := NewKV(store, 0, 0)
	if got, _ := a.Claim(ctx, "evt"); got != Claimed {
		t.Fatal("claim failed")
	}
	if err := b.Forget(ctx, "evt"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if got, _ := b.Claim(ctx, "evt"); got != InFlight {
		t.Fatalf("foreign forget released the claim: %v", got)
	}
}

func TestLocalClaimLapses(t *testing.T) {
	d := newLocal(t, 20*time.Millisecond)
	ctx := context.Background()
	if got, _ := d.Claim(ctx, "evt"); got != Claimed {
		t.Fatal("claim failed")
	}
	time.Sleep(40 * time.Millisecond)
	if got, _ := d.Claim(ctx, "evt"); got != Claimed {
		t.Fatalf("claim did not lapse: %v", got)
	}
}

func TestLiveClaimIsInFlightUntilCommitted(t *testing.T) {
	ctx := context.Background()
	store := adapter.NewInMemoryLockStore()
	for name, pair := range map[string][2]Deduplicator{
		"kv":    {NewKV(store, 0, 0), NewKV(store, 0, 0)},
		"local": func() [2]Deduplicator { d := newLocal(t, 0); return [2]Deduplicator{d, d} }(),
	} {
		t.Run(name, func(t *testing.T) {
			a, b := pair[0], pair[1]
			if got, _ := a.Claim(ctx, name); got != Claimed {
				t.Fatalf("claim: %v", got)
			}
			if got, _ := b.Claim(ctx, name); got != InFlight {
				t.Fatalf("second claim while live: %v", got)
			}
			if err := a.Commit(ctx, name); err != nil {
				t.Fatalf("commit: %v", err)
			}
			if got, _ := b.Claim(ctx, name); got != Processed {
				t.Fatalf("claim after commit: %v", got)
			}
		})
	}
}
