// Package dedup records which event ids were already handled so redelivered
// events become no-ops.
//
// Handling is bracketed by Claim and Commit. A claim is a short lease: while
// it is live other deliveries of the id see InFlight and must be retried, and
// when the process dies before Commit the lease lapses so a later delivery
// claims the id again. Commit records the id as processed for the retention
// period. Forget drops a claim after a failed attempt so the bus retry can run.
package dedup

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/mirkobrombin/go-fence/v1/adapter"
	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
)

const (
	DefaultClaimTTL  = 30 * time.Second
	DefaultRetention = 24 * time.Hour

	claimPrefix     = "claim:"
	processedPrefix = "processed:"
)

// Outcome is the result of a Claim.
type Outcome int

const (
	// Claimed means the caller owns the id and must Commit or Forget it.
	Claimed Outcome = iota
	// InFlight means another claim on the id is live and not committed yet.
	InFlight
	// Processed means the id was committed within the retention period.
	Processed
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case InFlight:
		return "in-flight"
	case Processed:
		return "processed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Deduplicator tracks handled event ids.
type Deduplicator interface {
	// Claim tries to take id for handling.
	Claim(ctx context.Context, id string) (Outcome, error)
	// Commit marks id as handled for the retention period.
	Commit(ctx context.Context, id string) error
	// Forget releases a claim so id can be handled again.
	Forget(ctx context.Context, id string) error
}

// KV keeps processed ids in a shared LockStore, so every replica of a
// participant sees the same set.
type KV struct {
	store     adapter.LockStore
	token     string
	claimTTL  time.Duration
	retention time.Duration
}

// NewKV returns a KV deduplicator. Zero durations select the defaults.
func NewKV(store adapter.LockStore, claimTTL, retention time.Duration) *KV {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &KV{store: store, token: uuid.NewString(), claimTTL: claimTTL, retention: retention}
}

func storeErr(op, id string, err error) error {
	return fmt.Errorf("dedup: %s %q: %w", op, id, stdErrors.Join(fenceerrors.ErrStoreUnavailable, err))
}

func (d *KV) processed(ctx context.Context, id string) (bool, error) {
	_, ok, err := d.store.Get(ctx, processedPrefix+id)
	if err != nil {
		return false, storeErr("lookup", id, err)
	}
	return ok, nil
}

// Claim implements Deduplicator.Claim.
func (d *KV) Claim(ctx context.Context, id string) (Outcome, error) {
	done, err := d.processed(ctx, id)
	if err != nil {
		return InFlight, err
	}
	if done {
		return Processed, nil
	}
	ok, err := d.store.SetNX(ctx, claimPrefix+id, d.token, d.claimTTL)
	if err != nil {
		return InFlight, storeErr("claim", id, err)
	}
	if !ok {
		return InFlight, nil
	}
	// Commit writes the marker before dropping its claim, so a commit that
	// landed between the lookup and SetNX is visible now.
	done, err = d.processed(ctx, id)
	if err == nil && !done {
		return Claimed, nil
	}
	if _, derr := d.store.CompareAndDelete(ctx, claimPrefix+id, d.token); derr != nil && err == nil {
		err = storeErr("claim", id, derr)
	}
	if err != nil {
		return InFlight, err
	}
	return Processed, nil
}

// Commit implements Deduplicator.Commit.
func (d *KV) Commit(ctx context.Context, id string) error {
	if _, err := d.store.SetNX(ctx, processedPrefix+id, "1", d.retention); err != nil {
		return storeErr("commit", id, err)
	}
	if _, err := d.store.CompareAndDelete(ctx, claimPrefix+id, d.token); err != nil {
		return storeErr("commit", id, err)
	}
	return nil
}

// Forget implements Deduplicator.Forget.
func (d *KV) Forget(ctx context.Context, id string) error {
	if _, err := d.store.CompareAndDelete(ctx, claimPrefix+id, d.token); err != nil {
		return storeErr("forget", id, err)
	}
	return nil
}

// Local keeps processed ids in a bounded in-process ristretto cache. Ids
// evicted under memory pressure are forgotten, so Local suits single-replica
// deployments and tests.
type Local struct {
	mu        sync.Mutex
	c         *ristretto.Cache
	claimTTL  time.Duration
	retention time.Duration
}

// NewLocal returns a Local deduplicator tracking up to maxEntries ids.
func NewLocal(maxEntries int64, claimTTL, retention time.Duration) (*Local, error) {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,

		// Cost counts ids, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dedup: ristretto: %w", err)
	}
	return &Local{c: c, claimTTL: claimTTL, retention: retention}, nil
}

// Claim implements Deduplicator.Claim. The cached value is true once the
// id is committed.
func (d *Local) Claim(ctx context.Context, id string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return InFlight, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.c.Get(id); ok {
		if done, _ := v.(bool); done {
			return Processed, nil
		}
		return InFlight, nil
	}
	d.c.SetWithTTL(id, false, 1, d.claimTTL)
	d.c.Wait()
	return Claimed, nil
}

// Commit implements Deduplicator.Commit.
func (d *Local) Commit(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.c.SetWithTTL(id, true, 1, d.retention)
	d.c.Wait()
	return nil
}

// Forget implements Deduplicator.Forget.
func (d *Local) Forget(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.c.Get(id); ok {
		if done, _ := v.(bool); done {
			return nil
		}
	}
	d.c.Del(id)
	d.c.Wait()
	return nil
}

// Close releases the cache.
func (d *Local) Close() {
	d.c.Close()
}
