// Package fencing issues per-resource monotonic tokens and rejects writes
// that present a token older than the latest issued one.
//
// A lock alone cannot stop a holder that was paused past its TTL from
// writing after someone else took over. Obtaining a token together with the
// lock and re-validating it right before the write closes that gap: the
// later holder's issuance makes every earlier token stale.
package fencing

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-fence/v1/adapter"
	fenceerrors "github.com/mirkobrombin/go-fence/v1/errors"
	"github.com/mirkobrombin/go-fence/v1/logger"
	"github.com/mirkobrombin/go-fence/v1/metrics"
)

const keyPrefix = "fence:"

// Authority hands out fencing tokens backed by the store's atomic counter.
type Authority struct {
	store  adapter.LockStore
	logger *zap.Logger
}

// NewAuthority returns an Authority over store. A nil logger is allowed.
func NewAuthority(store adapter.LockStore, l *zap.Logger) *Authority {
	return &Authority{store: store, logger: logger.OrNop(l)}
}

func counterKey(resource string) string {
	return keyPrefix + resource
}

func storeErr(op, resource string, err error) error {
	return fmt.Errorf("fencing: %s %q: %w", op, resource, stdErrors.Join(fenceerrors.ErrStoreUnavailable, err))
}

// Issue returns a token strictly larger than every token previously issued
// for resource, across processes sharing the store.
func (a *Authority) Issue(ctx context.Context, resource string) (int64, error) {
	tok, err := a.store.Incr(ctx, counterKey(resource))
	if err != nil {
		return 0, storeErr("issue", resource, err)
	}
	metrics.FencingIssued.Inc()
	return tok, nil
}

// Current returns the latest issued token for resource, 0 when none was.
func (a *Authority) Current(ctx context.Context, resource string) (int64, error) {
	v, ok, err := a.store.Get(ctx, counterKey(resource))
	if err != nil {
		return 0, storeErr("read", resource, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("fencing: counter %q is not an integer: %w", resource, err)
	}
	return n, nil
}

// Validate reports whether token is still the latest for resource.
func (a *Authority) Validate(ctx context.Context, resource string, token int64) (bool, error) {
	cur, err := a.Current(ctx, resource)
	if err != nil {
		return false, err
	}
	return token >= cur, nil
}

// Check is Validate returning ErrStaleFencedToken for a superseded token.
func (a *Authority) Check(ctx context.Context, resource string, token int64) error {
	ok, err := a.Validate(ctx, resource, token)
	if err != nil {
		return err
	}
	if !ok {
		metrics.FencingStale.Inc()
		logger.Warn(ctx, a.logger, "stale fencing token rejected",
			zap.String("resource", resource), zap.Int64("token", token))
		return fmt.Errorf("fencing: %q token %d: %w", resource, token, fenceerrors.ErrStaleFencedToken)
	}
	return nil
}
