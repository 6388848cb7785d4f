// Package balance holds a single shared balance that concurrent requests
// deduct from. It exists to show what the lock manager and fencing tokens
// protect against: DeductUnsafe loses updates under concurrency, DeductLocked
// does not, and DeductFenced also rejects a holder whose lock expired while
// it was stalled.
package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-fence/v1/adapter"
	"github.com/mirkobrombin/go-fence/v1/fencing"
	"github.com/mirkobrombin/go-fence/v1/lock"
	"github.com/mirkobrombin/go-fence/v1/logger"
)

const (
	DefaultKey     = "balance"
	DefaultInitial = int64(1000)
	DefaultDelay   = 50 * time.Millisecond
)

var (
	ErrInsufficientFunds = errors.New("balance: insufficient funds")
	ErrInvalidAmount     = errors.New("balance: amount must be positive")
)

func checkAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	return nil
}

// Account is the shared balance stored under one key.
type Account struct {
	store   adapter.Store[int64]
	guard   *fencing.Guard
	key     string
	initial int64
	delay   time.Duration
	logger  *zap.Logger
}

// Option configures an Account.
type Option func(*Account)

// WithKey sets the store key. The lock key and fencing resource derive from it.
func WithKey(k string) Option { return func(a *Account) { a.key = k } }

// WithInitial sets the balance reported before the first write and used by
// Reset when called with a negative amount.
func WithInitial(v int64) Option { return func(a *Account) { a.initial = v } }

// WithDelay sets the pause between reading and writing the balance.
func WithDelay(d time.Duration) Option { return func(a *Account) { a.delay = d } }

func WithLogger(l *zap.Logger) Option { return func(a *Account) { a.logger = l } }

// NewAccount returns an Account on store. guard may be nil when only
// DeductUnsafe is used.
func NewAccount(store adapter.Store[int64], guard *fencing.Guard, opts ...Option) *Account {
	a := &Account{store: store, guard: guard, key: DefaultKey, initial: DefaultInitial, delay: DefaultDelay}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logger.OrNop(a.logger)
	return a
}

func (a *Account) lockKey() string  { return "lock:" + a.key }
func (a *Account) resource() string { return a.key }

// Balance returns the current balance.
func (a *Account) Balance(ctx context.Context) (int64, error) {
	v, ok, err := a.store.Get(ctx, a.key)
	if err != nil {
		return 0, fmt.Errorf("balance: read: %w", err)
	}
	if !ok {
		return a.initial, nil
	}
	return v, nil
}

// Reset sets the balance to amount, or to the initial balance when amount is
// negative.
func (a *Account) Reset(ctx context.Context, amount int64) (int64, error) {
	if amount < 0 {
		amount = a.initial
	}
	if err := a.store.Set(ctx, a.key, amount); err != nil {
		return 0, fmt.Errorf("balance: reset: %w", err)
	}
	return amount, nil
}

// readModifyWrite is the unprotected critical section. check runs right
// before the write when set.
func (a *Account) readModifyWrite(ctx context.Context, amount int64, pause time.Duration, check func(context.Context) error) (int64, error) {
	cur, err := a.Balance(ctx)
	if err != nil {
		return 0, err
	}
	if err := sleep(ctx, a.delay+pause); err != nil {
		return 0, err
	}
	if cur < amount {
		return cur, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, cur, amount)
	}
	if check != nil {
		if err := check(ctx); err != nil {
			return 0, err
		}
	}
	next := cur - amount
	if err := a.store.Set(ctx, a.key, next); err != nil {
		return 0, fmt.Errorf("balance: write: %w", err)
	}
	return next, nil
}

// DeductUnsafe subtracts amount with no coordination. Concurrent calls lose
// updates.
func (a *Account) DeductUnsafe(ctx context.Context, amount int64) (int64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	return a.readModifyWrite(ctx, amount, 0, nil)
}

// DeductLocked subtracts amount while holding the balance lock.
func (a *Account) DeductLocked(ctx context.Context, amount int64, opts lock.Options) (int64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}
	if a.guard == nil {
		return 0, errors.New("balance: no lock manager configured")
	}
	return lock.Do(ctx, a.guard.Locks, a.lockKey(), opts, func(ctx context.Context) (int64, error) {
		return a.readModifyWrite(ctx, amount, 0, nil)
	})
}

// FencedResult reports the token a fenced deduction ran with.
type FencedResult struct {
	Balance int64 `json:"balance"`
	Token   int64 `json:"token"`
}

// DeductFenced subtracts amount under the lock and a fencing token, and
// checks the token before writing. pause stretches the critical section to
// simulate a stalled holder; when it outlives the lock TTL a later holder
// gets a newer token and this write is rejected with ErrStaleFencedToken.
func (a *Account) DeductFenced(ctx context.Context, amount int64, opts lock.Options, pause time.Duration) (FencedResult, error) {
	if err := checkAmount(amount); err != nil {
		return FencedResult{}, err
	}
	if a.guard == nil {
		return FencedResult{}, errors.New("balance: no fencing guard configured")
	}
	var res FencedResult
	err := a.guard.Run(ctx, a.lockKey(), a.resource(), opts, func(ctx context.Context, f fencing.Fence) error {
		res.Token = f.Token
		next, err := a.readModifyWrite(ctx, amount, pause, f.Check)
		if err != nil {
			logger.Warn(ctx, a.logger, "fenced deduction aborted",
				zap.Int64("token", f.Token), zap.Int64("amount", amount), zap.Error(err))
			return err
		}
		res.Balance = next
		return nil
	})
	return res, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
