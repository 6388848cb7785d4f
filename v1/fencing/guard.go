package fencing

import (
	"context"

	"github.com/mirkobrombin/go-fence/v1/lock"
)

// Fence is the token held by a Guard.Run callback.
type Fence struct {
	Resource string
	Token    int64
	auth     *Authority
}

// Check must be called immediately before the side-effecting write. It
// returns ErrStaleFencedToken when a later holder has been issued a token.
func (f Fence) Check(ctx context.Context) error {
	return f.auth.Check(ctx, f.Resource, f.Token)
}

// Guard pairs a lock with a fencing token for the same logical resource.
type Guard struct {
	Locks     *lock.Manager
	Authority *Authority
}

// NewGuard returns a Guard.
func NewGuard(locks *lock.Manager, auth *Authority) *Guard {
	return &Guard{Locks: locks, Authority: auth}
}

// Run acquires lockKey, issues a token for resource and only then calls fn.
// The lock is released on every exit path. fn decides when to call
// Fence.Check; a stale result must abort its write.
func (g *Guard) Run(ctx context.Context, lockKey, resource string, opts lock.Options, fn func(ctx context.Context, f Fence) error) error {
	return g.Locks.WithLock(ctx, lockKey, opts, func(ctx context.Context) error {
		tok, err := g.Authority.Issue(ctx, resource)
		if err != nil {
			return err
		}
		return fn(ctx, Fence{Resource: resource, Token: tok, auth: g.Authority})
	})
}
