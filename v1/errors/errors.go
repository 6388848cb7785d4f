package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockContention is returned when another owner currently holds the key.
	ErrLockContention = errors.New("lock held by another owner")
	// ErrLockUnavailable is returned when acquisition exhausted its retries.
	ErrLockUnavailable = errors.New("lock unavailable")
	// ErrNotOwner reports a release or extend attempted by a non-current owner.
	ErrNotOwner = errors.New("caller is not the lock owner")
	// ErrStaleFencedToken reports that a later token has been issued for the resource.
	ErrStaleFencedToken = errors.New("fencing token is stale")

	ErrHandlerFailure   = errors.New("handler failure")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrBusUnavailable   = errors.New("bus unavailable")
)
