package types

import "errors"

var (
	// Lookup errors
	ErrLockNotFound     = errors.New("lock not found")
	ErrInvalidNamespace = errors.New("namespace is required")
	ErrInvalidTTL       = errors.New("invalid lock TTL")

	// Acquisition errors
	ErrLockHeld       = errors.New("lock is already held")
	ErrAcquireTimeout = errors.New("timed out waiting for lock")

	// Holder errors
	ErrNotOwner         = errors.New("caller is not the lock owner")
	ErrLockExpired      = errors.New("lock lease has expired")
	ErrRenewalExhausted = errors.New("cannot renew: max renewals reached")

	// Fencing errors
	ErrFenceMismatch = errors.New("fence token mismatch")
)
