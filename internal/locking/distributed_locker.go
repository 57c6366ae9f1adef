package locking

import (
	"context"
	"errors"
)

// ErrLockHeld is returned by AcquireLock when another ingester owns the lock.
var ErrLockHeld = errors.New("lock is held by another owner")

// DistributedLocker guards a source table so only one ingester streams it.
type DistributedLocker interface {
	// AcquireLock takes the lock and returns its lease ID, or ErrLockHeld.
	AcquireLock(ctx context.Context, lockName string) (string, error)

	// ReleaseLock releases the lock held under leaseID.
	ReleaseLock(ctx context.Context, lockName string, leaseID string) error

	// RenewLock extends the lease of a held lock.
	RenewLock(ctx context.Context, lockName string) error

	// StartLockRenewal renews the lock in the background until ctx is done.
	StartLockRenewal(ctx context.Context, lockName string)

	// GetLockedTables returns the subset of lockNames currently held.
	GetLockedTables(ctx context.Context, lockNames []string) ([]string, error)
}
