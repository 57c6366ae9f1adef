package locking

import (
	"context"

	"github.com/katasec/mssql-changestream/internal/logging"
	"github.com/katasec/mssql-changestream/internal/utils"
)

// NoopLocker always grants the lock. It suits a single ingester instance.
type NoopLocker struct{}

func NewNoopLocker() *NoopLocker {
	return &NoopLocker{}
}

func (NoopLocker) AcquireLock(_ context.Context, lockName string) (string, error) {
	leaseID := utils.ULID()
	logging.GetLogger().Debug("Lock granted without coordination", "lock", lockName, "leaseID", leaseID)
	return leaseID, nil
}

func (NoopLocker) ReleaseLock(context.Context, string, string) error { return nil }

func (NoopLocker) RenewLock(context.Context, string) error { return nil }

func (NoopLocker) StartLockRenewal(context.Context, string) {}

func (NoopLocker) GetLockedTables(context.Context, []string) ([]string, error) { return nil, nil }
