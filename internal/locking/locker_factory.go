package locking

import (
	"context"
	"fmt"
	"strings"

	"github.com/katasec/mssql-changestream/internal/config"
	"github.com/katasec/mssql-changestream/internal/utils"
)

// LockerFactory creates instances of DistributedLocker based on the configuration
type LockerFactory struct {
	cfg                config.LockConfig
	dbConnectionString string // used to scope lock names by server
}

// NewLockerFactory initializes a new LockerFactory
func NewLockerFactory(cfg config.LockConfig, dbConnectionString string) *LockerFactory {
	return &LockerFactory{
		cfg:                cfg,
		dbConnectionString: dbConnectionString,
	}
}

// CreateLocker creates a DistributedLocker for the specified lock
func (f *LockerFactory) CreateLocker(ctx context.Context, lockName string) (DistributedLocker, error) {
	switch f.cfg.Type {
	case config.LockTypeAzureBlob:
		return NewBlobLocker(ctx, f.cfg.ConnectionString, f.cfg.ContainerName, lockName)
	case config.LockTypeNone, "":
		return NewNoopLocker(), nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.cfg.Type)
	}
}

// GetLockName returns the lock name of a table for the configured locker.
// Blob locks live under a folder named after the database server.
func (f *LockerFactory) GetLockName(tableName string) string {
	switch f.cfg.Type {
	case config.LockTypeAzureBlob:
		if f.dbConnectionString != "" {
			serverName, err := utils.ExtractServerNameFromConnectionString(f.dbConnectionString)
			if err == nil && serverName != "" {
				return strings.ToLower(serverName) + "/" + GetBlobLockName(tableName)
			}
		}
		return GetBlobLockName(tableName)
	default:
		return tableName
	}
}

// GetLockedTables returns the tables whose locks are currently held.
func (f *LockerFactory) GetLockedTables(ctx context.Context, tableNames []string) ([]string, error) {
	switch f.cfg.Type {
	case config.LockTypeAzureBlob:
		byLock := make(map[string]string, len(tableNames))
		lockNames := make([]string, 0, len(tableNames))
		for _, t := range tableNames {
			name := f.GetLockName(t)
			byLock[name] = t
			lockNames = append(lockNames, name)
		}

		probe, err := NewBlobLocker(ctx, f.cfg.ConnectionString, f.cfg.ContainerName, f.GetLockName("_probe"))
		if err != nil {
			return nil, fmt.Errorf("failed to create blob locker: %w", err)
		}
		locked, err := probe.GetLockedTables(ctx, lockNames)
		if err != nil {
			return nil, err
		}
		tables := make([]string, 0, len(locked))
		for _, l := range locked {
			tables = append(tables, byLock[l])
		}
		return tables, nil
	case config.LockTypeNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.cfg.Type)
	}
}
