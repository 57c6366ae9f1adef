package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"

	"github.com/katasec/mssql-changestream/internal/logging"
)

const (
	// Azure accepts finite leases of 15 to 60 seconds. A lease that is not
	// renewed expires on its own, so a crashed owner frees the table.
	defaultLeaseDuration = 60 * time.Second
	defaultRenewInterval = 20 * time.Second
)

// leaseClient is the part of *lease.BlobClient the locker uses.
type leaseClient interface {
	AcquireLease(ctx context.Context, duration int32, o *lease.BlobAcquireOptions) (lease.BlobAcquireResponse, error)
	RenewLease(ctx context.Context, o *lease.BlobRenewOptions) (lease.BlobRenewResponse, error)
	ReleaseLease(ctx context.Context, o *lease.BlobReleaseOptions) (lease.BlobReleaseResponse, error)
}

// BlobLocker implements DistributedLocker with a lease on an empty blob.
type BlobLocker struct {
	containerName string
	lockName      string
	leaseDuration time.Duration
	renewInterval time.Duration

	azblobClient *azblob.Client
	leaseClient  leaseClient
}

// NewBlobLocker makes sure the container and the lock blob exist and
// returns a locker for lockName.
func NewBlobLocker(ctx context.Context, connectionString, containerName, lockName string) (*BlobLocker, error) {
	azblobClient, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	_, err = azblobClient.CreateContainer(ctx, containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("failed to create or check container: %w", err)
	}

	blockblobClient, err := blockblob.NewClientFromConnectionString(connectionString, containerName, lockName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create block blob client: %w", err)
	}
	// A leased blob rejects the write, which still proves it exists.
	_, err = blockblobClient.UploadBuffer(ctx, []byte{}, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.LeaseIDMissing, bloberror.ConditionNotMet) {
		return nil, fmt.Errorf("failed to ensure blob exists: %w", err)
	}

	blobLeaseClient, err := lease.NewBlobClient(blockblobClient, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob lease client: %w", err)
	}

	return &BlobLocker{
		containerName: containerName,
		lockName:      lockName,
		leaseDuration: defaultLeaseDuration,
		renewInterval: defaultRenewInterval,
		azblobClient:  azblobClient,
		leaseClient:   blobLeaseClient,
	}, nil
}

// AcquireLock tries to acquire a lease on the lock blob.
func (bl *BlobLocker) AcquireLock(ctx context.Context, lockName string) (string, error) {
	logger := logging.GetLogger()
	logger.Debug("Attempting to acquire lock", "blob", bl.lockName)

	resp, err := bl.leaseClient.AcquireLease(ctx, int32(bl.leaseDuration.Seconds()), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			logger.Info("Table is already locked, skipping", "blob", bl.lockName)
			return "", fmt.Errorf("%s: %w", lockName, ErrLockHeld)
		}
		return "", fmt.Errorf("failed to acquire lock for blob %s: %w", bl.lockName, err)
	}

	leaseID := ""
	if resp.LeaseID != nil {
		leaseID = *resp.LeaseID
	}
	logger.Info("Lock acquired", "blob", bl.lockName, "leaseID", leaseID)
	return leaseID, nil
}

func (bl *BlobLocker) RenewLock(ctx context.Context, lockName string) error {
	if _, err := bl.leaseClient.RenewLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to renew lock for blob %s: %w", lockName, err)
	}
	logging.GetLogger().Trace("Lock renewed", "blob", lockName)
	return nil
}

// ReleaseLock releases the lease. The lease client already carries the
// lease ID it acquired with.
func (bl *BlobLocker) ReleaseLock(ctx context.Context, lockName string, leaseID string) error {
	if _, err := bl.leaseClient.ReleaseLease(ctx, nil); err != nil {
		return fmt.Errorf("failed to release lock for blob %s: %w", bl.lockName, err)
	}
	logging.GetLogger().Info("Lock released", "blob", bl.lockName, "leaseID", leaseID)
	return nil
}

func (bl *BlobLocker) StartLockRenewal(ctx context.Context, lockName string) {
	logger := logging.GetLogger()
	logger.Debug("Starting lock renewal", "blob", lockName, "interval", bl.renewInterval)
	go func() {
		ticker := time.NewTicker(bl.renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := bl.RenewLock(ctx, lockName); err != nil {
					logger.Error("Failed to renew lock", "blob", lockName, "error", err)
				}
			case <-ctx.Done():
				logger.Debug("Stopping lock renewal", "blob", lockName)
				return
			}
		}
	}()
}

// GetBlobLockName returns the lock blob name for a table.
func GetBlobLockName(tableName string) string {
	return tableName + ".lock"
}

// GetLockedTables returns the lock blobs that currently carry a lease.
func (bl *BlobLocker) GetLockedTables(ctx context.Context, lockNames []string) ([]string, error) {
	lockedTables := []string{}
	containerClient := bl.azblobClient.ServiceClient().NewContainerClient(bl.containerName)

	for _, lockName := range lockNames {
		resp, err := containerClient.NewBlobClient(lockName).GetProperties(ctx, nil)
		if err != nil {
			if bloberror.HasCode(err, bloberror.BlobNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to get properties for blob %s: %w", lockName, err)
		}
		if isLeased(resp.LeaseStatus, resp.LeaseState) {
			lockedTables = append(lockedTables, lockName)
		}
	}
	return lockedTables, nil
}

func isLeased(status *lease.StatusType, state *lease.StateType) bool {
	return status != nil && state != nil &&
		*status == lease.StatusTypeLocked && *state == lease.StateTypeLeased
}
