package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/katasec/mssql-changestream/internal/cdc/sqlserver"
	"github.com/katasec/mssql-changestream/internal/config"
	"github.com/katasec/mssql-changestream/internal/db"
	"github.com/katasec/mssql-changestream/internal/locking"
	"github.com/katasec/mssql-changestream/internal/logging"
	"github.com/katasec/mssql-changestream/internal/publisher"
	"github.com/katasec/mssql-changestream/internal/utils"
	"github.com/katasec/mssql-changestream/pkg/cdc"
)

// Ingester runs one table monitor per configured table against a shared
// database connection.
type Ingester struct {
	config        *config.Config
	dbConn        *sql.DB
	lockerFactory *locking.LockerFactory
	newPublisher  func(tableName string) (cdc.ChangePublisher, error)
	log           hclog.Logger
}

func NewIngester(cfg *config.Config) *Ingester {
	return &Ingester{
		config:        cfg,
		lockerFactory: locking.NewLockerFactory(cfg.Lock, cfg.DBConnectionString),
		log:           logging.Named("ingester"),
	}
}

// Start connects to the database and streams every configured table until
// ctx is cancelled. A failing table does not stop the others.
func (s *Ingester) Start(ctx context.Context) error {
	s.log.Info("Starting MSSQL ingester...", "tables", s.config.Tables)

	if s.dbConn == nil {
		conn, err := db.Connect(ctx, s.config.DBConnectionString)
		if err != nil {
			return fmt.Errorf("failed to connect to DB: %w", err)
		}
		s.dbConn = conn
		defer conn.Close()
	}

	enabled, err := db.IsCDCEnabled(ctx, s.dbConn)
	if err != nil {
		return err
	}
	if !enabled {
		return fmt.Errorf("change data capture is not enabled on the database")
	}

	if s.newPublisher == nil {
		serverName, err := utils.ExtractServerNameFromConnectionString(s.config.DBConnectionString)
		if err != nil {
			s.log.Warn("Could not determine server name", "error", err)
			serverName = "unknown"
		}
		s.newPublisher = func(tableName string) (cdc.ChangePublisher, error) {
			return publisher.New(s.config.IngestQueue, tableName, serverName)
		}
	}

	if locked, err := s.lockerFactory.GetLockedTables(ctx, s.config.Tables); err != nil {
		s.log.Warn("Could not check table locks", "error", err)
	} else if len(locked) > 0 {
		s.log.Info("Tables locked by another ingester", "tables", locked)
	}

	pollInterval, err := s.config.Polling.GetPollInterval()
	if err != nil {
		return fmt.Errorf("invalid polling interval: %w", err)
	}
	maxPollInterval, err := s.config.Polling.GetMaxPollInterval()
	if err != nil {
		return fmt.Errorf("invalid max polling interval: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.config.Tables {
		table, err := sqlserver.ParseTableID(name)
		if err != nil {
			s.log.Error("Skipping table", "table", name, "error", err)
			continue
		}
		g.Go(func() error {
			if err := s.runTable(gctx, table, pollInterval, maxPollInterval); err != nil {
				s.log.Error("Monitor failed", "table", table.String(), "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	s.log.Info("Context cancelled, shutting down MSSQL ingester")
	return err
}

// runTable holds the table's lock for as long as its monitor runs.
func (s *Ingester) runTable(ctx context.Context, table sqlserver.TableID, pollInterval, maxPollInterval time.Duration) error {
	tableName := table.String()
	lockName := s.lockerFactory.GetLockName(tableName)

	locker, err := s.lockerFactory.CreateLocker(ctx, lockName)
	if err != nil {
		return fmt.Errorf("failed to create locker: %w", err)
	}
	leaseID, err := locker.AcquireLock(ctx, lockName)
	if errors.Is(err, locking.ErrLockHeld) {
		s.log.Info("Table already locked, skipping", "table", tableName)
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := locker.ReleaseLock(context.Background(), lockName, leaseID); err != nil {
			s.log.Warn("Failed to release lock", "table", tableName, "error", err)
		}
	}()
	locker.StartLockRenewal(ctx, lockName)

	pub, err := s.newPublisher(tableName)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}
	defer pub.Close()

	var monitor cdc.TableMonitor = sqlserver.NewSQLServerTableMonitor(
		s.dbConn,
		table,
		pollInterval,
		maxPollInterval,
		pub,
		sqlserver.WithCheckpointTable(s.config.Checkpoint.Table),
		sqlserver.WithMaxMessageSize(maxMessageSize(s.config.IngestQueue)),
	)

	err = monitor.MonitorTable(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func maxMessageSize(cfg config.IngestQueueConfig) int {
	if cfg.SKU == config.SKUPremium {
		return sqlserver.PremiumSKULimit
	}
	return sqlserver.StandardSKULimit
}
