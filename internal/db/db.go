package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/denisenkom/go-mssqldb"

	"github.com/katasec/mssql-changestream/internal/logging"
)

// Connect establishes a connection to SQL Server database
func Connect(ctx context.Context, connectionString string) (*sql.DB, error) {
	log := logging.GetLogger()

	db, err := sql.Open("sqlserver", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info("Successfully connected to database")

	return db, nil
}

// IsCDCEnabled reports whether the database has change data capture turned on.
func IsCDCEnabled(ctx context.Context, db *sql.DB) (bool, error) {
	var enabled bool
	err := db.QueryRowContext(ctx, `SELECT is_cdc_enabled FROM sys.databases WHERE name = DB_NAME()`).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("failed to check CDC status: %w", err)
	}
	return enabled, nil
}
