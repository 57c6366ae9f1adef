package sqlserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/katasec/mssql-changestream/internal/logging"
)

var log = logging.GetLogger()

// Default checkpoint table name
const DefaultCheckpointTableName = "cdc_offsets"

// initialPosition is used when a table has no checkpoint yet; every real
// change orders after it.
var initialPosition = TxLogPosition{
	Commit: Lsn{valid: true},
	Row:    Lsn{valid: true},
}

// CheckpointManager persists the last published TxLogPosition of a source table.
type CheckpointManager struct {
	dbConn          *sql.DB
	tableName       string
	checkpointTable string
}

// NewCheckpointManager initializes a new CheckpointManager
func NewCheckpointManager(dbConn *sql.DB, tableName string, checkpointTableName ...string) *CheckpointManager {
	// Use provided checkpoint table name if supplied; otherwise, use default
	cpTable := DefaultCheckpointTableName
	if len(checkpointTableName) > 0 && checkpointTableName[0] != "" {
		cpTable = checkpointTableName[0]
	}

	return &CheckpointManager{
		dbConn:          dbConn,
		tableName:       tableName,
		checkpointTable: cpTable,
	}
}

// InitializeCheckpointTable creates the checkpoint table if it does not exist
func (c *CheckpointManager) InitializeCheckpointTable(ctx context.Context) error {
	createQuery := fmt.Sprintf(`
	IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%s')
	BEGIN
		CREATE TABLE %s (
			table_name NVARCHAR(255) PRIMARY KEY,
			last_lsn VARBINARY(10),
			updated_at DATETIME DEFAULT GETDATE(),
			last_seq VARBINARY(10)
		);
	END`, strings.ReplaceAll(c.checkpointTable, "'", "''"), quoteIdentifier(c.checkpointTable))

	if _, err := c.dbConn.ExecContext(ctx, createQuery); err != nil {
		return fmt.Errorf("failed to create %s table: %w", c.checkpointTable, err)
	}

	// Tables created by older releases only stored last_lsn
	checkColQuery := `SELECT COUNT(*) FROM sys.columns WHERE Name = N'last_seq' AND Object_ID = Object_ID(@checkpointTable)`
	var colCount int
	err := c.dbConn.QueryRowContext(ctx, checkColQuery, sql.Named("checkpointTable", c.checkpointTable)).Scan(&colCount)
	if err != nil {
		return fmt.Errorf("failed to check last_seq column: %w", err)
	}

	if colCount == 0 {
		alterQuery := fmt.Sprintf("ALTER TABLE %s ADD last_seq VARBINARY(10);", quoteIdentifier(c.checkpointTable))
		if _, err := c.dbConn.ExecContext(ctx, alterQuery); err != nil {
			return fmt.Errorf("failed to add last_seq column: %w", err)
		}
		log.Info("Added last_seq column to checkpoints table", "checkpointTable", c.checkpointTable)
	}

	log.Info("Initialized checkpoints table", "checkpointTable", c.checkpointTable)
	return nil
}

// LoadCheckpoint returns the last saved position of the table. A table with no
// checkpoint starts before the first change. A checkpoint without last_seq
// resumes at the start of its transaction, so that transaction is re-read.
func (c *CheckpointManager) LoadCheckpoint(ctx context.Context) (TxLogPosition, error) {
	var lastLSN, lastSeq []byte

	query := fmt.Sprintf("SELECT last_lsn, last_seq FROM %s WITH (NOLOCK) WHERE table_name = @tableName", quoteIdentifier(c.checkpointTable))
	err := c.dbConn.QueryRowContext(ctx, query, sql.Named("tableName", c.tableName)).Scan(&lastLSN, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		log.Info("No previous checkpoint, starting from the beginning", "table", c.tableName)
		return initialPosition, nil
	}
	if err != nil {
		return NullPosition, fmt.Errorf("failed to load checkpoint for %s: %w", c.tableName, err)
	}

	commit, err := LsnFromBytes(lastLSN)
	if err != nil {
		return NullPosition, fmt.Errorf("invalid last_lsn for %s: %w", c.tableName, err)
	}
	if !commit.IsAvailable() {
		log.Info("Checkpoint has no LSN, starting from the beginning", "table", c.tableName)
		return initialPosition, nil
	}

	row, err := LsnFromBytes(lastSeq)
	if err != nil {
		return NullPosition, fmt.Errorf("invalid last_seq for %s: %w", c.tableName, err)
	}
	if !row.IsAvailable() {
		row = initialPosition.Row
		log.Info("No last_seq found, re-reading checkpointed transaction", "table", c.tableName, "lsn", commit.String())
	}

	position := NewTxLogPosition(commit, row)
	log.Info("Resuming from checkpoint", "table", c.tableName, "position", position.String())
	return position, nil
}

// SaveCheckpoint upserts the position for the table.
func (c *CheckpointManager) SaveCheckpoint(ctx context.Context, position TxLogPosition) error {
	if position.IsNull() {
		return fmt.Errorf("refusing to save NULL checkpoint for %s", c.tableName)
	}

	upsertQuery := fmt.Sprintf(`
	MERGE INTO %s AS target
	USING (VALUES (@tableName, @lastLSN, GETDATE(), @lastSeq)) AS source (table_name, last_lsn, updated_at, last_seq)
	ON target.table_name = source.table_name
	WHEN MATCHED THEN
		UPDATE SET last_lsn = source.last_lsn, updated_at = source.updated_at, last_seq = source.last_seq
	WHEN NOT MATCHED THEN
		INSERT (table_name, last_lsn, updated_at, last_seq)
		VALUES (source.table_name, source.last_lsn, source.updated_at, source.last_seq);`, quoteIdentifier(c.checkpointTable))

	_, err := c.dbConn.ExecContext(ctx,
		upsertQuery,
		sql.Named("tableName", c.tableName),
		sql.Named("lastLSN", position.Commit.Bytes()),
		sql.Named("lastSeq", position.Row.Bytes()),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", c.tableName, err)
	}

	log.Debug("Saved checkpoint", "table", c.tableName, "position", position.String())
	return nil
}
