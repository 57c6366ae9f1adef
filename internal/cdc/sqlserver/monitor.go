package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/katasec/mssql-changestream/internal/cdc/utils"
	"github.com/katasec/mssql-changestream/internal/db"
	"github.com/katasec/mssql-changestream/pkg/cdc"
)

// SqlServerTableMonitor streams the changes of one source table, across all
// of its capture instances, to a publisher.
type SqlServerTableMonitor struct {
	dbConn          *sql.DB
	table           TableID
	pollInterval    time.Duration
	maxPollInterval time.Duration
	checkpointTable string
	maxMessageSize  int
	position        TxLogPosition
	positionMutex   sync.Mutex
	checkpointMgr   *CheckpointManager
	publisher       cdc.ChangePublisher
	batchSizer      *BatchSizer
	registry        *CaptureInstanceRegistry
	mappings        *MappingCache
}

// MonitorOption customizes a SqlServerTableMonitor
type MonitorOption func(*SqlServerTableMonitor)

// WithCheckpointTable stores checkpoints in the named table instead of cdc_offsets.
func WithCheckpointTable(name string) MonitorOption {
	return func(m *SqlServerTableMonitor) {
		m.checkpointTable = name
	}
}

// WithMaxMessageSize sets the message size budget used for batch sizing.
func WithMaxMessageSize(size int) MonitorOption {
	return func(m *SqlServerTableMonitor) {
		m.maxMessageSize = size
	}
}

// NewSQLServerTableMonitor initializes a new SqlServerTableMonitor
func NewSQLServerTableMonitor(dbConn *sql.DB, table TableID, pollInterval, maxPollInterval time.Duration, publisher cdc.ChangePublisher, opts ...MonitorOption) *SqlServerTableMonitor {
	m := &SqlServerTableMonitor{
		dbConn:          dbConn,
		table:           table,
		pollInterval:    pollInterval,
		maxPollInterval: maxPollInterval,
		maxMessageSize:  StandardSKULimit,
		position:        initialPosition,
		publisher:       publisher,
		registry:        NewCaptureInstanceRegistry(),
		mappings:        NewMappingCache(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.checkpointMgr = NewCheckpointManager(dbConn, table.String(), m.checkpointTable)
	m.batchSizer = NewBatchSizer(dbConn, table.String(), m.maxMessageSize)
	return m
}

// GetTableName returns the schema qualified source table name
func (m *SqlServerTableMonitor) GetTableName() string {
	return m.table.String()
}

// MonitorTable polls the table's change tables until ctx is cancelled.
func (m *SqlServerTableMonitor) MonitorTable(ctx context.Context) error {
	if err := m.checkpointMgr.InitializeCheckpointTable(ctx); err != nil {
		return fmt.Errorf("error initializing checkpoint table: %w", err)
	}

	position, err := m.checkpointMgr.LoadCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("error loading checkpoint for table %s: %w", m.table, err)
	}
	m.setPosition(position)

	if _, err := m.refreshCaptureInstances(ctx); err != nil {
		return err
	}

	if err := m.batchSizer.Start(ctx); err != nil {
		return fmt.Errorf("error starting batch sizer: %w", err)
	}

	backoff := utils.NewBackoffManager(m.pollInterval, m.maxPollInterval)

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping monitoring due to context cancellation", "table", m.table.String())
			return ctx.Err()
		default:
		}

		log.Debug("Polling changes for table", "table", m.table.String(), "position", m.currentPosition().String())
		changes, last, full, err := m.fetchChanges(ctx)
		if err != nil {
			log.Error("Error fetching changes", "table", m.table.String(), "error", err)
			if !sleepContext(ctx, backoff.GetInterval()) {
				return ctx.Err()
			}
			continue
		}

		if len(changes) > 0 {
			log.Info("Changes detected, publishing...", "table", m.table.String(), "changeCount", len(changes))

			doneChan, err := m.publisher.PublishChanges(changes)
			if err != nil {
				log.Error("Failed to publish batch", "table", m.table.String(), "error", err, "changeCount", len(changes))
				if !sleepContext(ctx, backoff.GetInterval()) {
					return ctx.Err()
				}
				continue
			}

			if success := <-doneChan; !success {
				log.Error("Failed to publish batch", "table", m.table.String())
				if !sleepContext(ctx, backoff.GetInterval()) {
					return ctx.Err()
				}
				continue
			}

			m.setPosition(last)
			if err := m.checkpointMgr.SaveCheckpoint(ctx, last); err != nil {
				log.Error("Failed to save checkpoint", "table", m.table.String(), "error", err)
			}

			backoff.ResetInterval()
			if full {
				continue
			}
		} else {
			backoff.IncreaseInterval()
			log.Debug("No changes found", "table", m.table.String(), "nextPollIn", backoff.GetInterval())
		}

		if !sleepContext(ctx, backoff.GetInterval()) {
			return ctx.Err()
		}
	}
}

// refreshCaptureInstances re-reads the capture instances of the table and
// binds the current source columns to each of them.
func (m *SqlServerTableMonitor) refreshCaptureInstances(ctx context.Context) ([]*ChangeTable, error) {
	discovered, err := queryCaptureInstances(ctx, m.dbConn, m.table)
	if err != nil {
		return nil, err
	}
	if len(discovered) == 0 {
		return nil, fmt.Errorf("no capture instance found for %s; is CDC enabled on the table?", m.table)
	}

	tables, err := m.registry.Reconcile(discovered)
	if err != nil {
		return nil, err
	}

	columns, err := db.GetColumnNames(ctx, m.dbConn, m.table.Schema, m.table.Table)
	if err != nil {
		return nil, err
	}
	for i, t := range tables {
		if slices.Equal(t.SourceColumns(), columns) {
			continue
		}
		if t.IsSourceBound() {
			log.Info("Source schema changed", "table", m.table.String(), "captureInstance", t.CaptureInstance(), "columns", columns)
		}
		tables[i] = t.WithSourceColumns(columns)
		m.registry.Update(tables[i])
	}

	m.batchSizer.Track(tables[len(tables)-1].ChangeTableID())
	return tables, nil
}

// fetchChanges reads the changes after the current position, up to one
// batch. full reports whether the batch limit was reached.
func (m *SqlServerTableMonitor) fetchChanges(ctx context.Context) (changes []cdc.ChangeEvent, last TxLogPosition, full bool, err error) {
	checkpoint := m.currentPosition()
	last = checkpoint

	tables, err := m.refreshCaptureInstances(ctx)
	if err != nil {
		return nil, last, false, err
	}

	maxLsn, err := queryMaxLsn(ctx, m.dbConn)
	if err != nil {
		return nil, last, false, err
	}
	if !maxLsn.IsAvailable() || maxLsn.Compare(checkpoint.Commit) < 0 {
		return nil, last, false, nil
	}

	pointers, err := m.openPointers(ctx, tables, checkpoint.Commit, maxLsn)
	if err != nil {
		return nil, last, false, err
	}
	if len(pointers) == 0 {
		return nil, last, false, nil
	}

	limit := int(m.batchSizer.GetBatchSize())
	var before *MergedChange

	err = NewMerger(pointers...).Run(ctx, func(c MergedChange) error {
		if c.Position.Compare(checkpoint) <= 0 {
			return nil
		}
		if c.Operation == OperationUpdateBefore {
			before = &c
			return nil
		}

		changes = append(changes, m.toEvent(c, before))
		before = nil
		last = c.Position
		if len(changes) >= limit {
			full = true
			return ErrStopMerge
		}
		return nil
	})
	if err != nil {
		return nil, checkpoint, false, err
	}
	return changes, last, full, nil
}

// openPointers opens one change query per capture instance that may hold
// changes in [from, to].
func (m *SqlServerTableMonitor) openPointers(ctx context.Context, tables []*ChangeTable, from, to Lsn) ([]*ChangeTablePointer, error) {
	var pointers []*ChangeTablePointer
	closeAll := func() {
		for _, p := range pointers {
			_ = p.Close()
		}
	}

	for _, t := range tables {
		if !t.IsActive() && t.StopLsn().Compare(from) <= 0 {
			continue
		}

		minLsn, err := queryMinLsn(ctx, m.dbConn, t.CaptureInstance())
		if err != nil {
			closeAll()
			return nil, err
		}
		if !minLsn.IsAvailable() {
			continue
		}

		start := MaxLsn(minLsn, from)
		if start.Compare(to) > 0 {
			continue
		}

		rows, err := openChanges(ctx, m.dbConn, t, start, to)
		if err != nil {
			closeAll()
			return nil, err
		}
		pointers = append(pointers, NewChangeTablePointer(t, rows, WithMappingCache(m.mappings)))
	}
	return pointers, nil
}

func (m *SqlServerTableMonitor) toEvent(c MergedChange, before *MergedChange) cdc.ChangeEvent {
	data, uncaptured := rowToMap(c.Table.SourceColumns(), c.Data)
	event := cdc.ChangeEvent{
		TableName:         m.table.String(),
		CaptureInstance:   c.Table.CaptureInstance(),
		ChangeType:        changeTypeOf(c.Operation),
		OperationID:       int(c.Operation),
		CommitLSN:         c.Position.Commit.String(),
		SeqVal:            c.Position.Row.String(),
		Data:              data,
		UncapturedColumns: uncaptured,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}
	if c.Operation == OperationUpdateAfter && before != nil &&
		before.Table.ObjectID() == c.Table.ObjectID() && before.Position.Compare(c.Position) == 0 {
		event.Before, _ = rowToMap(before.Table.SourceColumns(), before.Data)
	}
	return event
}

func changeTypeOf(op Operation) cdc.ChangeType {
	switch op {
	case OperationInsert:
		return cdc.Insert
	case OperationDelete:
		return cdc.Delete
	default:
		return cdc.Update
	}
}

// rowToMap keys a materialized row by column name. Binary values are
// published as strings; uncaptured columns are returned separately.
func rowToMap(columns []string, row []any) (map[string]any, []string) {
	data := make(map[string]any, len(columns))
	var uncaptured []string
	for i, name := range columns {
		if i >= len(row) {
			break
		}
		v := row[i]
		if IsNotCaptured(v) {
			uncaptured = append(uncaptured, name)
			continue
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		data[name] = v
	}
	return data, uncaptured
}

func (m *SqlServerTableMonitor) currentPosition() TxLogPosition {
	m.positionMutex.Lock()
	defer m.positionMutex.Unlock()
	return m.position
}

func (m *SqlServerTableMonitor) setPosition(p TxLogPosition) {
	m.positionMutex.Lock()
	m.position = p
	m.positionMutex.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
