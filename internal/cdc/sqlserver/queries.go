package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	captureInstancesQuery = `
		SELECT DB_NAME(), s.name, t.name, ct.capture_instance, ct.object_id, ct.start_lsn
		FROM cdc.change_tables AS ct
		INNER JOIN sys.tables AS t ON ct.source_object_id = t.object_id
		INNER JOIN sys.schemas AS s ON t.schema_id = s.schema_id
		WHERE s.name = @schema AND t.name = @table
		ORDER BY ct.start_lsn`

	maxLsnQuery = `SELECT sys.fn_cdc_get_max_lsn()`

	minLsnQuery = `SELECT sys.fn_cdc_get_min_lsn(@captureInstance)`

	// N'all update old' returns both images of an update (__$operation 3 and 4).
	changesQueryTemplate = `
		SELECT *
		FROM %s(@fromLsn, @toLsn, N'all update old')
		ORDER BY __$start_lsn ASC, __$seqval ASC, __$operation ASC`
)

// queryCaptureInstances lists the change tables of a source table. The
// returned descriptors carry no stop LSN and no source columns.
func queryCaptureInstances(ctx context.Context, conn *sql.DB, source TableID) ([]*ChangeTable, error) {
	rows, err := conn.QueryContext(ctx, captureInstancesQuery,
		sql.Named("schema", source.Schema),
		sql.Named("table", source.Table))
	if err != nil {
		return nil, fmt.Errorf("failed to list capture instances for %s: %w", source, err)
	}
	defer rows.Close()

	var tables []*ChangeTable
	for rows.Next() {
		var (
			id              TableID
			captureInstance string
			objectID        int
			start           Lsn
		)
		if err := rows.Scan(&id.Catalog, &id.Schema, &id.Table, &captureInstance, &objectID, &start); err != nil {
			return nil, fmt.Errorf("failed to scan capture instance for %s: %w", source, err)
		}
		t, err := NewChangeTable(id, captureInstance, objectID, start, NullLsn)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func queryMaxLsn(ctx context.Context, conn *sql.DB) (Lsn, error) {
	var lsn Lsn
	if err := conn.QueryRowContext(ctx, maxLsnQuery).Scan(&lsn); err != nil {
		return NullLsn, fmt.Errorf("failed to query max LSN: %w", err)
	}
	return lsn, nil
}

func queryMinLsn(ctx context.Context, conn *sql.DB, captureInstance string) (Lsn, error) {
	var lsn Lsn
	if err := conn.QueryRowContext(ctx, minLsnQuery, sql.Named("captureInstance", captureInstance)).Scan(&lsn); err != nil {
		return NullLsn, fmt.Errorf("failed to query min LSN of %s: %w", captureInstance, err)
	}
	return lsn, nil
}

// openChanges runs the all-changes function of t over [from, to].
func openChanges(ctx context.Context, conn *sql.DB, t *ChangeTable, from, to Lsn) (*sql.Rows, error) {
	query := fmt.Sprintf(changesQueryTemplate, t.ChangeFunctionName())
	rows, err := conn.QueryContext(ctx, query, sql.Named("fromLsn", from), sql.Named("toLsn", to))
	if err != nil {
		return nil, fmt.Errorf("failed to query changes of %s: %w", t.CaptureInstance(), err)
	}
	return rows, nil
}
