package db

import (
	"context"
	"database/sql"
	"fmt"
)

// GetColumnNames returns the columns of schema.tableName in ordinal order.
func GetColumnNames(ctx context.Context, db *sql.DB, schema, tableName string) ([]string, error) {
	query := `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @tableName ORDER BY ORDINAL_POSITION`
	rows, err := db.QueryContext(ctx, query, sql.Named("schema", schema), sql.Named("tableName", tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s.%s: %w", schema, tableName, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var columnName string
		if err := rows.Scan(&columnName); err != nil {
			return nil, err
		}
		columns = append(columns, columnName)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s not found or has no columns", schema, tableName)
	}
	return columns, nil
}
