package sqlserver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, m *Merger) ([]MergedChange, error) {
	t.Helper()
	var out []MergedChange
	err := m.Run(context.Background(), func(c MergedChange) error {
		out = append(out, c)
		return nil
	})
	return out, err
}

func positions(changes []MergedChange) []TxLogPosition {
	out := make([]TxLogPosition, len(changes))
	for i, c := range changes {
		out[i] = c.Position
	}
	return out
}

func TestMergerOrdersAcrossPointers(t *testing.T) {
	orders := newTableFor(t, TableID{Schema: "dbo", Table: "Orders"}, "dbo_Orders", 1)
	people := newTableFor(t, TableID{Schema: "dbo", Table: "Persons"}, "dbo_Persons", 2)

	a := newFakeResult([]string{"A"},
		changeRow(100, 1, OperationInsert, "o1"),
		changeRow(102, 1, OperationInsert, "o2"),
	)
	b := newFakeResult([]string{"A"},
		changeRow(100, 2, OperationInsert, "p1"),
		changeRow(101, 1, OperationDelete, "p2"),
	)

	changes, err := collect(t, NewMerger(NewChangeTablePointer(orders, a), NewChangeTablePointer(people, b)))
	require.NoError(t, err)
	assert.Equal(t, []TxLogPosition{pos(100, 1), pos(100, 2), pos(101, 1), pos(102, 1)}, positions(changes))
	assert.Equal(t, []any{"p2"}, changes[2].Data)
	assert.Equal(t, OperationDelete, changes[2].Operation)
	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)
}

func newTableFor(t *testing.T, source TableID, ci string, objectID int) *ChangeTable {
	t.Helper()
	table, err := NewChangeTable(source, ci, objectID, NullLsn, NullLsn)
	require.NoError(t, err)
	return table.WithSourceColumns([]string{"A"})
}

func TestMergerSkipsRowsOutsideValidityWindow(t *testing.T) {
	old := boundTable(t, "dbo_Persons", 1, lsnOf(10), lsnOf(20), "A")
	newer := boundTable(t, "dbo_Persons_v2", 2, lsnOf(20), NullLsn, "A")

	oldRows := newFakeResult([]string{"A"},
		changeRow(15, 1, OperationInsert, "old-15"),
		changeRow(20, 1, OperationInsert, "old-20"),
		changeRow(25, 1, OperationInsert, "old-25"),
	)
	newRows := newFakeResult([]string{"A"},
		changeRow(20, 1, OperationInsert, "new-20"),
		changeRow(25, 1, OperationInsert, "new-25"),
	)

	changes, err := collect(t, NewMerger(NewChangeTablePointer(old, oldRows), NewChangeTablePointer(newer, newRows)))
	require.NoError(t, err)

	var data []any
	for _, c := range changes {
		data = append(data, c.Data[0])
	}
	assert.Equal(t, []any{"old-15", "new-20", "new-25"}, data)
}

func TestMergerPrefersNewerCaptureInstanceOnTie(t *testing.T) {
	// Neither instance is retired yet, so both windows are open.
	old := boundTable(t, "dbo_Persons", 1, lsnOf(10), NullLsn, "A", "B")
	newer := boundTable(t, "dbo_Persons_v2", 2, lsnOf(30), NullLsn, "A", "B")

	oldRows := newFakeResult([]string{"A"},
		changeRow(40, 1, OperationUpdateBefore, "x"),
		changeRow(40, 1, OperationUpdateAfter, "y"),
	)
	newRows := newFakeResult([]string{"A", "B"},
		changeRow(40, 1, OperationUpdateBefore, "x", "b"),
		changeRow(40, 1, OperationUpdateAfter, "y", "b"),
	)

	changes, err := collect(t, NewMerger(NewChangeTablePointer(old, oldRows), NewChangeTablePointer(newer, newRows)))
	require.NoError(t, err)
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, "dbo_Persons_v2", c.Table.CaptureInstance())
	}
	assert.Equal(t, OperationUpdateBefore, changes[0].Operation)
	assert.Equal(t, OperationUpdateAfter, changes[1].Operation)
	assert.Equal(t, []any{"y", "b"}, changes[1].Data)
}

func TestMergerExhaustedPointerNeverWins(t *testing.T) {
	table := boundTable(t, "dbo_Persons", 1, NullLsn, NullLsn, "A")
	empty := newFakeResult([]string{"A"})
	rows := newFakeResult([]string{"A"}, changeRow(1, 1, OperationInsert, "only"))

	changes, err := collect(t, NewMerger(NewChangeTablePointer(table, empty), NewChangeTablePointer(table, rows)))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "only", changes[0].Data[0])
}

func TestMergerClosesPointersOnError(t *testing.T) {
	table := boundTable(t, "dbo_Persons", 1, NullLsn, NullLsn, "A")
	healthy := newFakeResult([]string{"A"}, changeRow(1, 1, OperationInsert, 1), changeRow(3, 1, OperationInsert, 3))
	broken := newFakeResult([]string{"A", "Dropped"}, changeRow(2, 1, OperationInsert, 2, 2))

	_, err := collect(t, NewMerger(NewChangeTablePointer(table, healthy), NewChangeTablePointer(table, broken)))

	var drift *SchemaDriftError
	require.True(t, errors.As(err, &drift))
	assert.Equal(t, 1, healthy.closes)
	assert.Equal(t, 1, broken.closes)
}

func TestMergerStopsEarly(t *testing.T) {
	table := boundTable(t, "dbo_Persons", 1, NullLsn, NullLsn, "A")
	rows := newFakeResult([]string{"A"},
		changeRow(1, 1, OperationInsert, 1),
		changeRow(2, 1, OperationInsert, 2),
		changeRow(3, 1, OperationInsert, 3),
	)

	var seen int
	err := NewMerger(NewChangeTablePointer(table, rows)).Run(context.Background(), func(MergedChange) error {
		seen++
		if seen == 2 {
			return ErrStopMerge
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
	assert.Equal(t, 1, rows.closes)
}

func TestMergerHonoursCancellation(t *testing.T) {
	table := boundTable(t, "dbo_Persons", 1, NullLsn, NullLsn, "A")
	rows := newFakeResult([]string{"A"}, changeRow(1, 1, OperationInsert, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMerger(NewChangeTablePointer(table, rows)).Run(ctx, func(MergedChange) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rows.closes)
}

func TestMergerReportsCloseFailures(t *testing.T) {
	table := boundTable(t, "dbo_Persons", 1, NullLsn, NullLsn, "A")
	rows := newFakeResult([]string{"A"}, changeRow(1, 1, OperationInsert, 1))
	rows.closeErr = errors.New("close failed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMerger(NewChangeTablePointer(table, rows)).Run(ctx, func(MergedChange) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorContains(t, err, "close failed")
}
