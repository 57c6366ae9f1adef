package sqlserver

import (
	"fmt"
	"slices"
)

// Leading columns of cdc.fn_cdc_get_all_changes_<instance>; captured data follows.
const (
	colCommitLsn = iota // __$start_lsn
	colRowLsn           // __$seqval
	colOperation        // __$operation
	colUpdateMask       // __$update_mask
	firstDataColumn
)

// Operation is the __$operation code of a change row.
type Operation int

const (
	OperationDelete       Operation = 1
	OperationInsert       Operation = 2
	OperationUpdateBefore Operation = 3
	OperationUpdateAfter  Operation = 4
)

func OperationFromCode(code int) (Operation, error) {
	op := Operation(code)
	switch op {
	case OperationDelete, OperationInsert, OperationUpdateBefore, OperationUpdateAfter:
		return op, nil
	default:
		return 0, fmt.Errorf("unknown __$operation code %d", code)
	}
}

func (o Operation) String() string {
	switch o {
	case OperationDelete:
		return "delete"
	case OperationInsert:
		return "insert"
	case OperationUpdateBefore:
		return "update_before"
	case OperationUpdateAfter:
		return "update_after"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// ResultSet is the forward-only query result a pointer reads. *sql.Rows satisfies it.
type ResultSet interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type pointerState int

const (
	pointerUnstarted pointerState = iota
	pointerPositioned
	pointerCompleted
)

// ChangeTablePointer walks one change table result in position order. A
// pointer is driven by a single goroutine.
type ChangeTablePointer struct {
	table *ChangeTable
	rs    ResultSet
	cache *MappingCache

	dataColumns []string
	mapping     *ColumnMapping

	state     pointerState
	position  TxLogPosition
	operation Operation
	data      []any
	closed    bool
}

// PointerOption configures a ChangeTablePointer.
type PointerOption func(*ChangeTablePointer)

// WithMappingCache shares column mappings between pointers.
func WithMappingCache(cache *MappingCache) PointerOption {
	return func(p *ChangeTablePointer) {
		p.cache = cache
	}
}

func NewChangeTablePointer(table *ChangeTable, rs ResultSet, opts ...PointerOption) *ChangeTablePointer {
	p := &ChangeTablePointer{
		table:    table,
		rs:       rs,
		position: NullPosition,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next moves to the next row. It returns false once the result is exhausted,
// at which point the result is closed and the pointer is completed for good.
// On error the pointer keeps its previous state.
func (p *ChangeTablePointer) Next() (bool, error) {
	if p.state == pointerCompleted {
		return false, nil
	}

	if !p.rs.Next() {
		if err := p.rs.Err(); err != nil {
			return false, p.ioError("pull", err)
		}
		return false, p.complete()
	}

	position, operation, data, err := p.decode()
	if err != nil {
		return false, err
	}
	p.position = position
	p.operation = operation
	p.data = data
	p.state = pointerPositioned
	return true, nil
}

func (p *ChangeTablePointer) complete() error {
	p.state = pointerCompleted
	p.position = NullPosition
	p.operation = 0
	p.data = nil
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.rs.Close(); err != nil {
		return p.ioError("close", err)
	}
	return nil
}

func (p *ChangeTablePointer) decode() (TxLogPosition, Operation, []any, error) {
	columns, err := p.resultColumns()
	if err != nil {
		return NullPosition, 0, nil, err
	}

	var (
		commit, row, mask []byte
		code              int
	)
	captured := make([]any, len(columns))
	dest := make([]any, firstDataColumn+len(columns))
	dest[colCommitLsn] = &commit
	dest[colRowLsn] = &row
	dest[colOperation] = &code
	dest[colUpdateMask] = &mask
	for i := range captured {
		dest[firstDataColumn+i] = &captured[i]
	}
	if err := p.rs.Scan(dest...); err != nil {
		return NullPosition, 0, nil, p.ioError("scan", err)
	}

	commitLsn, err := LsnFromBytes(commit)
	if err != nil {
		return NullPosition, 0, nil, p.ioError("decode __$start_lsn", err)
	}
	if !commitLsn.IsAvailable() {
		return NullPosition, 0, nil, p.ioError("decode __$start_lsn", &MalformedPositionError{Length: 0})
	}
	rowLsn, err := LsnFromBytes(row)
	if err != nil {
		return NullPosition, 0, nil, p.ioError("decode __$seqval", err)
	}
	operation, err := OperationFromCode(code)
	if err != nil {
		return NullPosition, 0, nil, p.ioError("decode __$operation", err)
	}

	mapping, err := p.columnMapping(columns)
	if err != nil {
		return NullPosition, 0, nil, p.ioError("map columns", err)
	}
	data, err := mapping.Materialize(captured)
	if err != nil {
		return NullPosition, 0, nil, p.ioError("materialize", err)
	}
	return NewTxLogPosition(commitLsn, rowLsn), operation, data, nil
}

func (p *ChangeTablePointer) resultColumns() ([]string, error) {
	if p.dataColumns != nil {
		return p.dataColumns, nil
	}
	columns, err := p.rs.Columns()
	if err != nil {
		return nil, p.ioError("read columns", err)
	}
	if len(columns) < firstDataColumn {
		return nil, p.ioError("read columns", fmt.Errorf("expected at least %d columns, got %d", firstDataColumn, len(columns)))
	}
	p.dataColumns = slices.Clone(columns[firstDataColumn:])
	return p.dataColumns, nil
}

// columnMapping is resolved once per result since the captured columns of a
// result never change.
func (p *ChangeTablePointer) columnMapping(columns []string) (ColumnMapping, error) {
	if p.mapping != nil {
		return *p.mapping, nil
	}
	mapping, err := p.table.MappingFor(columns, p.cache)
	if err != nil {
		return ColumnMapping{}, err
	}
	p.mapping = &mapping
	return mapping, nil
}

func (p *ChangeTablePointer) ioError(op string, err error) error {
	return &CursorIOError{ChangeTable: p.table.ChangeTableID().String(), Op: op, Err: err}
}

// Position returns the current position, or NullPosition when there is no current row.
func (p *ChangeTablePointer) Position() TxLogPosition {
	return p.position
}

func (p *ChangeTablePointer) Operation() (Operation, error) {
	if p.state != pointerPositioned {
		return 0, ErrNotPositioned
	}
	return p.operation, nil
}

// Data returns the current row shaped like the source table.
func (p *ChangeTablePointer) Data() ([]any, error) {
	if p.state != pointerPositioned {
		return nil, ErrNotPositioned
	}
	return p.data, nil
}

// DataColumns returns the captured column names of the result, once known.
func (p *ChangeTablePointer) DataColumns() []string {
	return slices.Clone(p.dataColumns)
}

func (p *ChangeTablePointer) IsCompleted() bool {
	return p.state == pointerCompleted
}

func (p *ChangeTablePointer) Table() *ChangeTable {
	return p.table
}

// Compare orders two pointers by position. Both pointers must have been advanced.
func (p *ChangeTablePointer) Compare(other *ChangeTablePointer) int {
	if p.state == pointerUnstarted || other.state == pointerUnstarted {
		panic(fmt.Sprintf("sqlserver: comparing unstarted change table pointer (%s, %s)",
			p.table.CaptureInstance(), other.table.CaptureInstance()))
	}
	return p.position.Compare(other.position)
}

// Close releases the result early. It is a no-op after exhaustion.
func (p *ChangeTablePointer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.rs.Close(); err != nil {
		return p.ioError("close", err)
	}
	return nil
}

func (p *ChangeTablePointer) String() string {
	return fmt.Sprintf("ChangeTablePointer [changeTable=%s, position=%s, completed=%t]",
		p.table.ChangeTableID(), p.position, p.IsCompleted())
}
