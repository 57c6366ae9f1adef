package sqlserver

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	cdcSchema         = "cdc"
	changeTableSuffix = "_CT"
	defaultSchema     = "dbo"
)

// TableID identifies a table by catalog, schema and name.
type TableID struct {
	Catalog string
	Schema  string
	Table   string
}

// ParseTableID accepts "table", "schema.table" or "catalog.schema.table".
// Brackets around parts are removed and a missing schema defaults to dbo.
func ParseTableID(name string) (TableID, error) {
	parts := strings.Split(strings.TrimSpace(name), ".")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(p), "["), "]")
		if parts[i] == "" {
			return TableID{}, fmt.Errorf("invalid table name %q", name)
		}
	}
	switch len(parts) {
	case 1:
		return TableID{Schema: defaultSchema, Table: parts[0]}, nil
	case 2:
		return TableID{Schema: parts[0], Table: parts[1]}, nil
	case 3:
		return TableID{Catalog: parts[0], Schema: parts[1], Table: parts[2]}, nil
	default:
		return TableID{}, fmt.Errorf("invalid table name %q", name)
	}
}

// IsZero reports whether the id is unresolved.
func (t TableID) IsZero() bool {
	return t == TableID{}
}

func (t TableID) String() string {
	if t.Catalog == "" {
		return t.Schema + "." + t.Table
	}
	return t.Catalog + "." + t.Schema + "." + t.Table
}

// Quoted returns the bracket quoted schema.table form for use in SQL text.
func (t TableID) Quoted() string {
	return quoteIdentifier(t.Schema) + "." + quoteIdentifier(t.Table)
}

func quoteIdentifier(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}

// ChangeTable describes one capture instance: the cdc.<instance>_CT table
// tracking a source table over the window [start, stop).
//
// Values are immutable; WithStopLsn and WithSourceColumns return updated copies.
type ChangeTable struct {
	source          TableID
	captureInstance string
	objectID        int
	start           Lsn
	stop            Lsn
	sourceColumns   []string
}

func NewChangeTable(source TableID, captureInstance string, objectID int, start, stop Lsn) (*ChangeTable, error) {
	if captureInstance == "" {
		return nil, errors.New("capture instance name is required")
	}
	if start.IsAvailable() && stop.IsAvailable() && start.Compare(stop) > 0 {
		return nil, fmt.Errorf("capture instance %s: start LSN %s is after stop LSN %s", captureInstance, start, stop)
	}
	return &ChangeTable{
		source:          source,
		captureInstance: captureInstance,
		objectID:        objectID,
		start:           start,
		stop:            stop,
	}, nil
}

func (t *ChangeTable) CaptureInstance() string { return t.captureInstance }
func (t *ChangeTable) SourceTable() TableID   { return t.source }
func (t *ChangeTable) ObjectID() int          { return t.objectID }
func (t *ChangeTable) StartLsn() Lsn          { return t.start }
func (t *ChangeTable) StopLsn() Lsn           { return t.stop }

// ChangeTableID is the physical change table: same catalog, cdc schema, <instance>_CT.
func (t *ChangeTable) ChangeTableID() TableID {
	return TableID{
		Catalog: t.source.Catalog,
		Schema:  cdcSchema,
		Table:   t.captureInstance + changeTableSuffix,
	}
}

// ChangeFunctionName returns the quoted all-changes table valued function of the instance.
func (t *ChangeTable) ChangeFunctionName() string {
	return cdcSchema + "." + quoteIdentifier("fn_cdc_get_all_changes_"+t.captureInstance)
}

// IsActive reports whether the instance has not been superseded.
func (t *ChangeTable) IsActive() bool {
	return !t.stop.IsAvailable()
}

// Covers reports whether the commit LSN of pos falls in [start, stop).
// A NULL bound is open.
func (t *ChangeTable) Covers(pos TxLogPosition) bool {
	if !pos.Commit.IsAvailable() {
		return false
	}
	if t.start.IsAvailable() && pos.Commit.Compare(t.start) < 0 {
		return false
	}
	if t.stop.IsAvailable() && pos.Commit.Compare(t.stop) >= 0 {
		return false
	}
	return true
}

// WithStopLsn retires the instance at stop. It can be applied once.
func (t *ChangeTable) WithStopLsn(stop Lsn) (*ChangeTable, error) {
	if t.stop.IsAvailable() {
		return nil, fmt.Errorf("capture instance %s: %w", t.captureInstance, ErrStopLsnAlreadySet)
	}
	if !stop.IsAvailable() {
		return nil, fmt.Errorf("capture instance %s: stop LSN must not be NULL", t.captureInstance)
	}
	if t.start.IsAvailable() && stop.Compare(t.start) < 0 {
		return nil, fmt.Errorf("capture instance %s: stop LSN %s is before start LSN %s", t.captureInstance, stop, t.start)
	}
	next := *t
	next.stop = stop
	return &next, nil
}

// WithSourceColumns binds the ordered column list of the source table.
func (t *ChangeTable) WithSourceColumns(columns []string) *ChangeTable {
	next := *t
	next.sourceColumns = slices.Clone(columns)
	return &next
}

// SourceColumns returns the bound source columns, or nil when unbound.
func (t *ChangeTable) SourceColumns() []string {
	return slices.Clone(t.sourceColumns)
}

// IsSourceBound reports whether source columns have been bound.
func (t *ChangeTable) IsSourceBound() bool {
	return t.sourceColumns != nil
}

// MappingFor returns the mapping of resultColumns onto the bound source
// schema. cache may be nil.
func (t *ChangeTable) MappingFor(resultColumns []string, cache *MappingCache) (ColumnMapping, error) {
	if !t.IsSourceBound() {
		return ColumnMapping{}, fmt.Errorf("capture instance %s: %w", t.captureInstance, ErrSourceSchemaUnbound)
	}

	var (
		mapping ColumnMapping
		err     error
	)
	if cache != nil {
		mapping, err = cache.Get(t.sourceColumns, resultColumns)
	} else {
		mapping, err = NewColumnMapping(t.sourceColumns, resultColumns)
	}

	var drift *SchemaDriftError
	if errors.As(err, &drift) {
		drift.CaptureInstance = t.captureInstance
	}
	return mapping, err
}

func (t *ChangeTable) String() string {
	return fmt.Sprintf("capture instance %q [source=%s, changeTable=%s, objectId=%d, start=%s, stop=%s]",
		t.captureInstance, t.source, t.ChangeTableID(), t.objectID, t.start, t.stop)
}
