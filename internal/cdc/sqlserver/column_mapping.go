package sqlserver

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mitchellh/hashstructure"
)

type notCaptured struct{}

func (notCaptured) String() string { return "<not captured>" }

// NotCaptured fills row slots for source columns that the change table does
// not capture. A captured SQL NULL is nil instead.
var NotCaptured any = notCaptured{}

// IsNotCaptured reports whether v is the NotCaptured marker.
func IsNotCaptured(v any) bool {
	_, ok := v.(notCaptured)
	return ok
}

// ColumnMapping places the data columns of a change table result into a row
// shaped like the current source table.
type ColumnMapping struct {
	width    int
	captured int
	// indices[i] is the source slot of result column i; nil means identity.
	indices []int
}

// NewColumnMapping builds the mapping from result columns to source columns.
func NewColumnMapping(sourceColumns, resultColumns []string) (ColumnMapping, error) {
	if slices.Equal(sourceColumns, resultColumns) {
		return ColumnMapping{width: len(sourceColumns), captured: len(resultColumns)}, nil
	}

	positions := make(map[string]int, len(sourceColumns))
	for i, name := range sourceColumns {
		if _, dup := positions[name]; !dup {
			positions[name] = i
		}
	}

	indices := make([]int, len(resultColumns))
	for i, name := range resultColumns {
		pos, ok := positions[name]
		if !ok {
			return ColumnMapping{}, &SchemaDriftError{Column: name, SourceColumns: slices.Clone(sourceColumns)}
		}
		indices[i] = pos
	}
	return ColumnMapping{width: len(sourceColumns), captured: len(resultColumns), indices: indices}, nil
}

// IsIdentity reports whether the result columns equal the source columns.
func (m ColumnMapping) IsIdentity() bool {
	return m.indices == nil
}

// Width is the number of source columns.
func (m ColumnMapping) Width() int {
	return m.width
}

// SourceIndex returns the source slot for result column i.
func (m ColumnMapping) SourceIndex(i int) int {
	if m.indices == nil {
		return i
	}
	return m.indices[i]
}

// Materialize builds a source-width row from captured values given in result order.
func (m ColumnMapping) Materialize(captured []any) ([]any, error) {
	if len(captured) != m.captured {
		return nil, fmt.Errorf("row has %d captured values, mapping expects %d", len(captured), m.captured)
	}

	row := make([]any, m.width)
	if m.indices == nil {
		copy(row, captured)
		return row, nil
	}
	for i := range row {
		row[i] = NotCaptured
	}
	for i, v := range captured {
		row[m.indices[i]] = v
	}
	return row, nil
}

type mappingKey struct {
	Source []string
	Result []string
}

type mappingEntry struct {
	key     mappingKey
	mapping ColumnMapping
}

// MappingCache memoizes column mappings per (source columns, result columns) pair.
// It only saves recomputation; a miss always falls back to NewColumnMapping.
type MappingCache struct {
	mu      sync.Mutex
	entries map[uint64]mappingEntry
}

func NewMappingCache() *MappingCache {
	return &MappingCache{entries: make(map[uint64]mappingEntry)}
}

// Get returns the cached mapping for the pair, computing it on a miss.
func (c *MappingCache) Get(sourceColumns, resultColumns []string) (ColumnMapping, error) {
	key := mappingKey{Source: sourceColumns, Result: resultColumns}
	hash, err := hashstructure.Hash(key, nil)
	if err != nil {
		return NewColumnMapping(sourceColumns, resultColumns)
	}

	c.mu.Lock()
	entry, ok := c.entries[hash]
	c.mu.Unlock()
	if ok && slices.Equal(entry.key.Source, sourceColumns) && slices.Equal(entry.key.Result, resultColumns) {
		return entry.mapping, nil
	}

	mapping, err := NewColumnMapping(sourceColumns, resultColumns)
	if err != nil {
		return ColumnMapping{}, err
	}

	c.mu.Lock()
	c.entries[hash] = mappingEntry{
		key:     mappingKey{Source: slices.Clone(sourceColumns), Result: slices.Clone(resultColumns)},
		mapping: mapping,
	}
	c.mu.Unlock()
	return mapping, nil
}

// Len returns the number of cached mappings.
func (c *MappingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
