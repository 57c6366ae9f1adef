package sqlserver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStopLsnAlreadySet is returned when a retired capture instance is retired again.
	ErrStopLsnAlreadySet = errors.New("stop LSN already set for capture instance")

	// ErrSourceSchemaUnbound is returned when a column mapping is requested
	// before the source table columns are known.
	ErrSourceSchemaUnbound = errors.New("source table schema is not bound")

	// ErrNotPositioned is returned by pointer accessors outside the positioned state.
	ErrNotPositioned = errors.New("change table pointer is not positioned on a row")
)

// MalformedPositionError reports a log position that is not a valid binary(10) value.
type MalformedPositionError struct {
	Length int
	Value  string
	Err    error
}

func (e *MalformedPositionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed log position %q: %s", e.Value, e.Err)
	}
	return fmt.Sprintf("malformed log position: expected %d bytes, got %d", LsnLength, e.Length)
}

func (e *MalformedPositionError) Unwrap() error {
	return e.Err
}

// SchemaDriftError reports a captured column missing from the bound source schema.
type SchemaDriftError struct {
	CaptureInstance string
	Column          string
	SourceColumns   []string
}

func (e *SchemaDriftError) Error() string {
	prefix := ""
	if e.CaptureInstance != "" {
		prefix = fmt.Sprintf("capture instance %s: ", e.CaptureInstance)
	}
	return fmt.Sprintf("%scaptured column %q not found in source schema [%s]",
		prefix, e.Column, strings.Join(e.SourceColumns, ", "))
}

// CursorIOError wraps a failure to pull or decode a row from a change table result.
type CursorIOError struct {
	ChangeTable string
	Op          string
	Err         error
}

func (e *CursorIOError) Error() string {
	return fmt.Sprintf("change table %s: %s: %s", e.ChangeTable, e.Op, e.Err)
}

func (e *CursorIOError) Unwrap() error {
	return e.Err
}
