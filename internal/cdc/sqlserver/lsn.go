package sqlserver

import (
	"bytes"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strings"
)

// LsnLength is the width of a SQL Server log sequence number (binary(10)).
const LsnLength = 10

// Lsn is a SQL Server log sequence number. The zero value is the NULL LSN,
// which orders before every real position.
type Lsn struct {
	b     [LsnLength]byte
	valid bool
}

// NullLsn represents a missing log position.
var NullLsn = Lsn{}

// LsnFromBytes decodes a raw binary(10) value. Empty input yields NullLsn.
func LsnFromBytes(b []byte) (Lsn, error) {
	if len(b) == 0 {
		return NullLsn, nil
	}
	if len(b) != LsnLength {
		return NullLsn, &MalformedPositionError{Length: len(b), Value: hex.EncodeToString(b)}
	}
	l := Lsn{valid: true}
	copy(l.b[:], b)
	return l, nil
}

// ParseLsn parses either the "0000002d:00000ab0:0003" display form or 20 hex digits.
func ParseLsn(s string) (Lsn, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NULL") {
		return NullLsn, nil
	}
	digits := strings.ReplaceAll(s, ":", "")
	digits = strings.TrimPrefix(strings.TrimPrefix(digits, "0x"), "0X")
	raw, err := hex.DecodeString(digits)
	if err != nil {
		return NullLsn, &MalformedPositionError{Value: s, Err: err}
	}
	if len(raw) != LsnLength {
		return NullLsn, &MalformedPositionError{Length: len(raw), Value: s}
	}
	return LsnFromBytes(raw)
}

// IsAvailable reports whether l is a real position rather than NULL.
func (l Lsn) IsAvailable() bool {
	return l.valid
}

// Bytes returns a copy of the raw value, or nil for NULL.
func (l Lsn) Bytes() []byte {
	if !l.valid {
		return nil
	}
	return bytes.Clone(l.b[:])
}

// Compare orders LSNs by unsigned byte value. NULL sorts first.
func (l Lsn) Compare(other Lsn) int {
	switch {
	case !l.valid && !other.valid:
		return 0
	case !l.valid:
		return -1
	case !other.valid:
		return 1
	}
	return bytes.Compare(l.b[:], other.b[:])
}

func (l Lsn) String() string {
	if !l.valid {
		return "NULL"
	}
	h := hex.EncodeToString(l.b[:])
	return h[0:8] + ":" + h[8:16] + ":" + h[16:20]
}

// Scan implements sql.Scanner.
func (l *Lsn) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = NullLsn
		return nil
	case []byte:
		parsed, err := LsnFromBytes(v)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Lsn", src)
	}
}

// Value implements driver.Valuer.
func (l Lsn) Value() (driver.Value, error) {
	if !l.valid {
		return nil, nil
	}
	return l.Bytes(), nil
}

// MaxLsn returns the greater of a and b.
func MaxLsn(a, b Lsn) Lsn {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}
