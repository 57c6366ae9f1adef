package sqlserver

// TxLogPosition locates a single change: the commit LSN of its transaction
// (__$start_lsn) and its sequence within that transaction (__$seqval).
type TxLogPosition struct {
	Commit Lsn
	Row    Lsn
}

// NullPosition is the position of a pointer that has no current row. It
// orders after every real position so an exhausted pointer is never the minimum.
var NullPosition = TxLogPosition{}

func NewTxLogPosition(commit, row Lsn) TxLogPosition {
	return TxLogPosition{Commit: commit, Row: row}
}

// IsNull reports whether both components are NULL.
func (p TxLogPosition) IsNull() bool {
	return !p.Commit.IsAvailable() && !p.Row.IsAvailable()
}

// Compare orders by commit LSN, then by row LSN.
func (p TxLogPosition) Compare(other TxLogPosition) int {
	switch {
	case p.IsNull() && other.IsNull():
		return 0
	case p.IsNull():
		return 1
	case other.IsNull():
		return -1
	}
	if c := p.Commit.Compare(other.Commit); c != 0 {
		return c
	}
	return p.Row.Compare(other.Row)
}

func (p TxLogPosition) String() string {
	if p.IsNull() {
		return "NULL"
	}
	return p.Commit.String() + "(" + p.Row.String() + ")"
}
