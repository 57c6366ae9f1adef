package sqlserver

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"
)

// MergedChange is one row emitted by a Merger.
type MergedChange struct {
	Table     *ChangeTable
	Position  TxLogPosition
	Operation Operation
	Data      []any
}

// Merger drains several change table pointers as one stream ordered by
// TxLogPosition.
//
// Rows whose commit LSN lies outside their capture instance's [start, stop)
// window are dropped. When two instances of the same source table report the
// same position, the instance with the later start LSN wins and the other
// row is skipped.
type Merger struct {
	pointers []*ChangeTablePointer
}

func NewMerger(pointers ...*ChangeTablePointer) *Merger {
	return &Merger{pointers: pointers}
}

// ErrStopMerge may be returned by an emit callback to end a merge early
// without reporting an error.
var ErrStopMerge = errors.New("stop merge")

// Run advances every pointer and calls emit for each row in position order.
// On return every pointer has been closed.
func (m *Merger) Run(ctx context.Context, emit func(MergedChange) error) (err error) {
	defer func() {
		if errors.Is(err, ErrStopMerge) {
			err = nil
		}
		err = m.closeAll(err)
	}()

	for _, p := range m.pointers {
		if err := m.advance(p); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		winner := m.minimum()
		if winner == nil {
			return nil
		}

		data, err := winner.Data()
		if err != nil {
			return err
		}
		op, err := winner.Operation()
		if err != nil {
			return err
		}
		position := winner.Position()

		for _, p := range m.pointers {
			if p == winner || p.IsCompleted() || p.Position().Compare(position) != 0 {
				continue
			}
			if p.Table().SourceTable() != winner.Table().SourceTable() {
				continue
			}
			log.Debug("Skipping duplicate change from older capture instance",
				"captureInstance", p.Table().CaptureInstance(),
				"preferred", winner.Table().CaptureInstance(),
				"position", position.String())
			if err := m.advance(p); err != nil {
				return err
			}
		}

		if err := emit(MergedChange{Table: winner.Table(), Position: position, Operation: op, Data: data}); err != nil {
			return err
		}
		if err := m.advance(winner); err != nil {
			return err
		}
	}
}

// advance moves p to its next row inside the validity window of its table.
func (m *Merger) advance(p *ChangeTablePointer) error {
	for {
		ok, err := p.Next()
		if err != nil || !ok {
			return err
		}
		if p.Table().Covers(p.Position()) {
			return nil
		}
	}
}

// minimum picks the live pointer with the lowest position. Ties go to the
// capture instance with the later start LSN, then to the capture instance name.
func (m *Merger) minimum() *ChangeTablePointer {
	var best *ChangeTablePointer
	for _, p := range m.pointers {
		if p.IsCompleted() {
			continue
		}
		if best == nil {
			best = p
			continue
		}
		c := p.Compare(best)
		if c < 0 || (c == 0 && preferOnTie(p.Table(), best.Table())) {
			best = p
		}
	}
	return best
}

func preferOnTie(a, b *ChangeTable) bool {
	if c := a.StartLsn().Compare(b.StartLsn()); c != 0 {
		return c > 0
	}
	return a.CaptureInstance() < b.CaptureInstance()
}

func (m *Merger) closeAll(cause error) error {
	var closeErrs *multierror.Error
	for _, p := range m.pointers {
		if err := p.Close(); err != nil {
			closeErrs = multierror.Append(closeErrs, err)
		}
	}
	if closeErrs == nil {
		return cause
	}
	if cause == nil {
		return closeErrs.ErrorOrNil()
	}
	return multierror.Append(cause, closeErrs.Errors...)
}
