package sqlserver

import (
	"fmt"
	"sort"
	"sync"
)

// CaptureInstanceRegistry remembers the capture instances seen across polls,
// keyed by change table object id, and retires superseded ones.
type CaptureInstanceRegistry struct {
	mu     sync.Mutex
	tables map[int]*ChangeTable
}

func NewCaptureInstanceRegistry() *CaptureInstanceRegistry {
	return &CaptureInstanceRegistry{tables: make(map[int]*ChangeTable)}
}

// Reconcile merges a fresh enumeration of change tables into the registry.
// Unknown object ids are added, known ones keep their stored descriptor and
// instances missing from the enumeration are forgotten. Within each source
// table every instance but the newest is stopped at its successor's start LSN.
//
// The result is ordered by source table, then start LSN.
func (r *CaptureInstanceRegistry) Reconcile(discovered []*ChangeTable) ([]*ChangeTable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[int]*ChangeTable, len(discovered))
	for _, d := range discovered {
		if known, ok := r.tables[d.ObjectID()]; ok {
			next[d.ObjectID()] = known
			continue
		}
		log.Info("Discovered capture instance", "captureInstance", d.CaptureInstance(),
			"source", d.SourceTable().String(), "start", d.StartLsn().String())
		next[d.ObjectID()] = d
	}
	for id, old := range r.tables {
		if _, ok := next[id]; !ok {
			log.Info("Capture instance removed", "captureInstance", old.CaptureInstance(),
				"source", old.SourceTable().String())
		}
	}

	bySource := make(map[TableID][]*ChangeTable)
	for _, t := range next {
		bySource[t.SourceTable()] = append(bySource[t.SourceTable()], t)
	}

	for _, group := range bySource {
		sortByStart(group)
		for i := 0; i < len(group)-1; i++ {
			current, successor := group[i], group[i+1]
			if !current.IsActive() || !successor.StartLsn().IsAvailable() {
				continue
			}
			retired, err := current.WithStopLsn(successor.StartLsn())
			if err != nil {
				return nil, fmt.Errorf("failed to retire %s: %w", current.CaptureInstance(), err)
			}
			log.Info("Retired capture instance", "captureInstance", current.CaptureInstance(),
				"stop", retired.StopLsn().String(), "successor", successor.CaptureInstance())
			group[i] = retired
			next[retired.ObjectID()] = retired
		}
	}

	r.tables = next
	return r.snapshot(), nil
}

// Update replaces the stored descriptor with the same object id, for example
// after its source columns were bound.
func (r *CaptureInstanceRegistry) Update(t *ChangeTable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[t.ObjectID()]; ok {
		r.tables[t.ObjectID()] = t
	}
}

// Tables returns the registered descriptors in the same order as Reconcile.
func (r *CaptureInstanceRegistry) Tables() []*ChangeTable {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *CaptureInstanceRegistry) snapshot() []*ChangeTable {
	out := make([]*ChangeTable, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].SourceTable().String(), out[j].SourceTable().String()
		if si != sj {
			return si < sj
		}
		if c := out[i].StartLsn().Compare(out[j].StartLsn()); c != 0 {
			return c < 0
		}
		return out[i].ObjectID() < out[j].ObjectID()
	})
	return out
}

func sortByStart(group []*ChangeTable) {
	sort.SliceStable(group, func(i, j int) bool {
		if c := group[i].StartLsn().Compare(group[j].StartLsn()); c != 0 {
			return c < 0
		}
		return group[i].ObjectID() < group[j].ObjectID()
	})
}
