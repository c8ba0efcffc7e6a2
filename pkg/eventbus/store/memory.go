package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/modkit/eventbus/pkg/eventbus/event"
)

// MemoryStore keeps events in memory. Intended for tests and embedded use
// where durability across restarts is not required.
type MemoryStore struct {
	mu      sync.RWMutex
	events  []event.Event
	byID    map[string]int
	lastSeq int64
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, c event.Candidate) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return event.Event{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}

	evt := materialize(c)

	if _, exists := s.byID[evt.EventID]; exists {
		return event.Event{}, &event.PersistenceError{Op: "append", Err: errDuplicateID(evt.EventID)}
	}
	if evt.CausationID != "" {
		if s.causationCycles(evt.EventID, evt.CausationID) {
			return event.Event{}, &event.CausationCycleError{EventID: evt.EventID, CausationID: evt.CausationID}
		}
	}

	s.lastSeq++
	evt.Sequence = s.lastSeq
	s.byID[evt.EventID] = len(s.events)
	s.events = append(s.events, evt)
	return evt, nil
}

func (s *MemoryStore) causationCycles(eventID, causationID string) bool {
	cur := causationID
	for depth := 0; cur != "" && depth < maxCausationDepth; depth++ {
		if cur == eventID {
			return true
		}
		idx, ok := s.byID[cur]
		if !ok {
			return false
		}
		cur = s.events[idx].CausationID
	}
	return false
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, eventID string) (event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[eventID]
	if !ok {
		return event.Event{}, event.ErrNotFound
	}
	return s.events[idx], nil
}

// Query implements Store.
func (s *MemoryStore) Query(ctx context.Context, f Filter, p Page, order Order) ([]event.Event, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []event.Event
	for _, evt := range s.events {
		if matchesFilter(evt, f) {
			matched = append(matched, evt)
		}
	}

	// events is already in sequence order; only the default newest-first
	// ordering needs a sort.
	if order == OrderTimestampDesc {
		sort.SliceStable(matched, func(i, j int) bool {
			if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
				return matched[i].Timestamp.After(matched[j].Timestamp)
			}
			return matched[i].Sequence > matched[j].Sequence
		})
	}

	total := int64(len(matched))

	if p.Offset > 0 {
		if p.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[p.Offset:]
	}
	if p.Limit > 0 && p.Limit < len(matched) {
		matched = matched[:p.Limit]
	}

	out := make([]event.Event, len(matched))
	copy(out, matched)
	return out, total, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalEvents:  int64(len(s.events)),
		ByType:       make(map[string]int64),
		ByPriority:   make(map[event.Priority]int64),
		LastSequence: s.lastSeq,
	}
	for _, evt := range s.events {
		stats.ByType[evt.Type]++
		stats.ByPriority[evt.Priority]++
	}
	return stats, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(ctx context.Context, olderThan time.Time, types []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	kept := s.events[:0]
	var removed int64
	for _, evt := range s.events {
		purge := evt.Timestamp.Before(olderThan) &&
			(len(typeSet) == 0 || typeSet[evt.Type])
		if purge {
			removed++
			continue
		}
		kept = append(kept, evt)
	}

	s.events = kept
	s.byID = make(map[string]int, len(kept))
	for i, evt := range kept {
		s.byID[evt.EventID] = i
	}
	return removed, nil
}

// LastSequence implements Store.
func (s *MemoryStore) LastSequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type errDuplicateID string

func (e errDuplicateID) Error() string {
	return "event id already exists: " + string(e)
}
