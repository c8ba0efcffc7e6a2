// Package store provides the durable, append-only event store: the single
// serialization point of the bus. Every accepted event gets a dense, strictly
// increasing sequence, and no field is ever mutated after persistence.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/modkit/eventbus/pkg/eventbus/event"
)

// ErrClosed is returned when operating on a closed store.
var ErrClosed = errors.New("event store is closed")

// maxCausationDepth bounds the causation-chain walk during the cycle guard.
const maxCausationDepth = 64

// Filter selects events in a query. Zero values mean "no constraint".
type Filter struct {
	// Type matches event_type exactly.
	Type string

	// TypePrefix matches event_type by prefix; ignored when Type is set.
	TypePrefix string

	// SourceModuleID matches the originating module exactly.
	SourceModuleID string

	// Priority matches the event priority exactly.
	Priority event.Priority

	// Since/Until bound the timestamp range, both inclusive.
	Since time.Time
	Until time.Time

	// CorrelationID matches the correlation chain exactly.
	CorrelationID string
}

// Page bounds a query result.
type Page struct {
	Offset int
	Limit  int
}

// Order controls query result ordering.
type Order int

const (
	// OrderTimestampDesc is the default: newest first, sequence as tiebreak.
	OrderTimestampDesc Order = iota

	// OrderSequenceAsc returns events in publish order, oldest first.
	OrderSequenceAsc
)

// Stats summarizes the persisted history.
type Stats struct {
	TotalEvents  int64                    `json:"total_events"`
	ByType       map[string]int64         `json:"events_by_type"`
	ByPriority   map[event.Priority]int64 `json:"events_by_priority"`
	LastSequence int64                    `json:"last_sequence"`
}

// Store is the append-only event store.
//
// Append is the bus's one serialization point: implementations must assign
// dense, strictly increasing sequences even under concurrent publishers, and
// must not acknowledge an append before it is durably persisted.
type Store interface {
	// Append persists a candidate, assigning event_id (when absent),
	// sequence, and timestamp. The append is all-or-nothing: on error no
	// partial state remains. A set causation_id is checked against the
	// persisted chain and rejected with *event.CausationCycleError when the
	// chain would cycle back to the new event.
	Append(ctx context.Context, c event.Candidate) (event.Event, error)

	// Get returns a persisted event or event.ErrNotFound.
	Get(ctx context.Context, eventID string) (event.Event, error)

	// Query returns the filtered page plus the total count of matches.
	Query(ctx context.Context, f Filter, p Page, order Order) ([]event.Event, int64, error)

	// Stats summarizes persisted history.
	Stats(ctx context.Context) (Stats, error)

	// Purge deletes events older than the cutoff, optionally restricted to
	// the given types, and returns the number deleted. Operator-only.
	Purge(ctx context.Context, olderThan time.Time, types []string) (int64, error)

	// LastSequence returns the highest assigned sequence (0 when empty).
	LastSequence() int64

	// Close releases resources. Further calls return ErrClosed.
	Close() error
}

// matchesFilter implements Filter semantics for in-memory scans.
func matchesFilter(evt event.Event, f Filter) bool {
	if f.Type != "" && evt.Type != f.Type {
		return false
	}
	if f.Type == "" && f.TypePrefix != "" && !hasPrefix(evt.Type, f.TypePrefix) {
		return false
	}
	if f.SourceModuleID != "" && evt.SourceModuleID != f.SourceModuleID {
		return false
	}
	if f.Priority != "" && evt.Priority != f.Priority {
		return false
	}
	if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
		return false
	}
	if f.CorrelationID != "" && evt.CorrelationID != f.CorrelationID {
		return false
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
