// Package event defines the event envelope shared by every part of the bus:
// the candidate submitted by publishers, the persisted form returned by the
// store, priorities, the structural validator, and the error taxonomy.
//
// Events are immutable once persisted - corrections are modeled as new events.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority classifies how urgent an event is. It never affects persistence,
// only how consumers may choose to treat the event.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the four allowed priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Candidate is an event as submitted by a publisher, before the store has
// assigned identity, sequence, and timestamp.
type Candidate struct {
	// EventID is optional; the store assigns a UUID when empty.
	EventID string `json:"event_id,omitempty"`

	// Type identifies the kind of occurrence (e.g. "user.created").
	Type string `json:"event_type"`

	// SourceModuleID names the module that produced the event.
	SourceModuleID string `json:"source_module_id"`

	// Priority defaults to PriorityNormal when empty.
	Priority Priority `json:"priority,omitempty"`

	// CorrelationID groups causally related events. When empty the persisted
	// event starts its own correlation chain (correlation_id == event_id).
	CorrelationID string `json:"correlation_id,omitempty"`

	// CausationID references the event_id that directly caused this event.
	CausationID string `json:"causation_id,omitempty"`

	// Payload is opaque to the bus beyond size and JSON-validity checks.
	Payload json.RawMessage `json:"payload"`
}

// Event is the persisted, immutable form of a candidate.
type Event struct {
	EventID        string          `json:"event_id"`
	Sequence       int64           `json:"sequence"`
	Type           string          `json:"event_type"`
	SourceModuleID string          `json:"source_module_id"`
	Priority       Priority        `json:"priority"`
	CorrelationID  string          `json:"correlation_id"`
	CausationID    string          `json:"causation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Option configures candidate creation.
type Option func(*Candidate)

// WithEventID sets a caller-chosen event ID (default: store-assigned UUID).
func WithEventID(id string) Option {
	return func(c *Candidate) {
		c.EventID = id
	}
}

// WithPriority sets the event priority.
func WithPriority(p Priority) Option {
	return func(c *Candidate) {
		c.Priority = p
	}
}

// WithCorrelationID sets the correlation ID linking related events.
func WithCorrelationID(id string) Option {
	return func(c *Candidate) {
		c.CorrelationID = id
	}
}

// WithCausationID sets the ID of the event that caused this one.
func WithCausationID(id string) Option {
	return func(c *Candidate) {
		c.CausationID = id
	}
}

// New creates a candidate event with the given type, source module, and payload.
func New(eventType, sourceModuleID string, payload json.RawMessage, opts ...Option) Candidate {
	c := Candidate{
		Type:           eventType,
		SourceModuleID: sourceModuleID,
		Priority:       PriorityNormal,
		Payload:        payload,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// NewFromParent creates a candidate caused by a persisted parent event.
// It inherits the parent's correlation ID and sets the causation ID.
func NewFromParent(parent Event, eventType, sourceModuleID string, payload json.RawMessage, opts ...Option) Candidate {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID),
		WithCausationID(parent.EventID),
	}
	return New(eventType, sourceModuleID, payload, append(parentOpts, opts...)...)
}

// NewID returns a fresh event identifier.
func NewID() string {
	return uuid.New().String()
}
