package event

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an event ID has no persisted record.
var ErrNotFound = errors.New("event not found")

// ValidationError rejects a candidate before persistence. It is always
// caller-caused and surfaced synchronously to the publisher.
type ValidationError struct {
	Field   string // offending field, e.g. "priority"
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid event: %s", e.Message)
}

// CausationCycleError rejects an event whose causation chain would reference
// the event itself, directly or transitively.
type CausationCycleError struct {
	EventID     string
	CausationID string
}

func (e *CausationCycleError) Error() string {
	return fmt.Sprintf("event %s: causation chain through %s cycles back to the event", e.EventID, e.CausationID)
}

// UnknownModuleError reports a source or subscriber module the module
// registry does not know.
type UnknownModuleError struct {
	ModuleID string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("unknown module %q", e.ModuleID)
}

// PersistenceError wraps a store failure. The append is all-or-nothing: a
// caller seeing this error may retry without risk of partial state.
type PersistenceError struct {
	Op  string // store operation, e.g. "append"
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("event store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// DeliveryError reports a single failed delivery attempt to one subscriber.
// It never propagates to the publisher.
type DeliveryError struct {
	EventID        string
	SubscriptionID string
	Attempt        int
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of event %s to subscription %s failed (attempt %d): %v",
		e.EventID, e.SubscriptionID, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
