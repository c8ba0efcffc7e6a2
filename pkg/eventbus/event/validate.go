package event

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var (
	typeRe   = regexp.MustCompile(`^[A-Za-z0-9._]+$`)
	moduleRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	idRe     = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
)

// maxIdentifierLen bounds every identifier field (event IDs, module IDs).
const maxIdentifierLen = 128

// Validator performs structural validation of candidate events. It holds no
// state beyond its limits and is safe for concurrent use.
type Validator struct {
	// MaxPayloadBytes bounds the serialized payload size.
	// Default: 256 KiB.
	MaxPayloadBytes int
}

// DefaultValidator provides reasonable limits.
var DefaultValidator = Validator{
	MaxPayloadBytes: 256 * 1024,
}

// NewValidator creates a validator, falling back to defaults for
// non-positive limits.
func NewValidator(maxPayloadBytes int) Validator {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultValidator.MaxPayloadBytes
	}
	return Validator{MaxPayloadBytes: maxPayloadBytes}
}

// Validate checks a candidate in a fixed order, returning the first
// *ValidationError found. It has no side effects.
//
// Order: event type, priority, source module, payload, identifiers.
// Causation cycle detection needs full history and is left to the store.
func (v Validator) Validate(c Candidate) error {
	if c.Type == "" {
		return &ValidationError{Field: "event_type", Message: "must not be empty"}
	}
	if !typeRe.MatchString(c.Type) {
		return &ValidationError{Field: "event_type", Message: "must contain only letters, digits, '.' and '_'"}
	}
	if len(c.Type) > maxIdentifierLen {
		return &ValidationError{Field: "event_type", Message: fmt.Sprintf("must not exceed %d characters", maxIdentifierLen)}
	}

	// Empty means absent and defaults to normal; anything else must be one of
	// the four allowed values, never coerced.
	if c.Priority != "" && !c.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("%q is not one of low, normal, high, critical", string(c.Priority))}
	}

	if c.SourceModuleID == "" {
		return &ValidationError{Field: "source_module_id", Message: "must not be empty"}
	}
	if !moduleRe.MatchString(c.SourceModuleID) || len(c.SourceModuleID) > maxIdentifierLen {
		return &ValidationError{Field: "source_module_id", Message: "malformed module identifier"}
	}

	if len(c.Payload) == 0 {
		return &ValidationError{Field: "payload", Message: "must be present"}
	}
	if len(c.Payload) > v.MaxPayloadBytes {
		return &ValidationError{Field: "payload", Message: fmt.Sprintf("exceeds maximum size of %d bytes", v.MaxPayloadBytes)}
	}
	if !json.Valid(c.Payload) {
		return &ValidationError{Field: "payload", Message: "must be valid JSON"}
	}

	if c.EventID != "" && (!idRe.MatchString(c.EventID) || len(c.EventID) > maxIdentifierLen) {
		return &ValidationError{Field: "event_id", Message: "malformed identifier"}
	}
	if c.CorrelationID != "" && (!idRe.MatchString(c.CorrelationID) || len(c.CorrelationID) > maxIdentifierLen) {
		return &ValidationError{Field: "correlation_id", Message: "malformed identifier"}
	}
	if c.CausationID != "" && (!idRe.MatchString(c.CausationID) || len(c.CausationID) > maxIdentifierLen) {
		return &ValidationError{Field: "causation_id", Message: "malformed identifier"}
	}

	return nil
}
