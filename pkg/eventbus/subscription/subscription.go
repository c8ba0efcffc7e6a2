// Package subscription manages the registry of event subscriptions and the
// pattern matching that decides which subscribers receive an event.
package subscription

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransportKind names a delivery mechanism.
type TransportKind string

const (
	// TransportInProcess delivers to a handler registered in this process.
	TransportInProcess TransportKind = "inprocess"

	// TransportHTTP delivers by POSTing the event to a callback URL.
	TransportHTTP TransportKind = "http"
)

// Valid reports whether the kind is a known transport.
func (k TransportKind) Valid() bool {
	return k == TransportInProcess || k == TransportHTTP
}

// TransportSpec describes how to reach a subscriber. For TransportHTTP the
// target is the callback URL; for TransportInProcess it is the registered
// handler name.
type TransportSpec struct {
	Kind   TransportKind `json:"kind" yaml:"kind"`
	Target string        `json:"target" yaml:"target"`
}

// Subscription binds an event type pattern to a subscriber module.
type Subscription struct {
	ID        string        `json:"subscription_id"`
	EventType string        `json:"event_type"`
	ModuleID  string        `json:"module_id"`
	Transport TransportSpec `json:"transport"`
	Active    bool          `json:"active"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewID generates a subscription id.
func NewID() string {
	return "sub-" + uuid.NewString()
}

// IsWildcard reports whether pattern uses wildcard matching.
func IsWildcard(pattern string) bool {
	return pattern == "*" || strings.HasSuffix(pattern, ".*")
}

// MatchesType reports whether an event type matches a subscription pattern.
//
// Patterns are either exact ("user.created"), a trailing segment wildcard
// ("user.*" matches "user.created" and "user.profile.updated"), or the
// catch-all "*". Wildcards match whole segments only: "user.*" does not
// match "users.created" or "user" itself.
func MatchesType(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return pattern == eventType
}

// ValidatePattern rejects malformed subscription patterns.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("event type pattern must not be empty")
	}
	if pattern == "*" {
		return nil
	}
	base, _ := strings.CutSuffix(pattern, ".*")
	if base == "" || strings.Contains(base, "*") {
		return fmt.Errorf("invalid event type pattern %q: wildcard is only valid as a trailing segment", pattern)
	}
	return nil
}
