package subscription

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("subscription not found")

// ErrClosed is returned when operating on a closed registry.
var ErrClosed = errors.New("subscription registry is closed")

// Registry stores subscriptions and answers the dispatcher's matching
// queries.
//
// ActiveFor is called on the hot dispatch path and must be cheap;
// implementations keep a precomputed index that is rebuilt on writes.
type Registry interface {
	// Register stores a new subscription, assigning ID and CreatedAt
	// when absent. The pattern is validated and the subscription starts
	// in the Active state given by the caller.
	Register(ctx context.Context, sub Subscription) (Subscription, error)

	// Get returns a subscription or ErrNotFound.
	Get(ctx context.Context, id string) (Subscription, error)

	// List returns all subscriptions in registration order.
	List(ctx context.Context) ([]Subscription, error)

	// Activate resumes delivery for a deactivated subscription.
	Activate(ctx context.Context, id string) error

	// Deactivate pauses delivery. The subscription and its history are
	// kept; events published while inactive are not delivered later.
	Deactivate(ctx context.Context, id string) error

	// ActiveFor returns the active subscriptions matching eventType,
	// exact matches first, then wildcard matches, registration order
	// within each class.
	ActiveFor(eventType string) []Subscription

	// Close releases resources.
	Close() error
}

// index is the precomputed matching structure shared by both registry
// implementations. It is immutable once built; writers build a fresh one.
type index struct {
	exact     map[string][]Subscription
	wildcards []Subscription
}

func buildIndex(subs []Subscription) *index {
	idx := &index{exact: make(map[string][]Subscription)}
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		if IsWildcard(sub.EventType) {
			idx.wildcards = append(idx.wildcards, sub)
			continue
		}
		idx.exact[sub.EventType] = append(idx.exact[sub.EventType], sub)
	}
	return idx
}

func (idx *index) activeFor(eventType string) []Subscription {
	exact := idx.exact[eventType]
	out := make([]Subscription, 0, len(exact))
	out = append(out, exact...)
	for _, sub := range idx.wildcards {
		if MatchesType(sub.EventType, eventType) {
			out = append(out, sub)
		}
	}
	return out
}
