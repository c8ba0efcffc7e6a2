package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryRegistry keeps subscriptions in memory.
type MemoryRegistry struct {
	mu     sync.Mutex
	subs   []Subscription
	byID   map[string]int
	idx    atomic.Pointer[index]
	closed bool
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	r := &MemoryRegistry{byID: make(map[string]int)}
	r.idx.Store(buildIndex(nil))
	return r
}

// Register implements Registry.
func (r *MemoryRegistry) Register(ctx context.Context, sub Subscription) (Subscription, error) {
	if err := ValidatePattern(sub.EventType); err != nil {
		return Subscription{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Subscription{}, ErrClosed
	}

	if sub.ID == "" {
		sub.ID = NewID()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	r.byID[sub.ID] = len(r.subs)
	r.subs = append(r.subs, sub)
	r.idx.Store(buildIndex(r.subs))
	return sub, nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(ctx context.Context, id string) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.byID[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return r.subs[i], nil
}

// List implements Registry.
func (r *MemoryRegistry) List(ctx context.Context) ([]Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, len(r.subs))
	copy(out, r.subs)
	return out, nil
}

// Activate implements Registry.
func (r *MemoryRegistry) Activate(ctx context.Context, id string) error {
	return r.setActive(id, true)
}

// Deactivate implements Registry.
func (r *MemoryRegistry) Deactivate(ctx context.Context, id string) error {
	return r.setActive(id, false)
}

func (r *MemoryRegistry) setActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	i, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	r.subs[i].Active = active
	r.idx.Store(buildIndex(r.subs))
	return nil
}

// ActiveFor implements Registry.
func (r *MemoryRegistry) ActiveFor(eventType string) []Subscription {
	return r.idx.Load().activeFor(eventType)
}

// Close implements Registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
