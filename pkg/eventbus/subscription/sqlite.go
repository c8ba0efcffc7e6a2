package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRegistry persists subscriptions to SQLite so they survive restarts.
// The full set is mirrored in memory; ActiveFor never touches the database.
type SQLiteRegistry struct {
	db *sql.DB

	mu     sync.Mutex
	subs   []Subscription
	byID   map[string]int
	idx    atomic.Pointer[index]
	closed bool
}

// NewSQLiteRegistry opens (or creates) the subscription registry at path.
// The same database file as the event store may be used.
func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS subscriptions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subscription_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			module_id TEXT NOT NULL,
			transport_kind TEXT NOT NULL,
			transport_target TEXT NOT NULL,
			active INTEGER NOT NULL,
			created_at_ns INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create subscriptions table: %w", err)
	}

	r := &SQLiteRegistry{db: db, byID: make(map[string]int)}
	if err := r.load(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRegistry) load() error {
	rows, err := r.db.Query(`
		SELECT subscription_id, event_type, module_id,
		       transport_kind, transport_target, active, created_at_ns
		FROM subscriptions ORDER BY id ASC
	`)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sub       Subscription
			kind      string
			active    int
			createdNs int64
		)
		if err := rows.Scan(&sub.ID, &sub.EventType, &sub.ModuleID,
			&kind, &sub.Transport.Target, &active, &createdNs); err != nil {
			return fmt.Errorf("scan subscription: %w", err)
		}
		sub.Transport.Kind = TransportKind(kind)
		sub.Active = active != 0
		sub.CreatedAt = time.Unix(0, createdNs).UTC()

		r.byID[sub.ID] = len(r.subs)
		r.subs = append(r.subs, sub)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate subscriptions: %w", err)
	}

	r.idx.Store(buildIndex(r.subs))
	return nil
}

// Register implements Registry.
func (r *SQLiteRegistry) Register(ctx context.Context, sub Subscription) (Subscription, error) {
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

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			subscription_id, event_type, module_id,
			transport_kind, transport_target, active, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		sub.ID, sub.EventType, sub.ModuleID,
		string(sub.Transport.Kind), sub.Transport.Target,
		boolToInt(sub.Active), sub.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}

	r.byID[sub.ID] = len(r.subs)
	r.subs = append(r.subs, sub)
	r.idx.Store(buildIndex(r.subs))
	return sub, nil
}

// Get implements Registry.
func (r *SQLiteRegistry) Get(ctx context.Context, id string) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.byID[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return r.subs[i], nil
}

// List implements Registry.
func (r *SQLiteRegistry) List(ctx context.Context) ([]Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Subscription, len(r.subs))
	copy(out, r.subs)
	return out, nil
}

// Activate implements Registry.
func (r *SQLiteRegistry) Activate(ctx context.Context, id string) error {
	return r.setActive(ctx, id, true)
}

// Deactivate implements Registry.
func (r *SQLiteRegistry) Deactivate(ctx context.Context, id string) error {
	return r.setActive(ctx, id, false)
}

func (r *SQLiteRegistry) setActive(ctx context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	i, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET active = ? WHERE subscription_id = ?`,
		boolToInt(active), id); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	r.subs[i].Active = active
	r.idx.Store(buildIndex(r.subs))
	return nil
}

// ActiveFor implements Registry.
func (r *SQLiteRegistry) ActiveFor(eventType string) []Subscription {
	return r.idx.Load().activeFor(eventType)
}

// Close implements Registry.
func (r *SQLiteRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
