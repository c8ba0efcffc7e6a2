package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/modkit/eventbus/pkg/eventbus/event"
)

// ErrDeadLetterNotFound is returned when a dead letter does not exist.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetter is an event whose delivery to one subscriber was abandoned
// after exhausting all attempts. The event itself stays in the store; the
// dead letter records the failed delivery for operator inspection.
type DeadLetter struct {
	ID             string      `json:"dead_letter_id"`
	Event          event.Event `json:"event"`
	SubscriptionID string      `json:"subscription_id"`
	ModuleID       string      `json:"module_id"`
	Attempts       int         `json:"attempts"`
	LastError      string      `json:"last_error"`
	FailedAt       time.Time   `json:"failed_at"`
}

// DeadLetterQueue stores abandoned deliveries.
type DeadLetterQueue interface {
	// Add records an abandoned delivery.
	Add(ctx context.Context, dl DeadLetter) error

	// Get returns a dead letter or ErrDeadLetterNotFound.
	Get(ctx context.Context, id string) (DeadLetter, error)

	// List returns dead letters newest first.
	List(ctx context.Context, limit, offset int) ([]DeadLetter, int64, error)

	// Remove deletes a dead letter, typically after a successful
	// operator-triggered redelivery.
	Remove(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}

func newDeadLetterID() string {
	return "dl-" + uuid.NewString()
}

// MemoryDLQ keeps dead letters in memory.
type MemoryDLQ struct {
	mu      sync.Mutex
	letters []DeadLetter
}

// NewMemoryDLQ creates an empty in-memory dead-letter queue.
func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{}
}

// Add implements DeadLetterQueue.
func (q *MemoryDLQ) Add(ctx context.Context, dl DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dl.ID == "" {
		dl.ID = newDeadLetterID()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	q.letters = append(q.letters, dl)
	return nil
}

// Get implements DeadLetterQueue.
func (q *MemoryDLQ) Get(ctx context.Context, id string) (DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, dl := range q.letters {
		if dl.ID == id {
			return dl, nil
		}
	}
	return DeadLetter{}, ErrDeadLetterNotFound
}

// List implements DeadLetterQueue.
func (q *MemoryDLQ) List(ctx context.Context, limit, offset int) ([]DeadLetter, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := int64(len(q.letters))

	// Newest first.
	out := make([]DeadLetter, 0, len(q.letters))
	for i := len(q.letters) - 1; i >= 0; i-- {
		out = append(out, q.letters[i])
	}

	if offset > 0 {
		if offset >= len(out) {
			return nil, total, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

// Remove implements DeadLetterQueue.
func (q *MemoryDLQ) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, dl := range q.letters {
		if dl.ID == id {
			q.letters = append(q.letters[:i], q.letters[i+1:]...)
			return nil
		}
	}
	return ErrDeadLetterNotFound
}

// Close implements DeadLetterQueue.
func (q *MemoryDLQ) Close() error { return nil }

// SQLiteDLQ persists dead letters so abandoned deliveries survive restarts.
type SQLiteDLQ struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
}

// NewSQLiteDLQ opens (or creates) the dead-letter queue at path.
func NewSQLiteDLQ(path string) (*SQLiteDLQ, error) {
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
		CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dead_letter_id TEXT NOT NULL UNIQUE,
			subscription_id TEXT NOT NULL,
			module_id TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NOT NULL,
			failed_at_ns INTEGER NOT NULL,
			event_json BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create dead_letters table: %w", err)
	}

	return &SQLiteDLQ{db: db}, nil
}

// Add implements DeadLetterQueue.
func (q *SQLiteDLQ) Add(ctx context.Context, dl DeadLetter) error {
	if dl.ID == "" {
		dl.ID = newDeadLetterID()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}

	eventJSON, err := json.Marshal(dl.Event)
	if err != nil {
		return fmt.Errorf("encode dead letter event: %w", err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO dead_letters (
			dead_letter_id, subscription_id, module_id,
			attempts, last_error, failed_at_ns, event_json
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		dl.ID, dl.SubscriptionID, dl.ModuleID,
		dl.Attempts, dl.LastError, dl.FailedAt.UnixNano(), eventJSON,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// Get implements DeadLetterQueue.
func (q *SQLiteDLQ) Get(ctx context.Context, id string) (DeadLetter, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT dead_letter_id, subscription_id, module_id,
		       attempts, last_error, failed_at_ns, event_json
		FROM dead_letters WHERE dead_letter_id = ?
	`, id)

	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, ErrDeadLetterNotFound
	}
	if err != nil {
		return DeadLetter{}, fmt.Errorf("get dead letter: %w", err)
	}
	return dl, nil
}

// List implements DeadLetterQueue.
func (q *SQLiteDLQ) List(ctx context.Context, limit, offset int) ([]DeadLetter, int64, error) {
	var total int64
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead letters: %w", err)
	}

	if limit <= 0 {
		limit = -1
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT dead_letter_id, subscription_id, module_id,
		       attempts, last_error, failed_at_ns, event_json
		FROM dead_letters ORDER BY id DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, total, nil
}

// Remove implements DeadLetterQueue.
func (q *SQLiteDLQ) Remove(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE dead_letter_id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	if n == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

// Close implements DeadLetterQueue.
func (q *SQLiteDLQ) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

type dlScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row dlScanner) (DeadLetter, error) {
	var (
		dl        DeadLetter
		failedNs  int64
		eventJSON []byte
	)
	if err := row.Scan(&dl.ID, &dl.SubscriptionID, &dl.ModuleID,
		&dl.Attempts, &dl.LastError, &failedNs, &eventJSON); err != nil {
		return DeadLetter{}, err
	}
	if err := json.Unmarshal(eventJSON, &dl.Event); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter event: %w", err)
	}
	dl.FailedAt = time.Unix(0, failedNs).UTC()
	return dl, nil
}
