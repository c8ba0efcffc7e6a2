package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/modkit/eventbus/pkg/eventbus/event"
)

// SQLiteStore persists events to SQLite. It is suitable for single-process
// production use: appends are acknowledged only after the transaction commits
// with synchronous=FULL, so an acknowledged event survives a crash.
type SQLiteStore struct {
	db *sql.DB

	// mu serializes the append path; sequence assignment is the bus's
	// single serialization point and must stay dense.
	mu      sync.Mutex
	lastSeq int64
	closed  bool
}

// NewSQLiteStore opens (or creates) the event store at path.
// Use ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and avoids
	// SQLITE_BUSY between the writer and readers.
	db.SetMaxOpenConns(1)

	// WAL for concurrent reads during appends; FULL sync so a committed
	// append is on disk before we acknowledge it.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			sequence INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			source_module_id TEXT NOT NULL,
			priority TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			causation_id TEXT,
			payload BLOB NOT NULL,
			timestamp_ns INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_events_type_timestamp ON events(event_type, timestamp_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source ON events(source_module_id)`,
	} {
		if _, err := db.Exec(idx); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	var lastSeq int64
	if err := db.QueryRow(`SELECT COALESCE(MAX(sequence), 0) FROM events`).Scan(&lastSeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("load last sequence: %w", err)
	}

	return &SQLiteStore{db: db, lastSeq: lastSeq}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, c event.Candidate) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return event.Event{}, ErrClosed
	}

	evt := materialize(c)

	if evt.CausationID != "" {
		if err := s.checkCausationCycle(ctx, evt.EventID, evt.CausationID); err != nil {
			return event.Event{}, err
		}
	}

	seq := s.lastSeq + 1
	evt.Sequence = seq

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, &event.PersistenceError{Op: "append", Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (
			sequence, event_id, event_type, source_module_id,
			priority, correlation_id, causation_id, payload, timestamp_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		seq, evt.EventID, evt.Type, evt.SourceModuleID,
		string(evt.Priority), evt.CorrelationID, nullable(evt.CausationID),
		[]byte(evt.Payload), evt.Timestamp.UnixNano(),
	)
	if err != nil {
		tx.Rollback()
		return event.Event{}, &event.PersistenceError{Op: "append", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, &event.PersistenceError{Op: "append", Err: err}
	}

	// Only a committed append advances the counter; sequences stay dense.
	s.lastSeq = seq
	return evt, nil
}

// checkCausationCycle walks the causation chain backwards from causationID,
// rejecting the append when it reaches eventID. The walk is bounded so a
// corrupted chain cannot stall the append path.
func (s *SQLiteStore) checkCausationCycle(ctx context.Context, eventID, causationID string) error {
	cur := causationID
	for depth := 0; cur != "" && depth < maxCausationDepth; depth++ {
		if cur == eventID {
			return &event.CausationCycleError{EventID: eventID, CausationID: causationID}
		}

		var next sql.NullString
		err := s.db.QueryRowContext(ctx,
			`SELECT causation_id FROM events WHERE event_id = ?`, cur).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			// Chain ends at an event we never saw; not a cycle.
			return nil
		}
		if err != nil {
			return &event.PersistenceError{Op: "append", Err: err}
		}
		cur = next.String
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, eventID string) (event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sequence, event_id, event_type, source_module_id,
		       priority, correlation_id, causation_id, payload, timestamp_ns
		FROM events WHERE event_id = ?
	`, eventID)

	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, event.ErrNotFound
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("get event: %w", err)
	}
	return evt, nil
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, f Filter, p Page, order Order) ([]event.Event, int64, error) {
	where, args := buildWhere(f)

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	orderBy := " ORDER BY timestamp_ns DESC, sequence DESC"
	if order == OrderSequenceAsc {
		orderBy = " ORDER BY sequence ASC"
	}

	limit := p.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, source_module_id,
		       priority, correlation_id, causation_id, payload, timestamp_ns
		FROM events`+where+orderBy+` LIMIT ? OFFSET ?`,
		append(args, limit, p.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate events: %w", err)
	}

	return events, total, nil
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByType:       make(map[string]int64),
		ByPriority:   make(map[event.Priority]int64),
		LastSequence: s.LastSequence(),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&stats.TotalEvents); err != nil {
		return Stats{}, fmt.Errorf("count events: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT event_type, COUNT(*) FROM events GROUP BY event_type`)
	if err != nil {
		return Stats{}, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return Stats{}, fmt.Errorf("scan type count: %w", err)
		}
		stats.ByType[typ] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate type counts: %w", err)
	}

	prows, err := s.db.QueryContext(ctx, `SELECT priority, COUNT(*) FROM events GROUP BY priority`)
	if err != nil {
		return Stats{}, fmt.Errorf("count by priority: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var pri string
		var n int64
		if err := prows.Scan(&pri, &n); err != nil {
			return Stats{}, fmt.Errorf("scan priority count: %w", err)
		}
		stats.ByPriority[event.Priority(pri)] = n
	}
	if err := prows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate priority counts: %w", err)
	}

	return stats, nil
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Time, types []string) (int64, error) {
	query := `DELETE FROM events WHERE timestamp_ns < ?`
	args := []any{olderThan.UnixNano()}

	if len(types) > 0 {
		query += ` AND event_type IN (?` + strings.Repeat(",?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return res.RowsAffected()
}

// LastSequence implements Store.
func (s *SQLiteStore) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// materialize fills in the server-assigned fields of a candidate.
func materialize(c event.Candidate) event.Event {
	id := c.EventID
	if id == "" {
		id = event.NewID()
	}

	correlation := c.CorrelationID
	if correlation == "" {
		// An event with no stated correlation starts its own chain.
		correlation = id
	}

	priority := c.Priority
	if priority == "" {
		priority = event.PriorityNormal
	}

	return event.Event{
		EventID:        id,
		Type:           c.Type,
		SourceModuleID: c.SourceModuleID,
		Priority:       priority,
		CorrelationID:  correlation,
		CausationID:    c.CausationID,
		Payload:        c.Payload,
		Timestamp:      time.Now().UTC(),
	}
}

// buildWhere translates a Filter into a WHERE clause and its arguments.
func buildWhere(f Filter) (string, []any) {
	clauses := []string{"1=1"}
	var args []any

	if f.Type != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, f.Type)
	} else if f.TypePrefix != "" {
		clauses = append(clauses, `event_type LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(f.TypePrefix)+"%")
	}
	if f.SourceModuleID != "" {
		clauses = append(clauses, "source_module_id = ?")
		args = append(args, f.SourceModuleID)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority = ?")
		args = append(args, string(f.Priority))
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "timestamp_ns <= ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.CorrelationID != "" {
		clauses = append(clauses, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// scanner abstracts sql.Row and sql.Rows for scanEvent.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (event.Event, error) {
	var (
		evt         event.Event
		priority    string
		causation   sql.NullString
		payload     []byte
		timestampNs int64
	)
	if err := row.Scan(
		&evt.Sequence, &evt.EventID, &evt.Type, &evt.SourceModuleID,
		&priority, &evt.CorrelationID, &causation, &payload, &timestampNs,
	); err != nil {
		return event.Event{}, err
	}

	evt.Priority = event.Priority(priority)
	evt.CausationID = causation.String
	evt.Payload = payload
	evt.Timestamp = time.Unix(0, timestampNs).UTC()
	return evt, nil
}
