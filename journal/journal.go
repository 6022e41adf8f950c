// Package journal keeps a durable, queryable copy of every escrow event in
// SQLite.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/events"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/types"
)

const defaultListLimit = 100

// Entry is one journaled event.
type Entry struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Record     string            `json:"record,omitempty"`
	Timestamp  int64             `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}

// Query filters List. Zero values match everything.
type Query struct {
	Type   string
	Record string
	After  int64
	Limit  int
}

// Journal appends events to a SQLite database. It satisfies events.Emitter.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the journal at path. ":memory:" keeps it in memory.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal: path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps in-memory databases shared and serialises
	// writers.
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{db: db, logger: logger}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            type TEXT NOT NULL,
            record TEXT,
            occurred_at INTEGER NOT NULL,
            attributes TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_record ON events(record);`,
		`CREATE INDEX IF NOT EXISTS events_type ON events(type);`,
	}
	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal: init: %w", err)
		}
	}
	return nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Emit implements events.Emitter. Failures are logged, never returned to the
// emitting transition.
func (j *Journal) Emit(evt events.Event) {
	if evt == nil || evt.Event() == nil {
		return
	}
	if _, err := j.Append(context.Background(), evt.Event()); err != nil {
		j.logger.Error("journal append failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Append stores evt and returns its sequence number.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (int64, error) {
	const stmt = `INSERT INTO events(type, record, occurred_at, attributes, created_at) VALUES (?, ?, ?, ?, ?)`
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return 0, err
	}
	res, err := j.db.ExecContext(ctx, stmt, evt.Type, attrs["record"], evt.Timestamp, string(payload), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns entries in sequence order.
func (j *Journal) List(ctx context.Context, q Query) ([]Entry, error) {
	var (
		clauses = []string{"sequence > ?"}
		args    = []any{q.After}
	)
	if q.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, q.Type)
	}
	if q.Record != "" {
		clauses = append(clauses, "record = ?")
		args = append(args, q.Record)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query := `SELECT sequence, type, COALESCE(record, ''), occurred_at, attributes FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY sequence ASC LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			entry   Entry
			payload string
		)
		if err := rows.Scan(&entry.Sequence, &entry.Type, &entry.Record, &entry.Timestamp, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("journal: decode attributes of %d: %w", entry.Sequence, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

var _ events.Emitter = (*Journal)(nil)
