// Package store keeps the amplifierd SQLite state: an audit history of
// ingested notifications and the per-device API keys.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/amplifierd/internal/events"
)

// MaxRecent caps a single Recent query.
const MaxRecent = 500

// ErrUnclassified is returned when recording a notification with no decision.
var ErrUnclassified = errors.New("notification has no decision")

// Record is one history row. Suppressed rows carry no subject or content.
type Record struct {
	ID        string        `json:"id"`
	ArrivedAt time.Time     `json:"arrived_at"`
	Source    string        `json:"source,omitempty"`
	Channel   string        `json:"channel"`
	App       string        `json:"app,omitempty"`
	Sender    string        `json:"sender"`
	Subject   string        `json:"subject,omitempty"`
	Content   string        `json:"content,omitempty"`
	Action    events.Action `json:"action"`
	Priority  string        `json:"priority,omitempty"`
	Rule      string        `json:"rule"`
	Session   string        `json:"session_id,omitempty"`
}

// Store is a SQLite-backed notification history.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	arrived_at INTEGER NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	channel    TEXT NOT NULL,
	app        TEXT NOT NULL DEFAULT '',
	sender     TEXT NOT NULL,
	subject    TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL DEFAULT '',
	action     TEXT NOT NULL,
	priority   TEXT NOT NULL DEFAULT '',
	rule       TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_notifications_action ON notifications(action);
CREATE TABLE IF NOT EXISTS api_keys (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	device_id  TEXT NOT NULL DEFAULT '',
	prefix     TEXT NOT NULL,
	key_hash   TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	last_used  INTEGER NOT NULL DEFAULT 0,
	revoked    INTEGER NOT NULL DEFAULT 0
);
`

// Open opens or creates the history database at path. An empty path or
// ":memory:" keeps the history in memory for the life of the process.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path, empty for in-memory stores.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Record appends n with its decision.
func (s *Store) Record(ctx context.Context, n *events.Notification) error {
	d, ok := n.Decision()
	if !ok {
		return ErrUnclassified
	}
	subject, content := n.Subject, n.Content
	if d.Action == events.ActionSuppress {
		subject, content = "", ""
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications
			(id, arrived_at, source, channel, app, sender, subject, content, action, priority, rule, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.ArrivedAt.UnixNano(), n.Source, n.Channel, n.App, n.Sender,
		subject, content, string(d.Action), d.Priority.String(), d.Rule, d.TargetSession,
	)
	if err != nil {
		return fmt.Errorf("failed to record notification %s: %w", n.ID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > MaxRecent {
		limit = MaxRecent
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, arrived_at, source, channel, app, sender, subject, content, action, priority, rule, session_id
		FROM notifications ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r      Record
			nanos  int64
			action string
		)
		if err := rows.Scan(&r.ID, &nanos, &r.Source, &r.Channel, &r.App, &r.Sender,
			&r.Subject, &r.Content, &action, &r.Priority, &r.Rule, &r.Session); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		r.ArrivedAt = time.Unix(0, nanos).UTC()
		r.Action = events.Action(action)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByAction returns how many records exist per action.
func (s *Store) CountByAction(ctx context.Context) (map[events.Action]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT action, COUNT(*) FROM notifications GROUP BY action`)
	if err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}
	defer rows.Close()

	counts := make(map[events.Action]int)
	for rows.Next() {
		var (
			action string
			n      int
		)
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[events.Action(action)] = n
	}
	return counts, rows.Err()
}
