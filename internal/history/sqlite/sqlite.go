// Package sqlite journals history events into an embedded SQLite file
// (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/lzdev42/catalytic-sub000/internal/history"
)

var (
	schema = []string{
		`CREATE TABLE IF NOT EXISTS ` + history.Table + `(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			type TEXT NOT NULL,
			kind TEXT NOT NULL,
			slot INTEGER NOT NULL,
			task_id INTEGER NOT NULL,
			target TEXT NOT NULL,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			message TEXT,
			duration_ms INTEGER NOT NULL,
			device_id TEXT NOT NULL,
			state TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + history.Table + `_type_at ON ` + history.Table + `(type, occurred_at)`,
	}
	insertSQL = "INSERT INTO " + history.Table + "(" + strings.Join(history.Columns, ", ") +
		") VALUES(?" + strings.Repeat(", ?", len(history.Columns)-1) + ")"
)

// Sink writes history events to an SQLite database.
type Sink struct {
	db *sql.DB
}

// New opens (creating when needed) the database named by dsn:
//   - "sqlite:///path/to/file.db" or "/path/to/file.db"
//   - "sqlite://:memory:" or ":memory:"
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// An in-memory database lives per connection.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Sink{db: db}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, insertSQL, e.Values()...)
	return err
}

// Count returns the number of journal rows of the given type.
func (s *Sink) Count(ctx context.Context, t history.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+history.Table+` WHERE type = ?`, string(t)).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
