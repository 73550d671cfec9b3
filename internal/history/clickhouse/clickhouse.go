package clickhouse

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/lzdev42/catalytic-sub000/internal/history"
)

// DefaultTable is used when the DSN names no table.
const DefaultTable = history.Table

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr, which is either a bare "host:port" (native protocol,
// default database and user) or a full clickhouse:// DSN. The journal table
// is created when missing.
func New(addr, table string) (*Sink, error) {
	opts, err := options(addr)
	if err != nil {
		return nil, err
	}
	if table == "" {
		table = DefaultTable
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func options(addr string) (*clickhouse.Options, error) {
	if !strings.Contains(addr, "://") {
		return &clickhouse.Options{
			Addr: []string{addr},
			Auth: clickhouse.Auth{Database: "default", Username: "default"},
		}, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	// table is ours; anything else left in the query is a client setting.
	q := u.Query()
	q.Del("table")
	u.RawQuery = q.Encode()
	opts, err := clickhouse.ParseDSN(u.String())
	if err != nil {
		return nil, fmt.Errorf("invalid ClickHouse DSN: %w", err)
	}
	return opts, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		type LowCardinality(String),
		occurred_at DateTime64(6),
		kind LowCardinality(String),
		slot UInt32,
		task_id UInt64,
		target String,
		action String,
		outcome LowCardinality(String),
		message String,
		duration_ms Int64,
		device_id String,
		state LowCardinality(String)
	) ENGINE = MergeTree()
	ORDER BY (occurred_at, task_id)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, kind, slot, task_id, target, action, outcome, message, duration_ms, device_id, state) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	rec := e.Record
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		rec.Kind,
		rec.Slot,
		rec.TaskID,
		rec.Target,
		rec.Action,
		rec.Outcome,
		rec.Message,
		rec.DurationMs,
		rec.DeviceID,
		rec.State,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
