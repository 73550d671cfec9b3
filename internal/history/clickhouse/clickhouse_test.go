package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lzdev42/catalytic-sub000/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container for testing
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	clickHouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("ClickHouse container unavailable: %v", err)
	}

	host, err := clickHouseContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := clickHouseContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return clickHouseContainer, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	clickHouseContainer, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := clickHouseContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New("clickhouse://"+addr+"/default?table=journal", "journal")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	result := history.Event{
		Type:       history.EventTaskResult,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{Kind: "device", Slot: 3, TaskID: 77, Target: "COM4", Action: "query", Outcome: "result", DurationMs: 40},
	}
	timeout := result
	timeout.Type = history.EventTaskTimeout
	timeout.Record.Outcome = "timeout"

	for _, e := range []history.Event{result, timeout} {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	var count uint64
	if err := sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM journal WHERE task_id = ?", uint64(77)).Scan(&count); err != nil {
		t.Fatalf("Failed to query count: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events, got %d", count)
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if _, err := New("invalid-host:9000", "test_table"); err == nil {
		t.Error("Expected error with invalid connection, got nil")
	}
}

func TestOptionsStripTable(t *testing.T) {
	opts, err := options("clickhouse://user:pw@ch.lab:9000/bench?table=journal&dial_timeout=2s")
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if len(opts.Addr) != 1 || opts.Addr[0] != "ch.lab:9000" {
		t.Fatalf("unexpected addr: %v", opts.Addr)
	}
	if opts.Auth.Database != "bench" || opts.Auth.Username != "user" {
		t.Fatalf("unexpected auth: %+v", opts.Auth)
	}
	if _, ok := opts.Settings["table"]; ok {
		t.Fatal("table must not be passed as a server setting")
	}

	bare, err := options("localhost:9000")
	if err != nil || bare.Auth.Username != "default" {
		t.Fatalf("bare address: %+v %v", bare, err)
	}
}
