package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lzdev42/catalytic-sub000/internal/history"
	"github.com/lzdev42/catalytic-sub000/internal/history/opensearch"
	"github.com/lzdev42/catalytic-sub000/internal/history/sqlite"
)

func TestFactoryDSNTypes(t *testing.T) {
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"OpenSearch without host", "opensearch:///logs", true},
		{"SQLite file DSN", "sqlite://" + filepath.Join(t.TempDir(), "a.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"SQLite bare path", filepath.Join(t.TempDir(), "b.db"), false},
		{"OpenSearch DSN", "opensearch://localhost:9200/bench-logs", false},
		{"HTTPS DSN", "https://search.lab:9200/journal", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(tt.dsn)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error for DSN %q, got nil", tt.dsn)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error for DSN %q: %v", tt.dsn, err)
			}
			if sink == nil {
				t.Fatalf("expected non-nil sink for DSN %q", tt.dsn)
			}
			if closer, ok := sink.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
		})
	}
}

func TestFactorySinkKinds(t *testing.T) {
	s, err := NewSinkFromDSN("sqlite://:memory:")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*sqlite.Sink); !ok {
		t.Fatalf("expected sqlite sink, got %T", s)
	}
	_ = s.(*sqlite.Sink).Close()

	s, err = NewSinkFromDSN("opensearch://localhost:9200")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*opensearch.Sink); !ok {
		t.Fatalf("expected opensearch sink, got %T", s)
	}
}

func TestParseOpenSearchTarget(t *testing.T) {
	tests := []struct {
		dsn  string
		want openSearchTarget
	}{
		{"opensearch://localhost:9200/bench-logs", openSearchTarget{baseURL: "http://localhost:9200", index: "bench-logs"}},
		{"opensearch://localhost:9200", openSearchTarget{baseURL: "http://localhost:9200"}},
		{"https://admin:pw@search.lab/logs/?daily=true", openSearchTarget{baseURL: "https://admin:pw@search.lab", index: "logs", daily: true}},
		{"opensearch://search.lab/logs?daily=nope", openSearchTarget{baseURL: "http://search.lab", index: "logs"}},
	}
	for _, tt := range tests {
		got, err := parseOpenSearchTarget(tt.dsn)
		if err != nil {
			t.Fatalf("%s: %v", tt.dsn, err)
		}
		if got != tt.want {
			t.Errorf("%s: got %+v want %+v", tt.dsn, got, tt.want)
		}
	}
}

func TestOpenSearchDSNRoundTrip(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	dsn := "opensearch://" + strings.TrimPrefix(server.URL, "http://") + "/bench"
	sink, err := NewSinkFromDSN(dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Send(context.Background(), history.Event{Type: history.EventDeviceTransition}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/bench/_doc" {
		t.Errorf("unexpected path %s", path)
	}
}

func TestParseClickHouseDSNUnreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	if _, err := NewSinkFromDSN("clickhouse://127.0.0.1:1/default?table=events"); err == nil {
		t.Error("expected connection error")
	}
}
