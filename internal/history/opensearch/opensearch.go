// Package opensearch indexes history events through the OpenSearch (or
// Elasticsearch) document API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lzdev42/catalytic-sub000/internal/history"
)

// DefaultIndex is used when the DSN path names no index.
const DefaultIndex = "catalytic-history"

const errorBodyLimit = 512

// document is the indexed shape: record fields at top level so dashboards
// can filter on device_id or outcome without nested mappings.
type document struct {
	Timestamp time.Time         `json:"@timestamp"`
	Type      history.EventType `json:"type"`
	history.Record
}

type Option func(*Sink)

// WithDailyIndex writes to "<index>-YYYY.MM.DD", keyed by the event time.
func WithDailyIndex() Option { return func(s *Sink) { s.daily = true } }

func WithHTTPClient(c *http.Client) Option { return func(s *Sink) { s.client = c } }

// Sink POSTs one document per event to baseURL/<index>/_doc.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
	daily   bool
}

func New(baseURL, index string, opts ...Option) *Sink {
	if index == "" {
		index = DefaultIndex
	}
	s := &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sink) indexFor(at time.Time) string {
	if !s.daily {
		return s.index
	}
	if at.IsZero() {
		at = time.Now()
	}
	return s.index + "-" + at.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(document{Timestamp: e.OccurredAt, Type: e.Type, Record: e.Record})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.indexFor(e.OccurredAt))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		if msg := strings.TrimSpace(string(body)); msg != "" {
			return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
