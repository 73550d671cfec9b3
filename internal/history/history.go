// Package history journals task outcomes and connection transitions to
// external analytics stores. The journal is write-only; nothing is read back.
package history

import (
	"context"
	"time"

	"github.com/lzdev42/catalytic-sub000/internal/device"
	"github.com/lzdev42/catalytic-sub000/internal/dispatch"
	"github.com/lzdev42/catalytic-sub000/internal/engine"
)

// EventType defines the kind of journal event.
type EventType string

const (
	EventTaskResult       EventType = "task.result"
	EventTaskTimeout      EventType = "task.timeout"
	EventTaskError        EventType = "task.error"
	EventDeviceTransition EventType = "device.transition"
)

// Record is the flattened payload shared by every sink. Task events fill
// the task fields, transitions fill DeviceID and State.
type Record struct {
	Kind       string `json:"kind,omitempty"`
	Slot       uint32 `json:"slot"`
	TaskID     uint64 `json:"task_id"`
	Target     string `json:"target,omitempty"`
	Action     string `json:"action,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	DeviceID   string `json:"device_id,omitempty"`
	State      string `json:"state,omitempty"`
}

// Event represents a journal entry to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// TaskEvent converts a dispatcher completion.
func TaskEvent(c dispatch.Completion) Event {
	t := EventTaskResult
	switch c.Outcome {
	case engine.OutcomeTimeout:
		t = EventTaskTimeout
	case engine.OutcomeError:
		t = EventTaskError
	}
	return Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Record: Record{
			Kind:       string(c.Kind),
			Slot:       c.Slot,
			TaskID:     c.TaskID,
			Target:     c.Target,
			Action:     c.Action,
			Outcome:    string(c.Outcome),
			Message:    c.Message,
			DurationMs: c.Duration.Milliseconds(),
		},
	}
}

// TransitionEvent converts a connection state change.
func TransitionEvent(c device.Connection) Event {
	at := c.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return Event{
		Type:       EventDeviceTransition,
		OccurredAt: at.UTC(),
		Record: Record{
			Kind:     "device",
			Target:   c.Address,
			Action:   c.DriverID,
			Message:  c.Error,
			DeviceID: c.DeviceID,
			State:    c.State.String(),
		},
	}
}

// Table is the journal table name used by the SQL sinks.
const Table = "catalytic_history"

// Columns lists the journal columns in the order Values returns them.
var Columns = []string{
	"occurred_at", "type", "kind", "slot", "task_id", "target",
	"action", "outcome", "message", "duration_ms", "device_id", "state",
}

// Values flattens e into one row over Columns. An empty message is nil so
// it lands as SQL NULL.
func (e Event) Values() []any {
	r := e.Record
	var msg any
	if r.Message != "" {
		msg = r.Message
	}
	return []any{
		e.OccurredAt.UTC(), string(e.Type), r.Kind, int64(r.Slot), int64(r.TaskID), r.Target,
		r.Action, r.Outcome, msg, r.DurationMs, r.DeviceID, r.State,
	}
}
