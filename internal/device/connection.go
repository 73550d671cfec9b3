// Package device tracks the logical connection state of configured devices.
package device

import (
	"fmt"
	"strings"
	"time"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "disconnected":
		*s = StateDisconnected
	case "connecting":
		*s = StateConnecting
	case "connected":
		*s = StateConnected
	case "error":
		*s = StateError
	default:
		return fmt.Errorf("unknown device state %q", string(b))
	}
	return nil
}

// Connection is an immutable snapshot of one device's tracking record.
// Every transition stores a new value; the manager compares records by
// pointer identity.
type Connection struct {
	DeviceID  string    `json:"device_id"`
	TypeID    string    `json:"device_type"`
	Address   string    `json:"address"`
	DriverID  string    `json:"driver_id"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newConnection(r Resolved) *Connection {
	return &Connection{
		DeviceID:  r.ID,
		TypeID:    r.TypeID,
		Address:   r.Address,
		DriverID:  r.DriverID,
		State:     StateDisconnected,
		UpdatedAt: time.Now(),
	}
}

func (c *Connection) with(s State, msg string) *Connection {
	next := *c
	next.State = s
	next.Error = msg
	next.UpdatedAt = time.Now()
	return &next
}
