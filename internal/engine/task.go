// Package engine holds the boundary between the test-execution engine and the
// bridge: the task shapes the engine hands over, the submission contract it
// expects back, and an in-process registry of outstanding tasks.
package engine

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Status is the code returned to the engine from a dispatch callback.
type Status int

const (
	StatusAccepted Status = 0
	StatusRejected Status = -1
)

// DeviceTask asks a transport driver to perform an action against a device.
type DeviceTask struct {
	SlotID     uint32 `json:"slot"`
	TaskID     uint64 `json:"task_id"`
	DeviceType string `json:"device_type,omitempty"`
	Address    string `json:"address"`
	// Driver selects the communicator by plugin id or protocol.
	Driver    string `json:"driver"`
	Action    string `json:"action"`
	Payload   []byte `json:"payload,omitempty"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// HostTask asks a named host-side processor to run.
type HostTask struct {
	SlotID    uint32          `json:"slot"`
	TaskID    uint64          `json:"task_id"`
	TaskName  string          `json:"task_name"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeout_ms"`
}

// Timeout converts a millisecond budget; non-positive means fallback.
func Timeout(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// Submitter receives exactly one outcome per (slot, task id).
type Submitter interface {
	SubmitResult(slot uint32, taskID uint64, data []byte) error
	SubmitTimeout(slot uint32, taskID uint64) error
	SubmitError(slot uint32, taskID uint64, message string) error
}

var lastTaskID atomic.Uint64

// NextTaskID returns a process-unique, monotonically increasing task id.
func NextTaskID() uint64 { return lastTaskID.Add(1) }
