package client

import (
	"encoding/json"
	"time"
)

// Connection is the connection status of one catalog device.
type Connection struct {
	DeviceID  string    `json:"device_id"`
	TypeID    string    `json:"device_type"`
	Address   string    `json:"address"`
	DriverID  string    `json:"driver_id"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceTaskRequest runs a transport action. Payload travels as base64.
type DeviceTaskRequest struct {
	Slot       uint32 `json:"slot"`
	DeviceType string `json:"device_type,omitempty"`
	Address    string `json:"address"`
	Driver     string `json:"driver"`
	Action     string `json:"action"`
	Payload    []byte `json:"payload,omitempty"`
	TimeoutMs  int64  `json:"timeout_ms,omitempty"`
}

// HostTaskRequest runs a named host processor.
type HostTaskRequest struct {
	Slot      uint32          `json:"slot"`
	TaskName  string          `json:"task_name"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`
}

// TaskResult is the single outcome of a task: kind is result, timeout or error.
type TaskResult struct {
	TaskID  uint64          `json:"task_id"`
	Kind    string          `json:"kind"`
	Data    []byte          `json:"data,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Buffer is the reservoir content for one address.
type Buffer struct {
	Address string `json:"address"`
	Len     int    `json:"len"`
	Data    []byte `json:"data,omitempty"`
}

// DriverInfo describes a registered communicator or processor.
type DriverInfo struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Protocol string `json:"protocol,omitempty"`
	TaskName string `json:"task_name,omitempty"`
}

// PoolStats are worker pool counters of one dispatcher.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Busy       int64 `json:"busy"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Dropped    int64 `json:"dropped"`
}

// DispatchStats covers both dispatchers and the outstanding task count.
type DispatchStats struct {
	Device  PoolStats `json:"device"`
	Host    PoolStats `json:"host"`
	Pending int       `json:"pending"`
}

// ErrorResponse represents error response from API
type ErrorResponse struct {
	Error string `json:"error"`
}
