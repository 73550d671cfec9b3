// Package driver defines the pluggable transport and host-task contract and
// the registry that resolves tasks to drivers.
package driver

import (
	"context"
	"log/slog"
	"time"
)

// Communicator performs transport-level actions against a device address.
type Communicator interface {
	// ID is the plugin id, e.g. "catalytic.serial".
	ID() string
	// Protocol is the transport name, e.g. "serial" or "tcp".
	Protocol() string
	Activate(ctx context.Context, host Context) error
	Deactivate(ctx context.Context) error
	// Execute runs action against address. ctx carries the task deadline;
	// timeout is the same budget for drivers that bound their own read loops.
	Execute(ctx context.Context, address, action string, payload []byte, timeout time.Duration) ([]byte, error)
}

// Processor runs a named host-side task.
type Processor interface {
	ID() string
	TaskName() string
	Activate(ctx context.Context, host Context) error
	Deactivate(ctx context.Context) error
	// Execute receives the task's JSON parameters.
	Execute(ctx context.Context, params []byte) ([]byte, error)
}

// Context is the host surface a driver sees after activation.
type Context interface {
	Logger() *slog.Logger
	// Communicator lets processors borrow a transport by id or protocol.
	Communicator(selector string) (Communicator, bool)
	PushEvent(eventType string, data []byte)
	PushData(address string, data []byte)
	PushDisconnected(address string)
}

// Info describes a registered driver for listings.
type Info struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Protocol string `json:"protocol,omitempty"`
	TaskName string `json:"task_name,omitempty"`
}
