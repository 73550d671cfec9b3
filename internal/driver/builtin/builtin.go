// Package builtin holds the host processors that ship with catalytic and
// registers the default driver set.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lzdev42/catalytic-sub000/internal/driver"
	"github.com/lzdev42/catalytic-sub000/internal/driver/listencomm"
	"github.com/lzdev42/catalytic-sub000/internal/driver/serialcomm"
	"github.com/lzdev42/catalytic-sub000/internal/driver/tcpcomm"
	"github.com/lzdev42/catalytic-sub000/internal/serialpool"
)

// RegisterDefaults registers the serial, tcp and listen communicators and
// the delay and echo processors.
func RegisterDefaults(r *driver.Registry, serial serialpool.Config) error {
	for _, c := range []driver.Communicator{serialcomm.New(serial), tcpcomm.New(), listencomm.New()} {
		if err := r.RegisterCommunicator(c); err != nil {
			return err
		}
	}
	for _, p := range []driver.Processor{&Delay{}, &Echo{}} {
		if err := r.RegisterProcessor(p); err != nil {
			return err
		}
	}
	return nil
}

type base struct {
	logger *slog.Logger
}

func (b *base) Activate(_ context.Context, host driver.Context) error {
	b.logger = host.Logger()
	return nil
}

func (b *base) Deactivate(context.Context) error { return nil }

// Delay sleeps for {"ms": N} and reports {"slept_ms": N}.
type Delay struct{ base }

func (*Delay) ID() string       { return "catalytic.delay" }
func (*Delay) TaskName() string { return "delay" }

func (d *Delay) Execute(ctx context.Context, params []byte) ([]byte, error) {
	var p struct {
		Ms int64 `json:"ms"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("delay params: %w", err)
		}
	}
	if p.Ms < 0 {
		return nil, fmt.Errorf("delay params: negative ms %d", p.Ms)
	}
	t := time.NewTimer(time.Duration(p.Ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(map[string]int64{"slept_ms": p.Ms})
}

// Echo returns its params unchanged.
type Echo struct{ base }

func (*Echo) ID() string       { return "catalytic.echo" }
func (*Echo) TaskName() string { return "echo" }

func (*Echo) Execute(_ context.Context, params []byte) ([]byte, error) {
	return append([]byte{}, params...), nil
}
