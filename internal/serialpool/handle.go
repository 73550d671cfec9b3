package serialpool

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lzdev42/catalytic-sub000/internal/metrics"
)

const readChunkSize = 4096

// Handle is one open port. Send, Query and Read hold the port exclusively
// for their whole duration.
type Handle struct {
	name   string
	baud   int
	port   Port
	cfg    Config
	access *semaphore.Weighted

	closed    atomic.Bool
	closeOnce sync.Once
}

func (h *Handle) Name() string  { return h.name }
func (h *Handle) BaudRate() int { return h.baud }
func (h *Handle) IsOpen() bool  { return !h.closed.Load() }

// Send discards stale input, writes data and waits for it to leave the
// output buffer.
func (h *Handle) Send(ctx context.Context, data []byte) error {
	if err := h.lock(ctx); err != nil {
		return err
	}
	defer h.access.Release(1)

	h.discardInput()
	return h.write(ctx, data)
}

// Query writes data and collects the reply until a '\n' or '\r' byte
// arrives. When timeout elapses first the bytes read so far are returned
// without an error. A non-positive timeout uses the configured read timeout.
func (h *Handle) Query(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	if err := h.lock(ctx); err != nil {
		return nil, err
	}
	defer h.access.Release(1)

	h.discardInput()
	if err := h.write(ctx, data); err != nil {
		return nil, err
	}
	return h.readLine(ctx, timeout)
}

// Read collects whatever arrives until the first line terminator or the
// timeout, like the read half of Query.
func (h *Handle) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := h.lock(ctx); err != nil {
		return nil, err
	}
	defer h.access.Release(1)
	return h.readLine(ctx, timeout)
}

func (h *Handle) lock(ctx context.Context) error {
	if h.closed.Load() {
		return ErrPortClosed
	}
	if err := h.access.Acquire(ctx, 1); err != nil {
		return err
	}
	if h.closed.Load() {
		h.access.Release(1)
		return ErrPortClosed
	}
	return nil
}

func (h *Handle) discardInput() {
	if err := h.port.ResetInputBuffer(); err != nil {
		h.cfg.Logger.Debug("serial reset input failed", "port", h.name, "error", err)
	}
}

// write gives up after the write timeout. The port is closed in that case
// because the state of a half-written frame is unknown.
func (h *Handle) write(ctx context.Context, data []byte) error {
	done := make(chan error, 1)
	go func() {
		for len(data) > 0 {
			n, err := h.port.Write(data)
			if err != nil {
				done <- err
				return
			}
			data = data[n:]
		}
		done <- h.port.Drain()
	}()

	timer := time.NewTimer(h.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			h.fail(err)
		}
		return err
	case <-timer.C:
		h.fail(ErrWriteTimeout)
		return ErrWriteTimeout
	case <-ctx.Done():
		h.fail(ctx.Err())
		return ctx.Err()
	}
}

func (h *Handle) readLine(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = h.cfg.ReadTimeout
	}
	deadline := time.Now().Add(timeout)
	buf := make([]byte, readChunkSize)
	out := []byte{}
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if !time.Now().Before(deadline) {
			return out, nil
		}
		// The port was opened with a read timeout of one poll interval, so
		// an idle line yields n == 0 and no error.
		n, err := h.port.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			out = append(out, chunk...)
			if bytes.ContainsAny(chunk, "\r\n") {
				return out, nil
			}
		}
		if err != nil {
			h.fail(err)
			return out, err
		}
	}
}

func (h *Handle) fail(err error) {
	h.cfg.Logger.Warn("serial port failed, closing", "port", h.name, "error", err)
	h.close()
}

func (h *Handle) close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		if err := h.port.Close(); err != nil {
			h.cfg.Logger.Debug("serial close failed", "port", h.name, "error", err)
		}
		metrics.AddSerialPorts(-1)
		h.cfg.Logger.Info("serial port closed", "port", h.name)
	})
}
