// Package netio provides protocol-agnostic TCP building blocks: a session
// server, a client, and a session manager that accumulates inbound bytes for
// framing layers above it.
package netio

import (
	"errors"
	"net"
	"time"
)

const (
	// SocketBufferSize is applied to both kernel send and receive buffers.
	SocketBufferSize = 64 * 1024
	// ReadChunkSize is the per-read buffer of every receive loop.
	ReadChunkSize   = 8192
	KeepAlivePeriod = 30 * time.Second
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrServerClosed    = errors.New("server closed")
	ErrNotStarted      = errors.New("not started")
	ErrNotConnected    = errors.New("not connected")
	ErrClientClosed    = errors.New("client closed")
)

// Tune applies the fixed low-latency socket settings: no Nagle, 64 KB
// buffers, keepalive. Non-TCP connections are left alone.
func Tune(c net.Conn) error {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	return errors.Join(
		tc.SetNoDelay(true),
		tc.SetReadBuffer(SocketBufferSize),
		tc.SetWriteBuffer(SocketBufferSize),
		tc.SetKeepAlive(true),
		tc.SetKeepAlivePeriod(KeepAlivePeriod),
	)
}
