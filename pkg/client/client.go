package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultBaseURL matches the server's default listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:8470/api"

// Client provides HTTP client functionality to communicate with the catalytic service
type Client struct {
	baseURL string
	client  *http.Client
	// tasks has no client timeout; calls are bounded by taskContext.
	tasks  *http.Client
	logger *slog.Logger
	wait   time.Duration
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds plain requests. Task calls add the task's own timeout.
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// APIError is a non-2xx answer carrying the server's error text.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: 10 * time.Second}
}

// New creates a new API client with TLS support
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("TLS setup failed: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		tasks:   &http.Client{Transport: transport},
		wait:    config.Timeout,
	}, nil
}

// IsReachable checks if the service is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	var out []DriverInfo
	err := c.do(ctx, http.MethodGet, "/drivers", nil, &out)
	if err != nil {
		c.logger.Debug("Service unreachable", "error", err)
		return false
	}
	return true
}

// Devices lists every catalog device with its connection state.
func (c *Client) Devices(ctx context.Context) ([]Connection, error) {
	var out []Connection
	return out, c.do(ctx, http.MethodGet, "/devices", nil, &out)
}

// Device returns one device's status.
func (c *Client) Device(ctx context.Context, id string) (Connection, error) {
	var out Connection
	return out, c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(id), nil, &out)
}

func (c *Client) Connect(ctx context.Context, id string) (Connection, error) {
	c.logger.Debug("Connecting device", "device_id", id)
	var out Connection
	return out, c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(id)+"/connect", nil, &out)
}

func (c *Client) Disconnect(ctx context.Context, id string) (Connection, error) {
	c.logger.Debug("Disconnecting device", "device_id", id)
	var out Connection
	return out, c.do(ctx, http.MethodPost, "/devices/"+url.PathEscape(id)+"/disconnect", nil, &out)
}

// Remove disconnects the device and drops its tracking record. The server
// answers 409 while the device is still in its catalog.
func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/devices/"+url.PathEscape(id), nil, nil)
}

// Exec runs a device task and waits for its outcome.
func (c *Client) Exec(ctx context.Context, req DeviceTaskRequest) (TaskResult, error) {
	c.logger.Debug("Running device task", "address", req.Address, "action", req.Action)
	var out TaskResult
	ctx, cancel := c.taskContext(ctx, req.TimeoutMs)
	defer cancel()
	return out, c.send(ctx, c.tasks, http.MethodPost, "/tasks", req, &out)
}

// Run runs a host task and waits for its outcome.
func (c *Client) Run(ctx context.Context, req HostTaskRequest) (TaskResult, error) {
	c.logger.Debug("Running host task", "task", req.TaskName)
	var out TaskResult
	ctx, cancel := c.taskContext(ctx, req.TimeoutMs)
	defer cancel()
	return out, c.send(ctx, c.tasks, http.MethodPost, "/host-tasks", req, &out)
}

func (c *Client) Buffers(ctx context.Context) ([]Buffer, error) {
	var out []Buffer
	return out, c.do(ctx, http.MethodGet, "/reservoir", nil, &out)
}

// Peek returns buffered bytes for address without draining them.
func (c *Client) Peek(ctx context.Context, address string) (Buffer, error) {
	var out Buffer
	return out, c.do(ctx, http.MethodGet, "/reservoir/"+escapeAddress(address), nil, &out)
}

func (c *Client) ClearBuffer(ctx context.Context, address string) error {
	return c.do(ctx, http.MethodDelete, "/reservoir/"+escapeAddress(address), nil, nil)
}

func (c *Client) Drivers(ctx context.Context) ([]DriverInfo, error) {
	var out []DriverInfo
	return out, c.do(ctx, http.MethodGet, "/drivers", nil, &out)
}

func (c *Client) Stats(ctx context.Context) (DispatchStats, error) {
	var out DispatchStats
	return out, c.do(ctx, http.MethodGet, "/dispatch/stats", nil, &out)
}

// taskContext lets a task call outlive the plain request timeout. The server
// holds the request for the task timeout plus a grace second; without one it
// falls back to its own default, which the caller's ctx must cover.
func (c *Client) taskContext(ctx context.Context, timeoutMs int64) (context.Context, context.CancelFunc) {
	if timeoutMs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond+time.Second+c.wait)
}

// escapeAddress keeps slashes so device paths map onto the wildcard route.
func escapeAddress(address string) string {
	parts := strings.Split(address, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.send(ctx, c.client, method, path, body, out)
}

// send performs a request with a JSON body and decodes a JSON answer into out.
func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
