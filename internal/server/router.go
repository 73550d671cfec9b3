package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lzdev42/catalytic-sub000/internal/device"
	"github.com/lzdev42/catalytic-sub000/internal/dispatch"
	"github.com/lzdev42/catalytic-sub000/internal/driver"
	"github.com/lzdev42/catalytic-sub000/internal/engine"
	"github.com/lzdev42/catalytic-sub000/internal/metrics"
	"github.com/lzdev42/catalytic-sub000/internal/reservoir"
)

// Backend is what the control API drives. Every field except Logger and
// DefaultTimeout is required.
type Backend struct {
	Devices        *device.Manager
	Tasks          *engine.Registry
	DeviceDispatch *dispatch.DeviceDispatcher
	HostDispatch   *dispatch.HostDispatcher
	Reservoir      *reservoir.Reservoir
	Drivers        *driver.Registry
	// DefaultTimeout is the dispatcher fallback applied when a request
	// carries no timeout_ms; the wait for an outcome is derived from it.
	DefaultTimeout time.Duration
	Metrics        bool
	Logger         *slog.Logger
}

// Router provides embeddable HTTP handlers for the bridge.
// Endpoints, all under basePath:
//
//	GET    /devices                 connection status of every catalog device
//	GET    /devices/:id             one device
//	POST   /devices/:id/connect     connect (idempotent)
//	POST   /devices/:id/disconnect  disconnect
//	DELETE /devices/:id             disconnect and stop tracking
//	POST   /tasks                   run a device task and wait for its outcome
//	POST   /host-tasks              run a host task and wait for its outcome
//	GET    /reservoir               buffered byte counts per address
//	GET    /reservoir/*address      peek buffered bytes
//	DELETE /reservoir/*address      discard buffered bytes
//	GET    /drivers                 registered communicators and processors
//	GET    /dispatch/stats          worker pool counters
//	GET    /metrics                 prometheus, when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	b        Backend
	basePath string
	logger   *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(b Backend, basePath string) *Router {
	if b.DefaultTimeout <= 0 {
		b.DefaultTimeout = dispatch.DefaultTimeout
	}
	l := b.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Router{b: b, basePath: sanitizeBase(basePath), logger: l.With("component", "api")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register mounts the endpoints on an existing gin group.
func (r *Router) Register(group *gin.RouterGroup) {
	group.GET("/devices", r.handleDevices)
	group.GET("/devices/:id", r.handleDevice)
	group.POST("/devices/:id/connect", r.handleConnect)
	group.POST("/devices/:id/disconnect", r.handleDisconnect)
	group.DELETE("/devices/:id", r.handleRemove)
	group.POST("/tasks", r.handleDeviceTask)
	group.POST("/host-tasks", r.handleHostTask)
	group.GET("/reservoir", r.handleReservoirList)
	group.GET("/reservoir/*address", r.handleReservoirPeek)
	group.DELETE("/reservoir/*address", r.handleReservoirClear)
	group.GET("/drivers", r.handleDrivers)
	group.GET("/dispatch/stats", r.handleStats)
	if r.b.Metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
}

// Server is a running control API listener.
type Server struct {
	srv  *http.Server
	addr net.Addr
	done chan error
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() net.Addr { return s.addr }

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if serveErr := <-s.done; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return errors.Join(err, serveErr)
	}
	return err
}

// NewServer binds addr and serves the router in the background. A non-nil
// tlsConfig switches the listener to HTTPS.
func NewServer(addr, basePath string, b Backend, tlsConfig *tls.Config) (*Server, error) {
	r := NewRouter(b, basePath)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	hs := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s := &Server{srv: hs, addr: ln.Addr(), done: make(chan error, 1)}
	go func() { s.done <- hs.Serve(ln) }()
	return s, nil
}

// --- Handlers ---

func (r *Router) handleDevices(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.Devices.StatusAll(c.Request.Context()))
}

func (r *Router) handleDevice(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	conn, found := r.b.Devices.Status(c.Request.Context(), id)
	if !found {
		fail(c, http.StatusNotFound, device.ErrDeviceNotFound.Error())
		return
	}
	writeJSON(c, http.StatusOK, conn)
}

func (r *Router) handleConnect(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	if err := r.b.Devices.Connect(c.Request.Context(), id); err != nil {
		r.logger.Warn("connect failed", "device_id", id, "err", err)
		fail(c, deviceErrorStatus(err), err.Error())
		return
	}
	r.handleDevice(c)
}

func (r *Router) handleDisconnect(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	if err := r.b.Devices.Disconnect(c.Request.Context(), id); err != nil {
		fail(c, deviceErrorStatus(err), err.Error())
		return
	}
	r.handleDevice(c)
}

func (r *Router) handleRemove(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}
	if err := r.b.Devices.Remove(c.Request.Context(), id); err != nil {
		fail(c, deviceErrorStatus(err), err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) handleDrivers(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.Drivers.List())
}

type statsResp struct {
	Device  dispatch.Stats `json:"device"`
	Host    dispatch.Stats `json:"host"`
	Pending int            `json:"pending"`
}

func (r *Router) handleStats(c *gin.Context) {
	writeJSON(c, http.StatusOK, statsResp{
		Device:  r.b.DeviceDispatch.Stats(),
		Host:    r.b.HostDispatch.Stats(),
		Pending: r.b.Tasks.Pending(),
	})
}
