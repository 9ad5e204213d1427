// Package relay owns the server lifecycle: it binds the listener, serves
// streams and the HTTP API, runs the operator console and drains every
// session on shutdown.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/stream-relay/backend/internal/config"
	"github.com/stream-relay/backend/internal/control"
	"github.com/stream-relay/backend/internal/logger"
	"github.com/stream-relay/backend/internal/models"
	"github.com/stream-relay/backend/internal/monitor"
	"github.com/stream-relay/backend/internal/session"
	"github.com/stream-relay/backend/internal/ws"
)

type State int32

const (
	StateStarting State = iota
	StateListening
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options wires the controller. Models, Monitor and Gatherer are optional;
// a nil ConsoleIn disables the operator console.
type Options struct {
	Config          *config.Config
	Registry        *session.Registry
	Dispatcher      *control.Dispatcher
	Streams         *ws.Server
	Models          *models.Handler
	Monitor         *monitor.Collector
	MonitorInterval time.Duration
	Gatherer        prometheus.Gatherer
	ConsoleIn       io.Reader
	ConsoleOut      io.Writer
	Log             logger.Logger
}

type Controller struct {
	cfg      *config.Config
	registry *session.Registry
	streams  *ws.Server
	monitor  *monitor.Collector
	interval time.Duration
	console  *control.Console
	handler  http.Handler
	log      logger.Logger

	state     atomic.Int32
	startedAt atomic.Int64 // unix nanos, zero until Run
	ready     chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once

	mu   sync.Mutex
	addr net.Addr
}

func New(opts Options) *Controller {
	c := &Controller{
		cfg:      opts.Config,
		registry: opts.Registry,
		streams:  opts.Streams,
		monitor:  opts.Monitor,
		interval: opts.MonitorInterval,
		log:      opts.Log.With(logger.F("component", "relay")),
		ready:    make(chan struct{}),
		stop:     make(chan struct{}),
	}

	if opts.ConsoleIn != nil {
		out := opts.ConsoleOut
		if out == nil {
			out = io.Discard
		}
		c.console = control.NewConsole(opts.ConsoleIn, out, opts.Registry, opts.Dispatcher, c.Shutdown, opts.Log)
	}

	mux := http.NewServeMux()
	opts.Streams.SetupRoutes(mux)
	if opts.Models != nil {
		opts.Models.SetupRoutes(mux)
	}
	if opts.Gatherer != nil && c.cfg.Metrics.Enabled {
		mux.Handle(c.cfg.Metrics.Path, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/api/status", c.handleStatus)
	c.handler = ws.SecurityHeaders(mux)

	return c
}

// Handler is the full HTTP surface, for tests that drive it without a
// listener.
func (c *Controller) Handler() http.Handler {
	return c.handler
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debug("state changed", logger.F("state", s.String()))
}

// Ready is closed once the listener is bound.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Addr is the bound listen address, or nil before Ready.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Shutdown asks a running controller to drain and stop. It returns
// immediately and is safe to call more than once or from any goroutine.
func (c *Controller) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Run binds the listener and serves until ctx is done, Shutdown is called
// or the operator enters EXIT. A bind failure is returned before anything
// is served. Every session is closed before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	addr := c.cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		c.setState(StateStopped)
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	c.mu.Lock()
	c.addr = ln.Addr()
	c.mu.Unlock()
	c.startedAt.Store(time.Now().UnixNano())
	c.setState(StateListening)
	close(c.ready)
	c.log.Info("relay listening", logger.F("addr", ln.Addr().String()))

	srv := &http.Server{
		Handler:           c.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})

	if c.console != nil {
		g.Go(func() error {
			return c.console.Run(gctx)
		})
	}

	if c.monitor != nil {
		g.Go(func() error {
			return c.monitor.Run(gctx, c.interval)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.stop:
		}
		defer cancel()
		return c.drain(srv)
	})

	err = g.Wait()
	c.setState(StateStopped)
	c.log.Info("relay stopped")
	return err
}

// drain stops admitting streams, closes every live session, stops the
// HTTP server and waits for the ingestion loops to finish.
func (c *Controller) drain(srv *http.Server) error {
	c.setState(StateDraining)
	closed := c.streams.Drain()
	c.log.Info("draining", logger.F("sessions_closed", closed))

	ctx := context.Background()
	if c.cfg.Server.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Server.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := c.streams.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for streams: %w", err))
	}
	return errors.Join(errs...)
}

type statusPayload struct {
	State         string                `json:"state"`
	Sessions      int                   `json:"sessions"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	Process       *monitor.ProcessStats `json:"process,omitempty"`
}

func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p := statusPayload{
		State:    c.State().String(),
		Sessions: c.registry.Len(),
	}
	if started := c.startedAt.Load(); started != 0 {
		p.UptimeSeconds = time.Since(time.Unix(0, started)).Seconds()
	}
	if c.monitor != nil {
		stats := c.monitor.Stats()
		p.Process = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p)
}
