// Package monitor is the service's observation surface: the /events
// stream, the admin control endpoints and prometheus exposition. It
// only observes the orchestrator through the bus and the registry;
// nothing in the core depends on it.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/agent-forge/forge/internal/events"
	"github.com/agent-forge/forge/internal/registry"
)

// DefaultMaxSubscribers caps concurrent stream clients.
const DefaultMaxSubscribers = 100

// DefaultHeartbeat keeps idle stream connections open through
// intermediaries.
const DefaultHeartbeat = 30 * time.Second

// Options configures the monitor server.
type Options struct {
	// Addr is the listen address. ":0" picks an ephemeral port.
	Addr string

	Bus      *events.Bus
	Registry *registry.Registry

	// AdminToken authorizes the mutating control endpoints. Empty
	// disables them.
	AdminToken string

	// MaxSubscribers caps concurrent /events clients.
	MaxSubscribers int

	// Heartbeat is the stream keepalive period.
	Heartbeat time.Duration

	// OnReload is invoked by POST /reload.
	OnReload func() error

	// OnShutdown is invoked by POST /shutdown.
	OnShutdown func()

	Logger *logrus.Logger
}

// Server hosts the monitor endpoints.
type Server struct {
	addr       string
	bus        *events.Bus
	reg        *registry.Registry
	adminToken string
	maxSubs    int
	heartbeat  time.Duration
	onReload   func() error
	onShutdown func()
	log        *logrus.Entry

	httpServer *http.Server
	listener   net.Listener
	stream     *stream
}

// New creates the server without starting it.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxSubs := opts.MaxSubscribers
	if maxSubs <= 0 {
		maxSubs = DefaultMaxSubscribers
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}

	s := &Server{
		addr:       opts.Addr,
		bus:        opts.Bus,
		reg:        opts.Registry,
		adminToken: opts.AdminToken,
		maxSubs:    maxSubs,
		heartbeat:  heartbeat,
		onReload:   opts.OnReload,
		onShutdown: opts.OnShutdown,
		log:        logger.WithField("component", "monitor"),
	}
	s.stream = newStream(s.bus, maxSubs, heartbeat, s.log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.stream.handle)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /agents", s.authed(s.handleAgents))
	mux.HandleFunc("POST /agents/{id}/enable", s.authed(s.handleEnable(true)))
	mux.HandleFunc("POST /agents/{id}/disable", s.authed(s.handleEnable(false)))
	mux.HandleFunc("POST /reload", s.authed(s.handleReload))
	mux.HandleFunc("POST /shutdown", s.authed(s.handleShutdown))

	s.httpServer = &http.Server{Addr: opts.Addr, Handler: mux}
	return s
}

// Start begins serving. Non-blocking; the listener address is available
// from Addr afterwards.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("monitor listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("monitor server failed")
		}
	}()
	return nil
}

// Stop drains stream clients and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.stream.closeAll()
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string { return s.addr }

// authed wraps a control handler with bearer-token auth.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			http.Error(w, "control surface disabled", http.StatusForbidden)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.adminToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.bus == nil || !s.bus.Running() {
		http.Error(w, "bus down", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.reg == nil || !s.reg.AllIdle() {
		http.Error(w, "agents not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"status": "ready"})
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.reg.List(""))
}

func (s *Server) handleEnable(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := s.reg.SetEnabled(id, enable); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"agent": id, "enabled": enable})
	}
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if s.onReload == nil {
		http.Error(w, "reload unsupported", http.StatusNotImplemented)
		return
	}
	if err := s.onReload(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "reloaded"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	if s.onShutdown == nil {
		http.Error(w, "shutdown unsupported", http.StatusNotImplemented)
		return
	}
	writeJSON(w, map[string]any{"status": "shutting down"})
	// Let the response flush before the teardown starts.
	go s.onShutdown()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
