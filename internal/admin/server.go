// Package admin serves the engine's HTTP control surface: status, liveness,
// readiness, Prometheus metrics and a shutdown trigger.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/internal/pipeline"
)

// Engine is the part of the engine the admin surface reads and drives
type Engine interface {
	Status() pipeline.EngineStatus
	Ready() bool
	Stopping() bool
	Shutdown()
}

// Options configures a Server
type Options struct {
	// Gatherer backs /metrics; defaults to the Prometheus default registry
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server is the admin HTTP server
type Server struct {
	addr     string
	engine   Engine
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	bound    string
	stopping bool
}

// NewServer creates an admin server for engine listening on addr
func NewServer(addr string, engine Engine, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		addr:     addr,
		engine:   engine,
		gatherer: opts.Gatherer,
		logger:   opts.Logger.With(zap.String("component", "admin")),
	}
}

// Handler returns the admin routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /livez", s.handleLive)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("POST /pipeline-groups/shutdown", s.handleShutdown)
	return mux
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("admin server already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.bound = ln.Addr().String()

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("admin server listening", zap.String("addr", s.bound))
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Shutdown stops the server, waiting for in-flight requests until ctx is done
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady is 200 once every pipeline started and until a drain began,
// whether asked for here or by a signal
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	stopping = stopping || s.engine.Stopping()

	switch {
	case stopping:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
	case !s.engine.Ready():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.logger.Info("shutdown requested over admin api")
	s.engine.Shutdown()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutdown_requested"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
