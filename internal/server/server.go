// Package server exposes the runner over HTTP: the websocket endpoint, the
// Prometheus collectors, a health probe and JSON views of the running state.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/steveyegge/meditator/internal/events"
	"go.uber.org/zap"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":7627"

const shutdownTimeout = 5 * time.Second

// StateFunc returns the JSON view served on /state.
type StateFunc func() map[string]interface{}

// Config wires the server's handlers. Nil fields disable their routes.
type Config struct {
	Addr string
	// WebSocket serves /ws
	WebSocket http.Handler
	// Gatherer serves /metrics
	Gatherer prometheus.Gatherer
	State    StateFunc
	// Events serves /events
	Events events.EventStore
	Logger *zap.Logger
}

// Server is the HTTP front of a runner.
type Server struct {
	cfg    Config
	logger *zap.Logger
	router chi.Router
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger.Named("server")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	if cfg.WebSocket != nil {
		r.Handle("/ws", cfg.WebSocket)
	}
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if cfg.State != nil {
		r.Get("/state", s.state)
	}
	if cfg.Events != nil {
		r.Get("/events", s.recentEvents)
	}
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// hijacked websocket connections are not tracked by Shutdown
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.State())
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	filter := events.EventFilter{
		Component: r.URL.Query().Get("component"),
		Type:      events.EventType(r.URL.Query().Get("type")),
		Severity:  events.EventSeverity(r.URL.Query().Get("severity")),
		Limit:     50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	evs, err := s.cfg.Events.GetEvents(r.Context(), filter)
	if err != nil {
		s.logger.Warn("failed to query events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if evs == nil {
		evs = []*events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
