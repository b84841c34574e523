package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/metrics"
	"github.com/JakeFAU/listing-stream/internal/pipeline"
	"github.com/JakeFAU/listing-stream/internal/registry"
	"github.com/JakeFAU/listing-stream/internal/store"
)

// StreamPath is the websocket endpoint that triggers and follows a run.
const StreamPath = "/dl/ws/dl"

const (
	defaultOutboxSize   = 64
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	restTimeout         = 60 * time.Second
)

// RunCoordinator is the subset of pipeline.Coordinator the server needs.
type RunCoordinator interface {
	KeyFor(q string) pipeline.RunKey
	Attach(key pipeline.RunKey, sub registry.Subscriber) (string, func(), error)
	Active() []pipeline.RunInfo
}

// Config tunes websocket delivery.
type Config struct {
	// OutboxSize bounds the events buffered per connection.
	OutboxSize int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// PingInterval is how often idle connections are pinged.
	PingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutboxSize <= 0 {
		c.OutboxSize = defaultOutboxSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	return c
}

// Server wires HTTP handlers to the run coordinator and run store.
type Server struct {
	router   chi.Router
	runs     RunCoordinator
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger
	notReady atomic.Bool

	streamsMu sync.Mutex
	streams   map[*wsSubscriber]struct{}
}

// NewServer constructs a Server with middleware and routes. repo may be nil,
// in which case the history routes answer 503.
func NewServer(runs RunCoordinator, repo store.RunRepository, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runs:    runs,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("api"),
		streams: make(map[*wsSubscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	history := NewRunHandler(repo, runs, s.logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get(StreamPath, s.streamRun)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(restTimeout))
		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
		r.Route("/v1/runs", func(r chi.Router) {
			r.Get("/", history.ListActive)
			r.Get("/history", history.ListRuns)
			r.Get("/{run_id}", history.GetRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady toggles the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.notReady.Store(!ready)
}

// CloseStreams closes every open websocket after flushing its queued events.
// Call it once runs have been cancelled so their final error event reaches
// clients.
func (s *Server) CloseStreams() {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	for sub := range s.streams {
		sub.Close()
	}
}

func (s *Server) track(sub *wsSubscriber) {
	s.streamsMu.Lock()
	s.streams[sub] = struct{}{}
	s.streamsMu.Unlock()
}

func (s *Server) untrack(sub *wsSubscriber) {
	s.streamsMu.Lock()
	delete(s.streams, sub)
	s.streamsMu.Unlock()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.notReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request id stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// timeoutMiddleware is applied to REST routes only; http.TimeoutHandler
// cannot hijack connections.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
