// Package server is the HTTP front end that accepts trade requests and hands
// them to an execution backend.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"terminal-trader/internal/broker"
	"terminal-trader/internal/config"
	"terminal-trader/internal/logging"
	"terminal-trader/internal/metrics"
	"terminal-trader/internal/notify"
	"terminal-trader/internal/resilience"
	"terminal-trader/internal/security"
	"terminal-trader/internal/store"
)

const notifyTimeout = 15 * time.Second

// Server owns the executor for the lifetime of the process.
type Server struct {
	cfg        *config.Config
	exec       broker.Executor
	ready      *readiness
	placeMu    sync.Mutex // one placement at a time
	journal    store.Journal
	metrics    *metrics.Metrics
	audit      *security.AuditLogger
	notifier   *notify.Notifier
	notifyWG   sync.WaitGroup
	watchdog   *resilience.Watchdog
	logger     zerolog.Logger
	httpServer *http.Server
	now        func() time.Time
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Journal  store.Journal
	Metrics  *metrics.Metrics
	Audit    *security.AuditLogger
	Notifier *notify.Notifier
	Logger   zerolog.Logger
}

// New creates a server bound to cfg.Server.Addr.
func New(cfg *config.Config, exec broker.Executor, opts Options) *Server {
	s := &Server{
		cfg:      cfg,
		exec:     exec,
		ready:    newReadiness(exec),
		journal:  opts.Journal,
		metrics:  opts.Metrics,
		audit:    opts.Audit,
		notifier: opts.Notifier,
		logger:   opts.Logger.With().Str("component", "server").Logger(),
		now:      time.Now,
	}

	mux := http.NewServeMux()
	s.handle(mux, "POST /trade", s.handleTrade)
	s.handle(mux, "POST /execute-consensus", s.handleConsensus)
	s.handle(mux, "GET /health", s.handleHealth)
	s.handle(mux, "GET /screenshot", s.handleScreenshot)
	s.handle(mux, "POST /navigate", s.handleNavigate)
	s.handle(mux, "GET /executions", s.handleExecutions)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if cfg.Server.WatchdogInterval > 0 {
		s.watchdog = s.newWatchdog(cfg.Server.WatchdogInterval)
		mux.Handle("GET /livez", s.watchdog.LivenessHandler())
		mux.Handle("GET /readyz", s.watchdog.ReadinessHandler())
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Warmup starts the executor ahead of the first request. A failure is only
// logged; the next request retries.
func (s *Server) Warmup(ctx context.Context) {
	if err := s.ready.ensure(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Executor warmup failed, will retry on first request")
		return
	}
	s.logger.Info().Msg("Executor ready")
}

// Start listens and serves in the background. The watchdog runs until ctx
// is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	if s.watchdog != nil {
		go s.watchdog.Run(ctx)
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// the executor.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.notifyWG.Wait()
	if cerr := s.exec.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// handle wraps h with request id, logger and metrics middleware.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		logger := s.logger.With().Str("request_id", id).Logger()
		ctx := logging.WithLogger(logging.WithRequestID(r.Context(), id), logger)

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		rec.Header().Set("X-Request-ID", id)
		start := s.now()
		h(rec, r.WithContext(ctx))

		logger.Debug().Str("route", pattern).Int("status", rec.code).Dur("duration", s.now().Sub(start)).Msg("Request served")
		if s.metrics != nil {
			s.metrics.RequestServed(pattern, rec.code)
		}
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
