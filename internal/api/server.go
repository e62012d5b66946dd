package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/hive/internal/execution"
	"github.com/mattjoyce/hive/internal/journal"
	"github.com/mattjoyce/hive/internal/process"
)

// Runner executes a script in a fresh worker and waits for its outcome,
// passing any task messages to handle.
type Runner interface {
	Run(ctx context.Context, script string, handle execution.MessageHandler) (*process.Result, error)
}

// JournalReader reads recorded executions.
type JournalReader interface {
	Get(ctx context.Context, id string) (*journal.Entry, error)
	List(ctx context.Context, limit int) ([]journal.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token required on every route except /healthz.
	APIKey        string
	MaxConcurrent int
	RunTimeout    time.Duration
	ScriptDir     string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	runner    Runner
	journal   JournalReader
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	events    *EventHub
	slots     *semaphore.Weighted
	running   atomic.Int64
}

// New creates a new API server instance
func New(config Config, runner Runner, journal JournalReader, logger *slog.Logger) *Server {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	return &Server{
		config:    config,
		runner:    runner,
		journal:   journal,
		logger:    logger,
		startedAt: time.Now(),
		events:    NewEventHub(256),
		slots:     semaphore.NewWeighted(int64(config.MaxConcurrent)),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.writeTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// writeTimeout leaves room for the longest synchronous run.
func (s *Server) writeTimeout() time.Duration {
	if s.config.RunTimeout > 0 {
		return s.config.RunTimeout + 30*time.Second
	}
	return 0
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/executions", s.handleCreateExecution)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{id}", s.handleGetExecution)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
