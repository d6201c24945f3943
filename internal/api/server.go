package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/tryextender/internal/auth"
	"github.com/mattjoyce/tryextender/internal/classify"
	"github.com/mattjoyce/tryextender/internal/events"
	"github.com/mattjoyce/tryextender/internal/publish"
	"github.com/mattjoyce/tryextender/internal/queue"
)

// Classifier produces revision reports.
type Classifier interface {
	Classify(ctx context.Context, rev string) (*classify.Report, error)
}

// JobQueuer defines the interface for trigger queue operations
type JobQueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, bool, error)
	GetJobByID(ctx context.Context, jobID string) (*queue.Job, error)
	Depth(ctx context.Context) (map[queue.Priority]int, error)
}

// CatalogReloader is satisfied by *watch.Watcher.
type CatalogReloader interface {
	Tick(ctx context.Context) (bool, error)
	Fingerprint() string
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// MaxAttempts is stamped on every enqueued trigger job.
	MaxAttempts int
	// CatalogHookPath mounts Deps.CatalogHook. The hook authenticates
	// requests itself.
	CatalogHookPath string
}

// Deps are the collaborators behind the handlers. Metrics and Sink may be nil.
type Deps struct {
	Classifier Classifier
	Queue      JobQueuer
	Catalog    CatalogReloader
	Events     *events.Hub
	Metrics    http.Handler
	Sink       publish.Sink
	// CatalogHook is optional.
	CatalogHook http.Handler
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Classification waits on the build-status service.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if s.deps.CatalogHook != nil && s.config.CatalogHookPath != "" {
		r.Method(http.MethodPost, s.config.CatalogHookPath, s.deps.CatalogHook)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeReportsRead)).Get("/revisions/{rev}", s.handleGetRevision)
		r.With(s.requireScopes(auth.ScopeTriggersWrite)).Post("/revisions/{rev}/trigger", s.handleTrigger)
		r.With(s.requireScopes(auth.ScopeTriggersRead)).Get("/jobs/{jobID}", s.handleGetJob)
		r.With(s.requireScopes(auth.ScopeCatalogWrite)).Post("/catalog/reload", s.handleCatalogReload)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
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
