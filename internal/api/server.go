// Package api serves the ArguxAI operation set over HTTP/JSON.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/techiepookie/arguxai/internal/service"
	"github.com/techiepookie/arguxai/internal/telemetry"
	"github.com/techiepookie/arguxai/internal/types"
)

// Service is the operation set exposed over HTTP
type Service interface {
	IngestEvents(ctx context.Context, events []*types.Event) (*types.IngestResult, error)
	CalculateFunnelMetrics(ctx context.Context, step, period string) (*types.FunnelMetrics, error)
	CompareWithBaseline(ctx context.Context, step string) (*types.ComparisonMetrics, error)
	CompareWindows(ctx context.Context, step string, current, baseline types.Window) (*types.ComparisonMetrics, error)
	ScanAllFunnelSteps(ctx context.Context, steps []string) ([]*types.Anomaly, error)
	ScanAndCreate(ctx context.Context, steps []string, autoDiagnose bool) ([]*types.Issue, error)
	CreateIssue(ctx context.Context, anomaly *types.Anomaly, autoDiagnose bool) (*types.Issue, error)
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error)
	DiagnoseIssue(ctx context.Context, id string) (*types.Issue, error)
	MarkFixed(ctx context.Context, id string, commitRef, prRef *string) (*types.Issue, error)
	MeasureImpact(ctx context.Context, id string) (*types.Issue, error)
	LinkTicket(ctx context.Context, id, ticketRef string) (*types.Issue, error)
	ListFunnels(ctx context.Context) ([]*types.Funnel, error)
	GetFunnel(ctx context.Context, name string) (*types.Funnel, error)
	CreateFunnel(ctx context.Context, f *types.Funnel) (*types.Funnel, error)
	UpdateFunnel(ctx context.Context, name string, f *types.Funnel) (*types.Funnel, error)
	DeleteFunnel(ctx context.Context, name string) error
	Health(ctx context.Context) *service.HealthStatus
}

// Config holds server configuration
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// MaxBodyBytes caps request bodies (default: 5MB)
	MaxBodyBytes int64

	Metrics *telemetry.Metrics
	Logger  *zerolog.Logger
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:            "127.0.0.1:8000", // Local-only by default
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    5 << 20,
	}
}

// Server is the HTTP front end
type Server struct {
	router  *mux.Router
	server  *http.Server
	svc     Service
	cfg     Config
	metrics *telemetry.Metrics
	log     zerolog.Logger
}

// NewServer creates a server over svc
func NewServer(svc Service, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "api").Logger()
	}

	s := &Server{
		router:  mux.NewRouter(),
		svc:     svc,
		cfg:     *cfg,
		metrics: cfg.Metrics,
		log:     log,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	// API routes sit on the root router. A subrouter repeats its prefix matcher on
	// every route, and mux clears a pending method mismatch each time that prefix
	// matches, so wrong methods would surface as 404.
	api := func(path string, h http.HandlerFunc, method string) {
		s.router.Handle(apiPrefix+path, s.jsonContentTypeMiddleware(h)).Methods(method)
	}

	api("/events", s.handleIngest, http.MethodPost)

	api("/metrics/{step}", s.handleMetrics, http.MethodGet)
	api("/metrics/{step}/compare", s.handleCompare, http.MethodGet)

	api("/scan", s.handleScan, http.MethodPost)

	api("/funnels", s.handleListFunnels, http.MethodGet)
	api("/funnels", s.handleCreateFunnel, http.MethodPost)
	api("/funnels/{name}", s.handleGetFunnel, http.MethodGet)
	api("/funnels/{name}", s.handleUpdateFunnel, http.MethodPut)
	api("/funnels/{name}", s.handleDeleteFunnel, http.MethodDelete)

	api("/issues", s.handleListIssues, http.MethodGet)
	api("/issues", s.handleCreateIssue, http.MethodPost)
	api("/issues/{id}", s.handleGetIssue, http.MethodGet)
	api("/issues/{id}/diagnose", s.handleDiagnose, http.MethodPost)
	api("/issues/{id}/fix", s.handleFix, http.MethodPost)
	api("/issues/{id}/measure", s.handleMeasure, http.MethodPost)
	api("/issues/{id}/ticket", s.handleTicket, http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
}

const apiPrefix = "/api/v1"

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id assigned to the request carrying ctx
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// requestIDMiddleware adds a unique request ID to each request.
// An incoming X-Request-ID header is honoured.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs and counts every request by route template
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		duration := time.Since(start)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.ObserveHTTP(route, r.Method, wrapper.statusCode, duration)

		ev := s.log.Info()
		if wrapper.statusCode >= http.StatusInternalServerError {
			ev = s.log.Error()
		}
		ev.Str("request_id", RequestID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", wrapper.statusCode).
			Dur("duration", duration).
			Str("remote", r.RemoteAddr).
			Msg("Request handled")
	})
}

// jsonContentTypeMiddleware sets JSON content type for API responses
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("Starting HTTP server")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.log.Info().Msg("Shutting down HTTP server")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWrapper) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWrapper) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}
