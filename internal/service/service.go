// Package service wires the metrics engine, anomaly detector, evidence
// collector and issue manager behind the operation set used by the HTTP API
// and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/techiepookie/arguxai/internal/ai"
	"github.com/techiepookie/arguxai/internal/config"
	"github.com/techiepookie/arguxai/internal/detector"
	"github.com/techiepookie/arguxai/internal/evidence"
	"github.com/techiepookie/arguxai/internal/issues"
	"github.com/techiepookie/arguxai/internal/metrics"
	"github.com/techiepookie/arguxai/internal/storage"
	"github.com/techiepookie/arguxai/internal/telemetry"
	"github.com/techiepookie/arguxai/internal/types"
	"github.com/techiepookie/arguxai/internal/window"
)

// Config holds service dependencies. Only Settings is required.
type Config struct {
	Settings *config.Config

	// Funnels seed an empty funnel store. Defaults to config.DefaultFunnels.
	Funnels []*types.Funnel

	// Store is opened from Settings when nil and closed by Close
	Store storage.Storage

	// Diagnoser is built from Settings.AI when nil. When no API key is
	// available every diagnosis is the fallback.
	Diagnoser issues.Diagnoser

	// Measurement overrides Settings.Measurement.Strategy
	Measurement issues.MeasurementStrategy

	// Now is the clock for ingestion, detection and lifecycle stamps
	Now func() time.Time

	Metrics *telemetry.Metrics
	Logger  *zerolog.Logger
}

// Service is the application facade
type Service struct {
	store     storage.Storage
	ownsStore bool
	engine    *metrics.Engine
	detector  *detector.Detector
	resolver  window.Resolver
	manager   *issues.Manager
	diagnoser issues.Diagnoser
	now       func() time.Time
	metrics   *telemetry.Metrics
	log       zerolog.Logger

	// funnelMu serializes funnel writes with the completion refresh
	funnelMu sync.Mutex
}

// New builds every component and loads existing issues into the manager's cache
func New(ctx context.Context, cfg *Config) (*Service, error) {
	if cfg == nil || cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	settings := cfg.Settings

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "service").Logger()
	}

	funnels := cfg.Funnels
	if len(funnels) == 0 {
		funnels = config.DefaultFunnels()
	}

	s := &Service{
		store:   cfg.Store,
		now:     now,
		metrics: cfg.Metrics,
		log:     log,
	}

	if s.store == nil {
		store, err := storage.NewStorage(ctx, storageConfig(settings))
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		s.store = store
		s.ownsStore = true
	}

	if err := s.build(ctx, cfg, funnels); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, cfg *Config, funnels []*types.Funnel) error {
	settings := cfg.Settings

	engine, err := metrics.NewEngine(s.store, &metrics.Config{
		MinDropPercent: settings.Detection.MinDropPercent,
		Completion:     metrics.DefaultCompletionMarkers(),
		Logger:         cfg.Logger,
	})
	if err != nil {
		return err
	}
	s.engine = engine

	stored, err := s.seedFunnels(ctx, funnels)
	if err != nil {
		return err
	}

	det, err := detector.New(engine, &detector.Config{
		MinDropPercent:  settings.Detection.MinDropPercent,
		MinSampleSize:   settings.Detection.MinSampleSize,
		SigmaThreshold:  settings.Detection.SigmaThreshold,
		ScanConcurrency: settings.Detection.ScanConcurrency,
		Now:             s.now,
		Logger:          cfg.Logger,
	})
	if err != nil {
		return err
	}
	s.detector = det

	resolver, err := window.New(settings.Window.Strategy, s.store, s.now)
	if err != nil {
		return err
	}
	s.resolver = resolver

	s.diagnoser = cfg.Diagnoser
	if s.diagnoser == nil {
		s.diagnoser = s.newDiagnoser(settings, cfg.Logger)
	}

	measurement := cfg.Measurement
	if measurement == nil {
		measurement = newMeasurement(settings, engine, s.now)
	}

	mcfg := issues.DefaultConfig()
	mcfg.DiagnosisTimeout = settings.AI.Timeout
	mcfg.Measurement = measurement
	mcfg.Now = s.now
	mcfg.Metrics = s.metrics
	mcfg.Logger = cfg.Logger
	manager, err := issues.NewManager(s.store, evidence.NewCollector(s.store, evidence.DefaultRules(), cfg.Logger), s.diagnoser, mcfg)
	if err != nil {
		return err
	}
	s.manager = manager

	n, err := manager.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load issues: %w", err)
	}
	s.log.Info().Int("issues", n).Int("funnels", len(stored)).Msg("Service ready")
	return nil
}

// newDiagnoser returns nil when the provider cannot be configured
func (s *Service) newDiagnoser(settings *config.Config, logger *zerolog.Logger) issues.Diagnoser {
	retry := ai.DefaultRetryConfig()
	retry.MaxRetries = settings.AI.MaxRetries
	if settings.AI.RequestsPerMinute > 0 {
		retry.RequestsPerMinute = settings.AI.RequestsPerMinute
	}
	if settings.AI.MaxConcurrent > 0 {
		retry.MaxConcurrentCalls = settings.AI.MaxConcurrent
	}

	d, err := ai.NewDiagnoser(&ai.Config{
		APIKey:  settings.AI.APIKey,
		Model:   settings.AI.Model,
		BaseURL: settings.AI.BaseURL,
		Timeout: settings.AI.Timeout,
		Retry:   retry,
		Logger:  logger,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("AI diagnosis unavailable, issues will receive fallback diagnoses")
		return nil
	}
	return d
}

func newMeasurement(settings *config.Config, engine *metrics.Engine, now func() time.Time) issues.MeasurementStrategy {
	if strings.EqualFold(settings.Measurement.Strategy, config.MeasurementSimulated) {
		return issues.NewSimulatedMeasurement(nil)
	}
	return &issues.MetricsMeasurement{
		Calc:   engine,
		Window: settings.Measurement.Window,
		Now:    now,
	}
}

func storageConfig(settings *config.Config) *storage.Config {
	if settings.UsesPostgres() {
		return &storage.Config{Backend: storage.BackendPostgres, PostgresDSN: settings.Storage.PostgresDSN}
	}
	return &storage.Config{Backend: storage.BackendSQLite, Path: settings.Storage.Path}
}

// Close releases the store if the service opened it
func (s *Service) Close() error {
	if s.ownsStore && s.store != nil {
		return s.store.Close()
	}
	return nil
}

// CalculateFunnelMetrics computes metrics for step over the named period
func (s *Service) CalculateFunnelMetrics(ctx context.Context, step, period string) (*types.FunnelMetrics, error) {
	if strings.TrimSpace(step) == "" {
		return nil, fmt.Errorf("%w: funnel step is required", types.ErrInvalidInput)
	}
	w, err := s.resolver.Resolve(ctx, period)
	if err != nil {
		return nil, err
	}
	return s.engine.Calculate(ctx, step, w)
}

// CompareWithBaseline compares the current window against the baseline window for step
func (s *Service) CompareWithBaseline(ctx context.Context, step string) (*types.ComparisonMetrics, error) {
	if strings.TrimSpace(step) == "" {
		return nil, fmt.Errorf("%w: funnel step is required", types.ErrInvalidInput)
	}
	current, baseline, err := s.resolver.Pair(ctx)
	if err != nil {
		return nil, err
	}
	return s.engine.Compare(ctx, step, current, baseline)
}

// CompareWindows compares step over explicit current and baseline windows
func (s *Service) CompareWindows(ctx context.Context, step string, current, baseline types.Window) (*types.ComparisonMetrics, error) {
	if strings.TrimSpace(step) == "" {
		return nil, fmt.Errorf("%w: funnel step is required", types.ErrInvalidInput)
	}
	if err := current.Validate(); err != nil {
		return nil, fmt.Errorf("%w: current window: %v", types.ErrInvalidInput, err)
	}
	if err := baseline.Validate(); err != nil {
		return nil, fmt.Errorf("%w: baseline window: %v", types.ErrInvalidInput, err)
	}
	return s.engine.Compare(ctx, step, current, baseline)
}

// ScanAllFunnelSteps runs detection over steps, or every configured step
// when steps is empty. An empty event store yields no anomalies.
func (s *Service) ScanAllFunnelSteps(ctx context.Context, steps []string) ([]*types.Anomaly, error) {
	if len(steps) == 0 {
		all, err := s.Steps(ctx)
		if err != nil {
			return nil, err
		}
		steps = all
	}

	current, baseline, err := s.resolver.Pair(ctx)
	if errors.Is(err, types.ErrNoData) {
		s.log.Info().Msg("No events stored, skipping scan")
		return []*types.Anomaly{}, nil
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	anomalies, err := s.detector.ScanAll(ctx, steps, current, baseline)
	s.metrics.ObserveScan(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	for _, a := range anomalies {
		s.metrics.RecordAnomaly(a.FunnelStep)
	}
	if anomalies == nil {
		anomalies = []*types.Anomaly{}
	}
	return anomalies, nil
}

// ScanAndCreate scans steps and opens an issue for every anomaly found.
// Issues that could not be created are reported in the joined error
// alongside the ones that were.
func (s *Service) ScanAndCreate(ctx context.Context, steps []string, autoDiagnose bool) ([]*types.Issue, error) {
	anomalies, err := s.ScanAllFunnelSteps(ctx, steps)
	if err != nil {
		return nil, err
	}

	created := make([]*types.Issue, 0, len(anomalies))
	var errs []error
	for _, a := range anomalies {
		issue, err := s.manager.Create(ctx, a, autoDiagnose)
		if err != nil {
			s.log.Error().Err(err).Str("funnel_step", a.FunnelStep).Msg("Failed to create issue for anomaly")
			errs = append(errs, fmt.Errorf("%s: %w", a.FunnelStep, err))
			continue
		}
		created = append(created, issue)
	}
	return created, errors.Join(errs...)
}

// CreateIssue opens an issue for anomaly
func (s *Service) CreateIssue(ctx context.Context, anomaly *types.Anomaly, autoDiagnose bool) (*types.Issue, error) {
	return s.manager.Create(ctx, anomaly, autoDiagnose)
}

// GetIssue returns one issue
func (s *Service) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	return s.manager.Get(ctx, id)
}

// ListIssues returns issues newest first
func (s *Service) ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error) {
	return s.manager.List(ctx, filter)
}

// DiagnoseIssue (re)diagnoses an issue
func (s *Service) DiagnoseIssue(ctx context.Context, id string) (*types.Issue, error) {
	return s.manager.Diagnose(ctx, id)
}

// MarkFixed records that a fix shipped
func (s *Service) MarkFixed(ctx context.Context, id string, commitRef, prRef *string) (*types.Issue, error) {
	return s.manager.MarkFixed(ctx, id, commitRef, prRef)
}

// MeasureImpact records the post-fix conversion rate and uplift
func (s *Service) MeasureImpact(ctx context.Context, id string) (*types.Issue, error) {
	return s.manager.MeasureImpact(ctx, id)
}

// LinkTicket attaches an external ticket reference
func (s *Service) LinkTicket(ctx context.Context, id, ticketRef string) (*types.Issue, error) {
	return s.manager.LinkTicket(ctx, id, ticketRef)
}

// IngestEvents validates and stores a batch of SDK events.
// Invalid events are rejected individually; the rest are stored.
func (s *Service) IngestEvents(ctx context.Context, events []*types.Event) (*types.IngestResult, error) {
	batchID := uuid.New().String()

	valid, rejections, err := types.ValidateEventBatch(events, s.now())
	if err != nil {
		s.metrics.RecordIngest(0, 0, len(events))
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}

	result := &types.IngestResult{}
	if len(valid) > 0 {
		result, err = s.store.Ingest(ctx, valid)
		if err != nil {
			return nil, fmt.Errorf("failed to ingest batch %s: %w", batchID, err)
		}
	}
	result.BatchID = batchID
	result.Rejected += len(rejections)
	result.Errors = append(result.Errors, rejections...)

	s.metrics.RecordIngest(result.Ingested, result.Duplicates, result.Rejected)

	ev := s.log.Info()
	if result.Rejected > 0 || result.Duplicates > 0 {
		ev = s.log.Warn()
	}
	ev.Str("batch_id", batchID).
		Int("ingested", result.Ingested).
		Int("duplicates", result.Duplicates).
		Int("rejected", result.Rejected).
		Msg("Event batch processed")
	return result, nil
}

// HealthStatus summarizes dependency health
type HealthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	AI       string `json:"ai"`
	Window   string `json:"window,omitempty"`
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Health checks the store and the diagnosis provider. A missing provider
// degrades but does not fail the service.
func (s *Service) Health(ctx context.Context) *HealthStatus {
	h := &HealthStatus{Status: "healthy", Database: "ok", AI: "ok"}

	bounds, err := s.store.TimeBounds(ctx)
	switch {
	case errors.Is(err, types.ErrNoData):
		h.Window = "empty"
	case err != nil:
		h.Status = "unhealthy"
		h.Database = err.Error()
	default:
		h.Window = bounds.String()
	}

	switch d := s.diagnoser.(type) {
	case nil:
		h.AI = "unconfigured"
		if h.Status == "healthy" {
			h.Status = "degraded"
		}
	case healthChecker:
		if err := d.HealthCheck(ctx); err != nil {
			h.AI = err.Error()
			if h.Status == "healthy" {
				h.Status = "degraded"
			}
		}
	}
	return h
}
