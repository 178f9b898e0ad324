// Package issues tracks anomalies from detection through a verified fix.
//
// The store is the single source of truth. The manager keeps a write-through
// cache of every issue it has seen; the cache is only updated after the store
// accepted a write, so a failed write never leaves the two out of step.
// Operations on one issue are serialized by a per-id lock; operations on
// different issues run in parallel.
package issues

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/techiepookie/arguxai/internal/metrics"
	"github.com/techiepookie/arguxai/internal/telemetry"
	"github.com/techiepookie/arguxai/internal/types"
)

// Store persists issues
type Store interface {
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	PutIssue(ctx context.Context, issue *types.Issue) error
	ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error)
}

// EvidenceCollector gathers evidence for a step and window
type EvidenceCollector interface {
	Collect(ctx context.Context, step string, w types.Window) (*types.Evidence, error)
}

// Diagnoser produces a root-cause diagnosis. Errors are absorbed by the
// manager and replaced with a fallback diagnosis.
type Diagnoser interface {
	Diagnose(ctx context.Context, anomaly *types.Anomaly, evidence *types.Evidence) (*types.Diagnosis, error)
}

// FallbackModel marks diagnoses produced without the provider
const FallbackModel = "fallback"

// Config holds manager configuration
type Config struct {
	DiagnosisTimeout time.Duration // bound on one provider call (default: 30s)
	EvidenceLookback time.Duration // evidence window before detected_at (default: 1h)

	// Measurement computes post-fix rates; MeasureImpact fails without one
	Measurement MeasurementStrategy

	// Now stamps lifecycle times; nil means time.Now
	Now func() time.Time

	Metrics *telemetry.Metrics
	Logger  *zerolog.Logger
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() *Config {
	return &Config{
		DiagnosisTimeout: 30 * time.Second,
		EvidenceLookback: time.Hour,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.DiagnosisTimeout <= 0 {
		return fmt.Errorf("diagnosis_timeout must be positive (got %v)", c.DiagnosisTimeout)
	}
	if c.EvidenceLookback <= 0 {
		return fmt.Errorf("evidence_lookback must be positive (got %v)", c.EvidenceLookback)
	}
	return nil
}

// Manager owns the issue lifecycle
type Manager struct {
	store     Store
	evidence  EvidenceCollector
	diagnoser Diagnoser
	measure   MeasurementStrategy
	cfg       Config
	now       func() time.Time
	metrics   *telemetry.Metrics
	log       zerolog.Logger
	tracer    trace.Tracer

	locks *keyedLock

	mu     sync.RWMutex
	cache  map[string]*types.Issue
	loaded bool
}

// NewManager creates a manager. diagnoser may be nil, in which case every
// diagnosis is the fallback.
func NewManager(store Store, evidence EvidenceCollector, diagnoser Diagnoser, cfg *Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("issue store is required")
	}
	if evidence == nil {
		return nil, fmt.Errorf("evidence collector is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid issue manager config: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "issues").Logger()
	}

	return &Manager{
		store:     store,
		evidence:  evidence,
		diagnoser: diagnoser,
		measure:   cfg.Measurement,
		cfg:       *cfg,
		now:       now,
		metrics:   cfg.Metrics,
		log:       log,
		tracer:    otel.Tracer("github.com/techiepookie/arguxai/internal/issues"),
		locks:     newKeyedLock(),
		cache:     make(map[string]*types.Issue),
	}, nil
}

// Load fills the cache from the store and returns the number of issues loaded
func (m *Manager) Load(ctx context.Context) (int, error) {
	all, err := m.store.ListIssues(ctx, types.IssueFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to load issues: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, issue := range all {
		m.cache[issue.ID] = issue.Clone()
	}
	m.loaded = true

	m.log.Info().Int("count", len(all)).Msg("Loaded issues from store")
	return len(all), nil
}

// Create opens an issue for an anomaly. Re-submitting the same anomaly
// returns the existing issue untouched.
func (m *Manager) Create(ctx context.Context, anomaly *types.Anomaly, autoDiagnose bool) (*types.Issue, error) {
	if anomaly == nil {
		return nil, fmt.Errorf("anomaly is required: %w", types.ErrInvalidInput)
	}
	if err := anomaly.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}

	id := types.IssueID(anomaly.FunnelStep, anomaly.DetectedAt)
	ctx, span := m.tracer.Start(ctx, "issues.Create", trace.WithAttributes(
		attribute.String("issue_id", id),
		attribute.String("funnel_step", anomaly.FunnelStep),
	))
	defer span.End()

	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := m.lookup(ctx, id)
	if err != nil {
		return nil, m.fail(span, err)
	}
	if existing != nil {
		m.log.Debug().Str("issue_id", id).Msg("Issue already exists")
		span.SetAttributes(attribute.Bool("existing", true))
		return existing, nil
	}

	w := types.Window{
		Start: anomaly.DetectedAt.Add(-m.cfg.EvidenceLookback),
		End:   anomaly.DetectedAt,
	}
	evidence, err := m.evidence.Collect(ctx, anomaly.FunnelStep, w)
	if err != nil {
		return nil, m.fail(span, fmt.Errorf("failed to collect evidence for %s: %w", id, err))
	}

	now := m.now()
	issue := &types.Issue{
		ID:        id,
		Status:    types.StatusDetected,
		Severity:  types.SeverityForDrop(anomaly.DropPercentage),
		Anomaly:   *anomaly,
		Evidence:  evidence,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.save(ctx, issue); err != nil {
		return nil, m.fail(span, err)
	}

	m.metrics.RecordIssueCreated(issue.Severity)
	m.metrics.RecordTransition(issue.Status)
	m.log.Info().
		Str("issue_id", id).
		Str("funnel_step", anomaly.FunnelStep).
		Str("severity", string(issue.Severity)).
		Float64("drop_percentage", anomaly.DropPercentage).
		Msg("Issue created")

	if autoDiagnose {
		if err := m.diagnoseLocked(ctx, issue); err != nil {
			return nil, m.fail(span, err)
		}
	}
	return issue.Clone(), nil
}

// Diagnose attaches a diagnosis and moves the issue to diagnosed.
// Provider failures produce a fallback diagnosis, not an error.
func (m *Manager) Diagnose(ctx context.Context, id string) (*types.Issue, error) {
	return m.mutate(ctx, "issues.Diagnose", id, func(ctx context.Context, issue *types.Issue) error {
		return m.diagnoseLocked(ctx, issue)
	})
}

// MarkFixed records the fix. Nil refs keep whatever was recorded before.
func (m *Manager) MarkFixed(ctx context.Context, id string, commitRef, prRef *string) (*types.Issue, error) {
	return m.mutate(ctx, "issues.MarkFixed", id, func(ctx context.Context, issue *types.Issue) error {
		if err := checkTransition(issue, types.StatusFixed); err != nil {
			return err
		}
		now := m.now()
		if commitRef != nil {
			issue.FixCommitRef = stringPtr(*commitRef)
		}
		if prRef != nil {
			issue.FixPRRef = stringPtr(*prRef)
		}
		issue.FixedAt = &now
		issue.Status = types.StatusFixed
		issue.UpdatedAt = now
		if err := m.save(ctx, issue); err != nil {
			return err
		}

		m.metrics.RecordTransition(issue.Status)
		m.log.Info().Str("issue_id", id).Msg("Issue marked as fixed")
		return nil
	})
}

// MeasureImpact records the post-fix rate and uplift and moves the issue to verified
func (m *Manager) MeasureImpact(ctx context.Context, id string) (*types.Issue, error) {
	return m.mutate(ctx, "issues.MeasureImpact", id, func(ctx context.Context, issue *types.Issue) error {
		if err := checkTransition(issue, types.StatusVerified); err != nil {
			return err
		}
		if m.measure == nil {
			return fmt.Errorf("no measurement strategy configured")
		}

		post, err := m.measure.PostFixRate(ctx, issue)
		if err != nil {
			return fmt.Errorf("failed to measure impact of %s: %w", id, err)
		}

		now := m.now()
		postRate := metrics.Round(post, 2)
		uplift := Uplift(issue.Anomaly.CurrentConversionRate, post)
		issue.PostFixConversionRate = &postRate
		issue.UpliftPercentage = &uplift
		issue.MeasuredAt = &now
		issue.Status = types.StatusVerified
		issue.UpdatedAt = now
		if err := m.save(ctx, issue); err != nil {
			return err
		}

		m.metrics.RecordTransition(issue.Status)
		m.log.Info().
			Str("issue_id", id).
			Float64("post_fix_rate", postRate).
			Float64("uplift_percentage", uplift).
			Msg("Impact measured")
		return nil
	})
}

// LinkTicket records an external ticket reference. The status is unchanged.
func (m *Manager) LinkTicket(ctx context.Context, id, ticketRef string) (*types.Issue, error) {
	ticketRef = strings.TrimSpace(ticketRef)
	if ticketRef == "" {
		return nil, fmt.Errorf("ticket ref is required: %w", types.ErrInvalidInput)
	}
	return m.mutate(ctx, "issues.LinkTicket", id, func(ctx context.Context, issue *types.Issue) error {
		issue.TicketRef = &ticketRef
		issue.UpdatedAt = m.now()
		if err := m.save(ctx, issue); err != nil {
			return err
		}
		m.log.Info().Str("issue_id", id).Str("ticket_ref", ticketRef).Msg("Ticket linked")
		return nil
	})
}

// Get returns a copy of the issue
func (m *Manager) Get(ctx context.Context, id string) (*types.Issue, error) {
	issue, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, notFound(id)
	}
	return issue, nil
}

// List returns issues matching filter, newest created first
func (m *Manager) List(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error) {
	m.mu.RLock()
	loaded := m.loaded
	var out []*types.Issue
	if loaded {
		for _, issue := range m.cache {
			if filter.Matches(issue) {
				out = append(out, issue.Clone())
			}
		}
	}
	m.mu.RUnlock()

	if !loaded {
		list, err := m.store.ListIssues(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to list issues: %w", err)
		}
		return list, nil
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	if out == nil {
		out = []*types.Issue{}
	}
	return out, nil
}

// mutate runs fn on a private copy of the issue under its lock
func (m *Manager) mutate(ctx context.Context, op, id string, fn func(context.Context, *types.Issue) error) (*types.Issue, error) {
	ctx, span := m.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("issue_id", id)))
	defer span.End()

	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	issue, err := m.lookup(ctx, id)
	if err != nil {
		return nil, m.fail(span, err)
	}
	if issue == nil {
		return nil, m.fail(span, notFound(id))
	}

	if err := fn(ctx, issue); err != nil {
		return nil, m.fail(span, err)
	}
	span.SetAttributes(attribute.String("status", string(issue.Status)))
	return issue.Clone(), nil
}

// diagnoseLocked must be called with the issue's lock held
func (m *Manager) diagnoseLocked(ctx context.Context, issue *types.Issue) error {
	if err := checkTransition(issue, types.StatusDiagnosed); err != nil {
		return err
	}

	start := time.Now()
	diagnosis, err := m.callDiagnoser(ctx, issue)
	fallback := err != nil
	if fallback {
		m.log.Warn().
			Err(err).
			Str("issue_id", issue.ID).
			Msg("Diagnosis provider failed, using fallback")
		diagnosis = FallbackDiagnosis(err)
	}
	m.metrics.ObserveDiagnosis(time.Since(start), fallback)

	now := m.now()
	issue.Diagnosis = diagnosis
	issue.DiagnosedAt = &now
	issue.Status = types.StatusDiagnosed
	issue.UpdatedAt = now
	if err := m.save(ctx, issue); err != nil {
		return err
	}

	m.metrics.RecordTransition(issue.Status)
	m.log.Info().
		Str("issue_id", issue.ID).
		Float64("confidence", diagnosis.Confidence).
		Str("model_used", diagnosis.ModelUsed).
		Msg("Issue diagnosed")
	return nil
}

func (m *Manager) callDiagnoser(ctx context.Context, issue *types.Issue) (*types.Diagnosis, error) {
	if m.diagnoser == nil {
		return nil, errors.New("no diagnosis provider configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.DiagnosisTimeout)
	defer cancel()

	anomaly := issue.Anomaly
	d, err := m.diagnoser.Diagnose(callCtx, &anomaly, issue.Evidence)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.New("diagnosis provider returned nothing")
	}
	return d, nil
}

// FallbackDiagnosis is recorded when the provider fails or times out
func FallbackDiagnosis(cause error) *types.Diagnosis {
	return &types.Diagnosis{
		RootCause:   fmt.Sprintf("Unable to diagnose - AI service error: %v", cause),
		Confidence:  0,
		Explanation: "The AI diagnosis service encountered an error. Manual investigation required.",
		RecommendedActions: []string{
			"Review error logs manually",
			"Check recent deployments",
			"Analyze affected user segments",
		},
		CodeLocations:   []string{},
		ModelUsed:       FallbackModel,
		DiagnosisTimeMS: 0,
	}
}

// lookup reads through the cache. Returns nil, nil for an unknown id.
func (m *Manager) lookup(ctx context.Context, id string) (*types.Issue, error) {
	m.mu.RLock()
	cached, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	issue, err := m.store.GetIssue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s: %w", id, err)
	}
	if issue == nil {
		return nil, nil
	}

	m.mu.Lock()
	m.cache[id] = issue.Clone()
	m.mu.Unlock()
	return issue, nil
}

// save writes through to the store, then refreshes the cache
func (m *Manager) save(ctx context.Context, issue *types.Issue) error {
	if err := m.store.PutIssue(ctx, issue); err != nil {
		return fmt.Errorf("failed to save issue %s: %w", issue.ID, err)
	}
	m.mu.Lock()
	m.cache[issue.ID] = issue.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Manager) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func checkTransition(issue *types.Issue, next types.Status) error {
	if !issue.Status.CanTransitionTo(next) {
		return fmt.Errorf("issue %s: cannot move from %s to %s: %w", issue.ID, issue.Status, next, types.ErrInvalidTransition)
	}
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("issue %s: %w", id, types.ErrNotFound)
}

func stringPtr(s string) *string { return &s }
