package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/techiepookie/arguxai/internal/types"
)

// EventSource is the subset of the event store the engine reads
type EventSource interface {
	CohortSessions(ctx context.Context, funnelStep string, w types.Window) ([]string, error)
	SessionEvents(ctx context.Context, sessionIDs []string) ([]*types.Event, error)
}

// CompletionMarkers define which events mark a session as having converted
type CompletionMarkers = types.CompletionMarkers

// DefaultCompletionMarkers returns the markers of the login funnel
func DefaultCompletionMarkers() CompletionMarkers {
	return CompletionMarkers{
		EventTypes:  []string{"login_complete", types.EventCustom},
		FunnelSteps: []string{"login_complete"},
	}
}

// Config holds engine settings
type Config struct {
	// MinDropPercent is the drop in percentage points that Compare flags
	MinDropPercent float64

	// Completion decides which sessions count as converted
	Completion CompletionMarkers

	// Logger defaults to a no-op logger
	Logger *zerolog.Logger
}

// DefaultConfig returns the engine defaults
func DefaultConfig() *Config {
	return &Config{
		MinDropPercent: 12.0,
		Completion:     DefaultCompletionMarkers(),
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.MinDropPercent < 0 || c.MinDropPercent > 100 {
		return fmt.Errorf("min_drop_percent must be between 0 and 100 (got %.2f)", c.MinDropPercent)
	}
	if c.Completion.IsEmpty() {
		return fmt.Errorf("at least one completion marker is required")
	}
	return nil
}

// Engine computes funnel metrics over cohorts of sessions
type Engine struct {
	src EventSource
	cfg Config
	log zerolog.Logger

	mu         sync.RWMutex
	completion CompletionMarkers
}

// NewEngine creates a metrics engine reading from src
func NewEngine(src EventSource, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "metrics").Logger()
	}
	return &Engine{src: src, cfg: *cfg, log: log, completion: cfg.Completion}, nil
}

// SetCompletion replaces the completion markers used by later calculations
func (e *Engine) SetCompletion(markers CompletionMarkers) error {
	if markers.IsEmpty() {
		return fmt.Errorf("at least one completion marker is required")
	}
	e.mu.Lock()
	e.completion = markers
	e.mu.Unlock()
	e.log.Info().
		Strs("event_types", markers.EventTypes).
		Strs("funnel_steps", markers.FunnelSteps).
		Msg("Completion markers updated")
	return nil
}

// Completion returns the markers currently in use
func (e *Engine) Completion() CompletionMarkers {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.completion
}

// Calculate computes conversion statistics for the cohort of sessions that
// touched step inside w. Each cohort session is judged on its full history.
func (e *Engine) Calculate(ctx context.Context, step string, w types.Window) (*types.FunnelMetrics, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	cohort, err := e.src.CohortSessions(ctx, step, w)
	if err != nil {
		return nil, fmt.Errorf("failed to find cohort for %s: %w", step, err)
	}
	if len(cohort) == 0 {
		e.log.Warn().Str("funnel_step", step).Stringer("window", w).Msg("No sessions found for funnel step")
		return types.EmptyFunnelMetrics(step, w), nil
	}

	history, err := e.src.SessionEvents(ctx, cohort)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history for %s: %w", step, err)
	}

	m := Summarize(step, w, history, e.Completion())
	e.log.Debug().
		Str("funnel_step", step).
		Int("total_sessions", m.TotalSessions).
		Float64("conversion_rate", m.ConversionRate).
		Msg("Calculated funnel metrics")
	return m, nil
}

// Summarize computes metrics from pre-fetched session histories
func Summarize(step string, w types.Window, events []*types.Event, markers CompletionMarkers) *types.FunnelMetrics {
	sessions := groupBySession(events)
	if len(sessions) == 0 {
		return types.EmptyFunnelMetrics(step, w)
	}

	m := types.EmptyFunnelMetrics(step, w)
	m.TotalSessions = len(sessions)

	var durations []float64
	for _, evs := range sessions {
		for _, ev := range evs {
			if markers.Matches(ev) {
				m.CompletedSessions++
				break
			}
		}

		first := evs[0]
		m.ByCountry[orUnknown(first.Country)]++
		m.ByDevice[orUnknown(first.DeviceType)]++

		if len(evs) >= 2 {
			durations = append(durations, float64(evs[len(evs)-1].Timestamp-first.Timestamp)/1000)
		}
	}

	rate := float64(m.CompletedSessions) / float64(m.TotalSessions) * 100
	m.ConversionRate = Round(rate, 2)
	m.DropOffRate = Round(100-rate, 2)

	if len(durations) > 0 {
		mean := Round(stat.Mean(durations, nil), 1)
		median := Round(Median(durations), 1)
		m.MeanTimeOnStep = &mean
		m.MedianTimeOnStep = &median
	}
	return m
}

// Compare computes current and baseline metrics for step and flags drops
// larger than MinDropPercent
func (e *Engine) Compare(ctx context.Context, step string, current, baseline types.Window) (*types.ComparisonMetrics, error) {
	cur, err := e.Calculate(ctx, step, current)
	if err != nil {
		return nil, err
	}
	base, err := e.Calculate(ctx, step, baseline)
	if err != nil {
		return nil, err
	}

	c := Diff(cur, base, e.cfg.MinDropPercent)
	if c.DropDetected {
		e.log.Warn().
			Str("funnel_step", step).
			Float64("current_rate", cur.ConversionRate).
			Float64("baseline_rate", base.ConversionRate).
			Float64("drop_percentage", *c.DropPercentage).
			Msg("Significant conversion drop detected")
	}
	return c, nil
}

// Diff compares two metric snapshots
func Diff(current, baseline *types.FunnelMetrics, minDropPercent float64) *types.ComparisonMetrics {
	delta := current.ConversionRate - baseline.ConversionRate
	c := &types.ComparisonMetrics{
		Current:             current,
		Baseline:            baseline,
		ConversionRateDelta: Round(delta, 2),
		SessionsDelta:       current.TotalSessions - baseline.TotalSessions,
	}
	if delta < -minDropPercent {
		drop := Round(math.Abs(delta), 2)
		c.DropDetected = true
		c.DropPercentage = &drop
	}
	return c
}

// groupBySession buckets events per session, each bucket sorted by timestamp
func groupBySession(events []*types.Event) map[string][]*types.Event {
	sessions := make(map[string][]*types.Event)
	for _, ev := range events {
		sessions[ev.SessionID] = append(sessions[ev.SessionID], ev)
	}
	for _, evs := range sessions {
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Timestamp < evs[j].Timestamp })
	}
	return sessions
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// Round rounds x half away from zero to the given number of decimals
func Round(x float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(x*p) / p
}

// Median returns the middle value, averaging the two middle values for even counts.
// The input is not modified.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
