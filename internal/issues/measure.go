package issues

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/techiepookie/arguxai/internal/metrics"
	"github.com/techiepookie/arguxai/internal/types"
)

// MeasurementStrategy produces the post-fix conversion rate for an issue
type MeasurementStrategy interface {
	PostFixRate(ctx context.Context, issue *types.Issue) (float64, error)
}

// Calculator computes funnel metrics for one step and window
type Calculator interface {
	Calculate(ctx context.Context, step string, w types.Window) (*types.FunnelMetrics, error)
}

// MetricsMeasurement re-runs the metrics engine over the period after the fix.
// The window starts at fixed_at, or at detection time when the issue was
// never marked fixed, and runs for Window or until now, whichever is sooner.
type MetricsMeasurement struct {
	Calc   Calculator
	Window time.Duration    // 0 means up to now
	Now    func() time.Time // nil means time.Now
}

// PostFixRate implements MeasurementStrategy
func (m *MetricsMeasurement) PostFixRate(ctx context.Context, issue *types.Issue) (float64, error) {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}

	start := issue.Anomaly.DetectedAt
	if issue.FixedAt != nil {
		start = *issue.FixedAt
	}
	end := now()
	if m.Window > 0 && start.Add(m.Window).Before(end) {
		end = start.Add(m.Window)
	}
	if end.Before(start) {
		end = start
	}

	w := types.Window{Start: start, End: end}
	post, err := m.Calc.Calculate(ctx, issue.Anomaly.FunnelStep, w)
	if err != nil {
		return 0, fmt.Errorf("failed to calculate post-fix metrics: %w", err)
	}
	if post.TotalSessions == 0 {
		return 0, fmt.Errorf("no %s sessions in %s: %w", issue.Anomaly.FunnelStep, w, types.ErrNoData)
	}
	return post.ConversionRate, nil
}

// SimulatedMeasurement fabricates a recovery for demos: the baseline rate
// plus a uniform 2 to 8 point gain, capped at 100.
type SimulatedMeasurement struct {
	mu   sync.Mutex
	rand *rand.Rand
}

// NewSimulatedMeasurement creates a simulated strategy. A nil source is seeded from the clock.
func NewSimulatedMeasurement(r *rand.Rand) *SimulatedMeasurement {
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &SimulatedMeasurement{rand: r}
}

// PostFixRate implements MeasurementStrategy
func (s *SimulatedMeasurement) PostFixRate(_ context.Context, issue *types.Issue) (float64, error) {
	s.mu.Lock()
	gain := 2 + s.rand.Float64()*6
	s.mu.Unlock()

	rate := issue.Anomaly.BaselineConversionRate + gain
	if rate > 100 {
		rate = 100
	}
	return rate, nil
}

// Uplift is the relative change from the anomalous rate to the post-fix rate,
// in percent. A zero starting rate yields 0.
func Uplift(currentRate, postFixRate float64) float64 {
	if currentRate == 0 {
		return 0
	}
	return metrics.Round((postFixRate-currentRate)/currentRate*100, 2)
}
