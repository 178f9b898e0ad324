package detector

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/techiepookie/arguxai/internal/metrics"
	"github.com/techiepookie/arguxai/internal/types"
)

// Calculator computes funnel metrics for one step and window
type Calculator interface {
	Calculate(ctx context.Context, step string, w types.Window) (*types.FunnelMetrics, error)
}

// Config holds detection thresholds. All three gates must pass for an anomaly.
type Config struct {
	MinDropPercent  float64 // drop in percentage points
	MinSampleSize   int     // sessions required in the current window
	SigmaThreshold  float64 // minimum z score
	ScanConcurrency int     // steps evaluated in parallel by ScanAll

	// Now stamps detected_at; nil means time.Now
	Now func() time.Time

	// Logger defaults to a no-op logger
	Logger *zerolog.Logger
}

// DefaultConfig returns the default detection thresholds
func DefaultConfig() *Config {
	return &Config{
		MinDropPercent:  12.0,
		MinSampleSize:   100,
		SigmaThreshold:  2.0,
		ScanConcurrency: 4,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.MinDropPercent < 0 || c.MinDropPercent > 100 {
		return fmt.Errorf("min_drop_percent must be between 0 and 100 (got %.2f)", c.MinDropPercent)
	}
	if c.MinSampleSize < 1 {
		return fmt.Errorf("min_sample_size must be at least 1 (got %d)", c.MinSampleSize)
	}
	if c.SigmaThreshold < 0 {
		return fmt.Errorf("sigma_threshold must be non-negative (got %.2f)", c.SigmaThreshold)
	}
	if c.ScanConcurrency < 1 {
		return fmt.Errorf("scan_concurrency must be at least 1 (got %d)", c.ScanConcurrency)
	}
	return nil
}

// Detector compares current and baseline windows and emits significant drops
type Detector struct {
	calc   Calculator
	cfg    Config
	now    func() time.Time
	log    zerolog.Logger
	tracer trace.Tracer
}

// New creates a detector over calc
func New(calc Calculator, cfg *Config) (*Detector, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "detector").Logger()
	}
	return &Detector{
		calc:   calc,
		cfg:    *cfg,
		now:    now,
		log:    log,
		tracer: otel.Tracer("github.com/techiepookie/arguxai/internal/detector"),
	}, nil
}

// Detect returns an anomaly for step, or nil when any gate rejects it
func (d *Detector) Detect(ctx context.Context, step string, current, baseline types.Window) (*types.Anomaly, error) {
	ctx, span := d.tracer.Start(ctx, "detector.Detect", trace.WithAttributes(
		attribute.String("funnel_step", step),
	))
	defer span.End()

	cur, err := d.calc.Calculate(ctx, step, current)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "current metrics failed")
		return nil, fmt.Errorf("failed to calculate current metrics: %w", err)
	}
	base, err := d.calc.Calculate(ctx, step, baseline)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "baseline metrics failed")
		return nil, fmt.Errorf("failed to calculate baseline metrics: %w", err)
	}

	anomaly := d.Evaluate(step, cur, base)
	span.SetAttributes(attribute.Bool("anomaly", anomaly != nil))
	return anomaly, nil
}

// Evaluate applies the sample size, drop magnitude and significance gates
// to pre-computed metrics
func (d *Detector) Evaluate(step string, cur, base *types.FunnelMetrics) *types.Anomaly {
	if cur.TotalSessions < d.cfg.MinSampleSize {
		d.log.Debug().
			Str("funnel_step", step).
			Int("sessions", cur.TotalSessions).
			Int("required", d.cfg.MinSampleSize).
			Msg("Insufficient sample size for anomaly detection")
		return nil
	}

	delta := metrics.Round(cur.ConversionRate-base.ConversionRate, 2)
	if delta > -d.cfg.MinDropPercent {
		d.log.Debug().
			Str("funnel_step", step).
			Float64("delta", delta).
			Float64("threshold", d.cfg.MinDropPercent).
			Msg("No significant drop detected")
		return nil
	}

	z := ZScore(cur.ConversionRate, base.ConversionRate, cur.TotalSessions, base.TotalSessions)
	if z < d.cfg.SigmaThreshold {
		d.log.Debug().
			Str("funnel_step", step).
			Float64("sigma", z).
			Float64("threshold", d.cfg.SigmaThreshold).
			Msg("Drop detected but not statistically significant")
		return nil
	}

	anomaly := &types.Anomaly{
		FunnelStep:             step,
		DetectedAt:             d.now(),
		CurrentConversionRate:  cur.ConversionRate,
		BaselineConversionRate: base.ConversionRate,
		DropPercentage:         math.Abs(delta),
		SigmaValue:             metrics.Round(z, 2),
		IsSignificant:          true,
		CurrentSessions:        cur.TotalSessions,
		BaselineSessions:       base.TotalSessions,
	}

	d.log.Warn().
		Str("funnel_step", step).
		Float64("drop_percentage", anomaly.DropPercentage).
		Float64("sigma", anomaly.SigmaValue).
		Float64("p_value", PValue(z)).
		Float64("current_rate", cur.ConversionRate).
		Float64("baseline_rate", base.ConversionRate).
		Msg("Anomaly detected")
	return anomaly
}

// ScanAll evaluates every step concurrently and returns accepted anomalies in
// input order. A step that fails is logged and skipped.
func (d *Detector) ScanAll(ctx context.Context, steps []string, current, baseline types.Window) ([]*types.Anomaly, error) {
	ctx, span := d.tracer.Start(ctx, "detector.ScanAll", trace.WithAttributes(
		attribute.Int("steps", len(steps)),
	))
	defer span.End()

	results := make([]*types.Anomaly, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.ScanConcurrency)

	for i, step := range steps {
		g.Go(func() error {
			anomaly, err := d.Detect(gctx, step, current, baseline)
			if err != nil {
				d.log.Error().Err(err).Str("funnel_step", step).Msg("Anomaly detection failed")
				return nil
			}
			results[i] = anomaly
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "scan canceled")
		return nil, err
	}

	var anomalies []*types.Anomaly
	for _, a := range results {
		if a != nil {
			anomalies = append(anomalies, a)
		}
	}
	span.SetAttributes(attribute.Int("anomalies", len(anomalies)))

	if len(anomalies) > 0 {
		found := make([]string, len(anomalies))
		for i, a := range anomalies {
			found[i] = a.FunnelStep
		}
		d.log.Warn().Int("count", len(anomalies)).Strs("steps", found).Msg("Anomalies detected in scan")
	}
	return anomalies, nil
}

// ZScore returns |p1-p2|/se for a pooled two-proportion z-test.
// Rates are percentages. Returns 0 when either sample is empty or se is 0.
func ZScore(currentRate, baselineRate float64, currentN, baselineN int) float64 {
	if currentN <= 0 || baselineN <= 0 {
		return 0
	}
	p1 := currentRate / 100
	p2 := baselineRate / 100
	n1 := float64(currentN)
	n2 := float64(baselineN)

	pooled := (p1*n1 + p2*n2) / (n1 + n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/n1 + 1/n2))
	if se == 0 || math.IsNaN(se) {
		return 0
	}
	return math.Abs(p1-p2) / se
}

// PValue is the two-sided p-value for a standard normal z score
func PValue(z float64) float64 {
	return 2 * distuv.UnitNormal.Survival(math.Abs(z))
}
