package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techiepookie/arguxai/internal/types"
)

var (
	currentWindow  = types.Window{Start: time.UnixMilli(200_000), End: time.UnixMilli(300_000)}
	baselineWindow = types.Window{Start: time.UnixMilli(0), End: time.UnixMilli(100_000)}
	fixedNow       = time.UnixMilli(1707289800000)
)

type stepMetrics struct {
	current, baseline *types.FunnelMetrics
	err               error
}

// fakeCalculator serves canned metrics keyed by step, picking the half by window
type fakeCalculator struct {
	mu    sync.Mutex
	steps map[string]stepMetrics
	calls int
}

func (f *fakeCalculator) Calculate(_ context.Context, step string, w types.Window) (*types.FunnelMetrics, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	sm, ok := f.steps[step]
	if !ok {
		return types.EmptyFunnelMetrics(step, w), nil
	}
	if sm.err != nil {
		return nil, sm.err
	}
	if w == currentWindow {
		return sm.current, nil
	}
	return sm.baseline, nil
}

func fm(rate float64, sessions int) *types.FunnelMetrics {
	return &types.FunnelMetrics{ConversionRate: rate, DropOffRate: 100 - rate, TotalSessions: sessions}
}

func newTestDetector(t *testing.T, calc Calculator) *Detector {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return fixedNow }
	d, err := New(calc, cfg)
	require.NoError(t, err)
	return d
}

func TestDetectSignificantDrop(t *testing.T) {
	calc := &fakeCalculator{steps: map[string]stepMetrics{
		"otp_verification": {current: fm(52.0, 300), baseline: fm(87.0, 650)},
	}}
	d := newTestDetector(t, calc)

	a, err := d.Detect(context.Background(), "otp_verification", currentWindow, baselineWindow)
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.Equal(t, "otp_verification", a.FunnelStep)
	assert.Equal(t, 35.0, a.DropPercentage)
	assert.Greater(t, a.SigmaValue, 2.0)
	assert.True(t, a.IsSignificant)
	assert.Equal(t, 300, a.CurrentSessions)
	assert.Equal(t, 650, a.BaselineSessions)
	assert.Equal(t, fixedNow, a.DetectedAt)
	assert.Equal(t, types.SeverityCritical, types.SeverityForDrop(a.DropPercentage))
}

func TestDetectRejectsSmallSample(t *testing.T) {
	calc := &fakeCalculator{steps: map[string]stepMetrics{
		"otp_verification": {current: fm(20.0, 50), baseline: fm(90.0, 650)},
	}}
	d := newTestDetector(t, calc)

	a, err := d.Detect(context.Background(), "otp_verification", currentWindow, baselineWindow)
	require.NoError(t, err)
	assert.Nil(t, a, "50 sessions is below the sample size gate regardless of the drop")
}

func TestDetectRejectsSmallDrop(t *testing.T) {
	calc := &fakeCalculator{steps: map[string]stepMetrics{
		"signup": {current: fm(80.0, 5000), baseline: fm(90.0, 5000)},
	}}
	d := newTestDetector(t, calc)

	a, err := d.Detect(context.Background(), "signup", currentWindow, baselineWindow)
	require.NoError(t, err)
	assert.Nil(t, a, "a 10 point drop is below the drop gate even though it is significant")
}

func TestDetectRejectsIncrease(t *testing.T) {
	calc := &fakeCalculator{steps: map[string]stepMetrics{
		"signup": {current: fm(95.0, 500), baseline: fm(60.0, 500)},
	}}
	d := newTestDetector(t, calc)

	a, err := d.Detect(context.Background(), "signup", currentWindow, baselineWindow)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestDetectDropAtThresholdQualifies(t *testing.T) {
	calc := &fakeCalculator{steps: map[string]stepMetrics{
		"signup": {current: fm(70.0, 2000), baseline: fm(82.0, 2000)},
	}}
	d := newTestDetector(t, calc)

	a, err := d.Detect(context.Background(), "signup", currentWindow, baselineWindow)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 12.0, a.DropPercentage)
	assert.Equal(t, types.SeverityMedium, types.SeverityForDrop(a.DropPercentage))
}

func TestDetectRejectsInsignificantDrop(t *testing.T) {
	// 100 vs 100 sessions, 50% -> 36%: drop passes but z ~= 1.99
	calc := &fakeCalculator{steps: map[string]stepMetrics{
		"signup": {current: fm(36.0, 100), baseline: fm(50.0, 100)},
	}}
	d := newTestDetector(t, calc)

	z := ZScore(36.0, 50.0, 100, 100)
	require.Less(t, z, 2.0)

	a, err := d.Detect(context.Background(), "signup", currentWindow, baselineWindow)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestDetectPropagatesCalculatorErrors(t *testing.T) {
	calc := &fakeCalculator{steps: map[string]stepMetrics{
		"signup": {err: errors.New("db down")},
	}}
	d := newTestDetector(t, calc)

	_, err := d.Detect(context.Background(), "signup", currentWindow, baselineWindow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestZScore(t *testing.T) {
	z := ZScore(52.0, 87.0, 300, 650)
	assert.InDelta(t, 11.73, z, 0.01)

	// Swapping both samples only flips the sign, which ZScore drops
	assert.InDelta(t, z, ZScore(87.0, 52.0, 650, 300), 1e-9)

	// Equal rates carry no signal whatever the sample sizes
	assert.Equal(t, 0.0, ZScore(52.0, 52.0, 300, 650))
	assert.Equal(t, 0.0, ZScore(87.5, 87.5, 1, 10000))

	// Degenerate inputs
	assert.Equal(t, 0.0, ZScore(0, 0, 100, 100), "pooled proportion 0")
	assert.Equal(t, 0.0, ZScore(100, 100, 100, 100), "pooled proportion 1")
	assert.Equal(t, 0.0, ZScore(50, 60, 0, 100), "empty current sample")
	assert.Equal(t, 0.0, ZScore(50, 60, 100, 0), "empty baseline sample")
}

func TestPValue(t *testing.T) {
	assert.InDelta(t, 1.0, PValue(0), 1e-9)
	assert.InDelta(t, 0.0455, PValue(2.0), 1e-3)
	assert.InDelta(t, PValue(2.0), PValue(-2.0), 1e-12)
	assert.Less(t, PValue(11.73), 1e-10)
}

func TestScanAllKeepsInputOrderAndSkipsFailures(t *testing.T) {
	calc := &fakeCalculator{steps: map[string]stepMetrics{
		"a_step": {current: fm(40.0, 400), baseline: fm(80.0, 400)},
		"b_step": {current: fm(85.0, 400), baseline: fm(86.0, 400)},
		"c_step": {err: errors.New("boom")},
		"d_step": {current: fm(50.0, 400), baseline: fm(75.0, 400)},
	}}
	d := newTestDetector(t, calc)

	steps := []string{"d_step", "c_step", "b_step", "a_step", "missing_step"}
	anomalies, err := d.ScanAll(context.Background(), steps, currentWindow, baselineWindow)
	require.NoError(t, err)
	require.Len(t, anomalies, 2)
	assert.Equal(t, "d_step", anomalies[0].FunnelStep)
	assert.Equal(t, "a_step", anomalies[1].FunnelStep)
}

func TestScanAllCanceledContext(t *testing.T) {
	d := newTestDetector(t, &fakeCalculator{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.ScanAll(ctx, []string{"a"}, currentWindow, baselineWindow)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative drop", func(c *Config) { c.MinDropPercent = -1 }},
		{"zero sample", func(c *Config) { c.MinSampleSize = 0 }},
		{"negative sigma", func(c *Config) { c.SigmaThreshold = -0.5 }},
		{"zero concurrency", func(c *Config) { c.ScanConcurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
