package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techiepookie/arguxai/internal/types"
)

// memSource is an in-memory EventSource
type memSource struct {
	events []*types.Event
	err    error
}

func (m *memSource) CohortSessions(_ context.Context, step string, w types.Window) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	seen := map[string]bool{}
	var ids []string
	for _, e := range m.events {
		if e.FunnelStep == step && w.Contains(e.Timestamp) && !seen[e.SessionID] {
			seen[e.SessionID] = true
			ids = append(ids, e.SessionID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memSource) SessionEvents(_ context.Context, ids []string) ([]*types.Event, error) {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []*types.Event
	for _, e := range m.events {
		if want[e.SessionID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func window(startMS, endMS int64) types.Window {
	return types.Window{Start: time.UnixMilli(startMS), End: time.UnixMilli(endMS)}
}

// cohort builds n sessions on step at ts, the first completed of which log in
func cohort(prefix, step string, n, completed int, ts int64) []*types.Event {
	var evs []*types.Event
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		evs = append(evs, &types.Event{SessionID: id, EventType: "page_view", FunnelStep: step, Timestamp: ts, Country: "IN", DeviceType: "android"})
		if i < completed {
			evs = append(evs, &types.Event{SessionID: id, EventType: "login_complete", FunnelStep: "login_complete", Timestamp: ts + 5000, Country: "IN", DeviceType: "android"})
		}
	}
	return evs
}

func newTestEngine(t *testing.T, src EventSource) *Engine {
	t.Helper()
	e, err := NewEngine(src, nil)
	require.NoError(t, err)
	return e
}

func TestCalculateEmptyCohortReturnsSentinel(t *testing.T) {
	e := newTestEngine(t, &memSource{})

	m, err := e.Calculate(context.Background(), "otp_verification", window(0, 1000))
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalSessions)
	assert.Equal(t, 0, m.CompletedSessions)
	assert.Equal(t, 0.0, m.ConversionRate)
	assert.Equal(t, 100.0, m.DropOffRate)
	assert.Empty(t, m.ByCountry)
	assert.Nil(t, m.MeanTimeOnStep)
	assert.Nil(t, m.MedianTimeOnStep)
}

func TestCalculateConversionRate(t *testing.T) {
	src := &memSource{events: cohort("s", "otp", 3, 1, 1000)}
	e := newTestEngine(t, src)

	m, err := e.Calculate(context.Background(), "otp", window(0, 2000))
	require.NoError(t, err)
	assert.Equal(t, 3, m.TotalSessions)
	assert.Equal(t, 1, m.CompletedSessions)
	assert.Equal(t, 33.33, m.ConversionRate)
	assert.Equal(t, 66.67, m.DropOffRate)
}

func TestCalculateUsesFullSessionHistory(t *testing.T) {
	// The completion event lands well after the window closes
	src := &memSource{events: []*types.Event{
		{SessionID: "a", EventType: "page_view", FunnelStep: "otp", Timestamp: 1000},
		{SessionID: "a", EventType: "login_complete", Timestamp: 900_000},
		{SessionID: "b", EventType: "page_view", FunnelStep: "otp", Timestamp: 1500},
		{SessionID: "c", EventType: "page_view", FunnelStep: "otp", Timestamp: 5000}, // outside window
	}}
	e := newTestEngine(t, src)

	m, err := e.Calculate(context.Background(), "otp", window(1000, 2000))
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalSessions)
	assert.Equal(t, 1, m.CompletedSessions)
	assert.Equal(t, 50.0, m.ConversionRate)
}

func TestCompletionMarkers(t *testing.T) {
	markers := DefaultCompletionMarkers()

	assert.True(t, markers.Matches(&types.Event{EventType: "login_complete"}))
	assert.True(t, markers.Matches(&types.Event{EventType: types.EventCustom}))
	assert.True(t, markers.Matches(&types.Event{EventType: "page_view", FunnelStep: "login_complete"}))
	assert.False(t, markers.Matches(&types.Event{EventType: "page_view", FunnelStep: "otp"}))

	custom := CompletionMarkers{EventTypes: []string{"purchase"}}
	assert.True(t, custom.Matches(&types.Event{EventType: "purchase"}))
	assert.False(t, custom.Matches(&types.Event{EventType: "login_complete"}))
}

func TestSetCompletionAppliesToLaterCalculations(t *testing.T) {
	src := &memSource{events: append(cohort("s", "cart", 4, 2, 1000),
		&types.Event{SessionID: "s-3", EventType: "purchase", Timestamp: 9000},
	)}
	e := newTestEngine(t, src)

	m, err := e.Calculate(context.Background(), "cart", window(0, 2000))
	require.NoError(t, err)
	assert.Equal(t, 2, m.CompletedSessions)

	require.NoError(t, e.SetCompletion(CompletionMarkers{EventTypes: []string{"purchase"}}))
	assert.Equal(t, []string{"purchase"}, e.Completion().EventTypes)

	m, err = e.Calculate(context.Background(), "cart", window(0, 2000))
	require.NoError(t, err)
	assert.Equal(t, 1, m.CompletedSessions)
	assert.Equal(t, 25.0, m.ConversionRate)

	assert.Error(t, e.SetCompletion(CompletionMarkers{}))
	assert.Equal(t, []string{"purchase"}, e.Completion().EventTypes)
}

func TestSegmentsFromFirstEvent(t *testing.T) {
	events := []*types.Event{
		{SessionID: "a", EventType: "error", Timestamp: 2000, Country: "US", DeviceType: "ios"},
		{SessionID: "a", EventType: "page_view", FunnelStep: "otp", Timestamp: 1000, Country: "IN", DeviceType: "android"},
		{SessionID: "b", EventType: "page_view", FunnelStep: "otp", Timestamp: 1000},
	}

	m := Summarize("otp", window(0, 5000), events, DefaultCompletionMarkers())
	assert.Equal(t, map[string]int{"IN": 1, "unknown": 1}, m.ByCountry)
	assert.Equal(t, map[string]int{"android": 1, "unknown": 1}, m.ByDevice)
}

func TestTimeOnStep(t *testing.T) {
	events := []*types.Event{
		// 10s session
		{SessionID: "a", EventType: "page_view", FunnelStep: "otp", Timestamp: 1000},
		{SessionID: "a", EventType: "button_click", FunnelStep: "otp", Timestamp: 11000},
		// 31s session with three events
		{SessionID: "b", EventType: "page_view", FunnelStep: "otp", Timestamp: 1000},
		{SessionID: "b", EventType: "button_click", FunnelStep: "otp", Timestamp: 2000},
		{SessionID: "b", EventType: "button_click", FunnelStep: "otp", Timestamp: 32000},
		// single event, excluded
		{SessionID: "c", EventType: "page_view", FunnelStep: "otp", Timestamp: 1000},
	}

	m := Summarize("otp", window(0, 50000), events, DefaultCompletionMarkers())
	require.NotNil(t, m.MeanTimeOnStep)
	require.NotNil(t, m.MedianTimeOnStep)
	assert.Equal(t, 20.5, *m.MeanTimeOnStep)
	assert.Equal(t, 20.5, *m.MedianTimeOnStep)

	single := Summarize("otp", window(0, 50000), events[5:], DefaultCompletionMarkers())
	assert.Nil(t, single.MeanTimeOnStep)
	assert.Nil(t, single.MedianTimeOnStep)
}

func TestCompareFlagsDrop(t *testing.T) {
	var events []*types.Event
	events = append(events, cohort("base", "otp", 100, 87, 1000)...)
	events = append(events, cohort("cur", "otp", 100, 52, 100_000)...)
	e := newTestEngine(t, &memSource{events: events})

	c, err := e.Compare(context.Background(), "otp", window(100_000, 200_000), window(0, 50_000))
	require.NoError(t, err)
	assert.Equal(t, 52.0, c.Current.ConversionRate)
	assert.Equal(t, 87.0, c.Baseline.ConversionRate)
	assert.Equal(t, -35.0, c.ConversionRateDelta)
	assert.Equal(t, 0, c.SessionsDelta)
	assert.True(t, c.DropDetected)
	require.NotNil(t, c.DropPercentage)
	assert.Equal(t, 35.0, *c.DropPercentage)
}

func TestDiffThresholdIsStrict(t *testing.T) {
	cur := &types.FunnelMetrics{ConversionRate: 70, TotalSessions: 120}
	base := &types.FunnelMetrics{ConversionRate: 82, TotalSessions: 100}

	c := Diff(cur, base, 12)
	assert.False(t, c.DropDetected, "a drop of exactly the threshold is not flagged")
	assert.Nil(t, c.DropPercentage)
	assert.Equal(t, 20, c.SessionsDelta)

	cur.ConversionRate = 69.99
	c = Diff(cur, base, 12)
	assert.True(t, c.DropDetected)
	assert.Equal(t, 12.01, *c.DropPercentage)
}

func TestCalculatePropagatesSourceErrors(t *testing.T) {
	e := newTestEngine(t, &memSource{err: errors.New("disk on fire")})

	_, err := e.Calculate(context.Background(), "otp", window(0, 1000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestCalculateRejectsInvertedWindow(t *testing.T) {
	e := newTestEngine(t, &memSource{})

	_, err := e.Calculate(context.Background(), "otp", window(2000, 1000))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MinDropPercent = 120
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Completion = CompletionMarkers{}
	assert.Error(t, bad.Validate())
}

func TestMedianAndRound(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 3.0, Median([]float64{5, 1, 3}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))

	assert.Equal(t, 33.33, Round(100.0/3, 2))
	assert.Equal(t, 66.7, Round(66.66, 1))
}
