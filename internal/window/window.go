// Package window resolves named periods into concrete time windows.
//
// Two strategies exist and callers pick one explicitly:
//   - Relative counts back from the current time (production)
//   - DataRange splits the stored data's time span in half (demo and replay data)
//
// Neither falls back to the other. DataRange returns types.ErrNoData on an empty store.
package window

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/techiepookie/arguxai/internal/types"
)

// Named periods accepted by Resolve
const (
	LastHour    = "last_hour"
	Last24Hours = "last_24_hours"
	Last7Days   = "last_7_days"
	Last30Days  = "last_30_days"

	// Explicit halves for DataRange
	Baseline = "baseline"
	Current  = "current"
)

// Strategy names used in configuration
const (
	StrategyRelative  = "relative"
	StrategyDataRange = "data_range"
)

// Resolver turns a named period into a window
type Resolver interface {
	// Resolve returns the window for period
	Resolve(ctx context.Context, period string) (types.Window, error)
	// Pair returns the (current, baseline) windows used by a default scan
	Pair(ctx context.Context) (current, baseline types.Window, err error)
}

// Relative resolves periods as spans ending at Now
type Relative struct {
	// Now is the clock; nil means time.Now
	Now func() time.Time
}

func (r Relative) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Durations returns the span for each relative period
func Durations() map[string]time.Duration {
	return map[string]time.Duration{
		LastHour:    time.Hour,
		Last24Hours: 24 * time.Hour,
		Last7Days:   7 * 24 * time.Hour,
		Last30Days:  30 * 24 * time.Hour,
	}
}

// Resolve returns [now - span, now]
func (r Relative) Resolve(_ context.Context, period string) (types.Window, error) {
	d, ok := Durations()[strings.ToLower(period)]
	if !ok {
		return types.Window{}, fmt.Errorf("%w: unknown period %q (want %s, %s, %s or %s)",
			types.ErrInvalidInput, period, LastHour, Last24Hours, Last7Days, Last30Days)
	}
	end := r.now()
	return types.Window{Start: end.Add(-d), End: end}, nil
}

// Pair compares the last 24 hours against the last 7 days
func (r Relative) Pair(ctx context.Context) (types.Window, types.Window, error) {
	current, err := r.Resolve(ctx, Last24Hours)
	if err != nil {
		return types.Window{}, types.Window{}, err
	}
	baseline, err := r.Resolve(ctx, Last7Days)
	if err != nil {
		return types.Window{}, types.Window{}, err
	}
	return current, baseline, nil
}

// BoundsSource reports the earliest and latest stored event times
type BoundsSource interface {
	TimeBounds(ctx context.Context) (types.Window, error)
}

// DataRange splits the stored data span at its midpoint.
// The first half is the baseline and the second half is the current window.
type DataRange struct {
	Bounds BoundsSource
}

// NewDataRange creates a DataRange resolver over src
func NewDataRange(src BoundsSource) *DataRange {
	return &DataRange{Bounds: src}
}

// Split returns (baseline, current) halves of the stored data span.
// The midpoint belongs to the current half; the baseline ends one millisecond
// earlier. A span shorter than 2ms leaves both halves on the single instant
// (or the two instants) stored.
func (d *DataRange) Split(ctx context.Context) (baseline, current types.Window, err error) {
	bounds, err := d.Bounds.TimeBounds(ctx)
	if err != nil {
		return types.Window{}, types.Window{}, err
	}
	start, end := bounds.StartMS(), bounds.EndMS()
	mid := start + (end-start)/2
	if mid == start {
		return msWindow(start, start), msWindow(end, end), nil
	}
	return msWindow(start, mid-1), msWindow(mid, end), nil
}

func msWindow(start, end int64) types.Window {
	return types.Window{Start: time.UnixMilli(start).UTC(), End: time.UnixMilli(end).UTC()}
}

// Resolve maps a period onto one half of the data span.
// "baseline" and last_7_days select the first half; every other period selects the second.
func (d *DataRange) Resolve(ctx context.Context, period string) (types.Window, error) {
	baseline, current, err := d.Split(ctx)
	if err != nil {
		return types.Window{}, err
	}
	switch strings.ToLower(period) {
	case Baseline, Last7Days:
		return baseline, nil
	default:
		return current, nil
	}
}

// Pair returns the second half as current and the first half as baseline
func (d *DataRange) Pair(ctx context.Context) (types.Window, types.Window, error) {
	baseline, current, err := d.Split(ctx)
	if err != nil {
		return types.Window{}, types.Window{}, err
	}
	return current, baseline, nil
}

// New builds the resolver named by strategy
func New(strategy string, src BoundsSource, now func() time.Time) (Resolver, error) {
	switch strings.ToLower(strategy) {
	case "", StrategyDataRange:
		if src == nil {
			return nil, fmt.Errorf("data_range strategy requires an event source")
		}
		return NewDataRange(src), nil
	case StrategyRelative:
		return Relative{Now: now}, nil
	default:
		return nil, fmt.Errorf("unknown window strategy %q (want %s or %s)", strategy, StrategyRelative, StrategyDataRange)
	}
}

// Lookback returns the window of length d ending at end
func Lookback(end time.Time, d time.Duration) types.Window {
	return types.Window{Start: end.Add(-d), End: end}
}
