package evidence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"

	"github.com/techiepookie/arguxai/internal/metrics"
	"github.com/techiepookie/arguxai/internal/types"
)

// Aggregation limits
const (
	MaxTopErrors         = 5
	MaxStrugglingSamples = 10
	MaxCountries         = 3
	MaxDevices           = 2
	MaxVersions          = 3

	// StruggleRetryThreshold is the retry count that marks a session as struggling
	StruggleRetryThreshold = 2
)

// EventSource is the subset of the event store the collector reads
type EventSource interface {
	CohortSessions(ctx context.Context, funnelStep string, w types.Window) ([]string, error)
	SessionEvents(ctx context.Context, sessionIDs []string) ([]*types.Event, error)
}

// Rules classify events during aggregation
type Rules struct {
	ErrorEventType string
	RetryEventType string
}

// DefaultRules treats "error" events as errors and "resend_click" events as retries
func DefaultRules() Rules {
	return Rules{
		ErrorEventType: types.EventError,
		RetryEventType: types.EventResendClick,
	}
}

// Collector gathers diagnostic evidence for a step and window
type Collector struct {
	src   EventSource
	rules Rules
	log   zerolog.Logger
}

// NewCollector creates a collector. A nil logger means no logging.
func NewCollector(src EventSource, rules Rules, logger *zerolog.Logger) *Collector {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "evidence").Logger()
	}
	if rules.ErrorEventType == "" {
		rules.ErrorEventType = types.EventError
	}
	if rules.RetryEventType == "" {
		rules.RetryEventType = types.EventResendClick
	}
	return &Collector{src: src, rules: rules, log: log}
}

// Collect aggregates the events of every session that touched step inside w.
// Only events inside w are counted.
func (c *Collector) Collect(ctx context.Context, step string, w types.Window) (*types.Evidence, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	c.log.Info().
		Str("funnel_step", step).
		Float64("time_range_hours", w.End.Sub(w.Start).Hours()).
		Msg("Collecting evidence")

	cohort, err := c.src.CohortSessions(ctx, step, w)
	if err != nil {
		return nil, fmt.Errorf("failed to find cohort for %s: %w", step, err)
	}
	if len(cohort) == 0 {
		return types.NewEvidence(), nil
	}

	history, err := c.src.SessionEvents(ctx, cohort)
	if err != nil {
		return nil, fmt.Errorf("failed to load session events for %s: %w", step, err)
	}

	inWindow := make([]*types.Event, 0, len(history))
	for _, e := range history {
		if w.Contains(e.Timestamp) {
			inWindow = append(inWindow, e)
		}
	}
	return Aggregate(inWindow, c.rules), nil
}

// Aggregate builds evidence from a pre-fetched event set
func Aggregate(events []*types.Event, rules Rules) *types.Evidence {
	ev := types.NewEvidence()
	if len(events) == 0 {
		return ev
	}

	ordered := append([]*types.Event(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp < ordered[j].Timestamp })

	countries := map[string]int{}
	devices := map[string]int{}
	versions := map[string]int{}
	seenMessages := map[string]bool{}
	hasError := map[string]bool{}
	retries := map[string]int{}
	sessions := map[string]bool{}

	for _, e := range ordered {
		sessions[e.SessionID] = true

		switch e.EventType {
		case rules.ErrorEventType:
			ev.ErrorTypes[orUnknown(e.ErrorType)]++
			if e.ErrorMessage != "" && !seenMessages[e.ErrorMessage] {
				seenMessages[e.ErrorMessage] = true
				if len(ev.TopErrors) < MaxTopErrors {
					ev.TopErrors = append(ev.TopErrors, e.ErrorMessage)
				}
			}
			hasError[e.SessionID] = true
		case rules.RetryEventType:
			retries[e.SessionID]++
		}

		countries[orUnknown(e.Country)]++
		devices[orUnknown(e.DeviceType)]++
		versions[orUnknown(e.AppVersion)]++
	}

	var struggling []string
	retrySum, retrySessions := 0, 0
	for id := range sessions {
		n := retries[id]
		if n > 0 {
			retrySum += n
			retrySessions++
		}
		if hasError[id] || n >= StruggleRetryThreshold {
			struggling = append(struggling, id)
		}
	}
	sort.Strings(struggling)
	if len(struggling) > MaxStrugglingSamples {
		struggling = struggling[:MaxStrugglingSamples]
	}
	if struggling != nil {
		ev.StrugglingSessionIDs = struggling
	}

	if retrySessions > 0 {
		avg := metrics.Round(float64(retrySum)/float64(retrySessions), 1)
		ev.AvgRetryCount = &avg
	}

	ev.AffectedCountries = topKeys(countries, MaxCountries, strings.Compare)
	ev.AffectedDevices = topKeys(devices, MaxDevices, strings.Compare)
	ev.AffectedVersions = topKeys(versions, MaxVersions, compareVersionsDesc)
	return ev
}

// topKeys returns up to n keys by descending count, ties ordered by tie
func topKeys(counts map[string]int, n int, tie func(a, b string) int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return tie(keys[i], keys[j]) < 0
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// compareVersionsDesc orders newer semantic versions first.
// Valid versions precede invalid ones; invalid ones compare lexically.
func compareVersionsDesc(a, b string) int {
	va, vb := canonical(a), canonical(b)
	validA, validB := semver.IsValid(va), semver.IsValid(vb)
	switch {
	case validA && validB:
		if c := semver.Compare(vb, va); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	case validA:
		return -1
	case validB:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func canonical(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
