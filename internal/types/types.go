package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Event is a single user interaction recorded by the client SDK.
// Events are immutable facts; a session is the set of events sharing SessionID.
type Event struct {
	SessionID    string `json:"session_id"`
	EventType    string `json:"event_type"`
	FunnelStep   string `json:"funnel_step,omitempty"`
	Timestamp    int64  `json:"timestamp"` // Unix milliseconds
	DeviceType   string `json:"device_type,omitempty"`
	Country      string `json:"country,omitempty"`
	AppVersion   string `json:"app_version,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Time returns the event timestamp as a time.Time
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Well-known event types emitted by the SDK
const (
	EventPageView    = "page_view"
	EventButtonClick = "button_click"
	EventFormSubmit  = "form_submit"
	EventOTPSent     = "otp_sent"
	EventOTPVerified = "otp_verified"
	EventOTPFailed   = "otp_failed"
	EventError       = "error"
	EventResendClick = "resend_click"
	EventCustom      = "custom"
)

// Window is a closed time interval [Start, End]
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// StartMS returns the window start in Unix milliseconds
func (w Window) StartMS() int64 { return w.Start.UnixMilli() }

// EndMS returns the window end in Unix milliseconds
func (w Window) EndMS() int64 { return w.End.UnixMilli() }

// Contains reports whether ts (Unix ms) falls inside the window, bounds inclusive
func (w Window) Contains(ts int64) bool {
	return ts >= w.StartMS() && ts <= w.EndMS()
}

// Validate checks that the window is well formed
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("window bounds are required")
	}
	if w.End.Before(w.Start) {
		return fmt.Errorf("window end %s is before start %s",
			w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// ParseWindow builds a window from two bounds, each RFC 3339 or unix
// milliseconds. Errors wrap ErrInvalidInput.
func ParseWindow(start, end string) (Window, error) {
	s, err := parseBound(start)
	if err != nil {
		return Window{}, fmt.Errorf("%w: window start: %v", ErrInvalidInput, err)
	}
	e, err := parseBound(end)
	if err != nil {
		return Window{}, fmt.Errorf("%w: window end: %v", ErrInvalidInput, err)
	}
	w := Window{Start: s, End: e}
	if err := w.Validate(); err != nil {
		return Window{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return w, nil
}

func parseBound(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("value is required")
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC 3339 nor unix milliseconds", v)
	}
	return t.UTC(), nil
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// FunnelMetrics holds aggregate conversion statistics for one step over one window
type FunnelMetrics struct {
	FunnelStep        string         `json:"funnel_step"`
	WindowStart       time.Time      `json:"window_start"`
	WindowEnd         time.Time      `json:"window_end"`
	TotalSessions     int            `json:"total_sessions"`
	CompletedSessions int            `json:"completed_sessions"`
	ConversionRate    float64        `json:"conversion_rate"`
	DropOffRate       float64        `json:"drop_off_rate"`
	ByCountry         map[string]int `json:"by_country"`
	ByDevice          map[string]int `json:"by_device"`
	MeanTimeOnStep    *float64       `json:"mean_time_on_step,omitempty"`   // seconds
	MedianTimeOnStep  *float64       `json:"median_time_on_step,omitempty"` // seconds
}

// EmptyFunnelMetrics returns the zero-session sentinel for a step and window
func EmptyFunnelMetrics(step string, w Window) *FunnelMetrics {
	return &FunnelMetrics{
		FunnelStep:     step,
		WindowStart:    w.Start,
		WindowEnd:      w.End,
		ConversionRate: 0,
		DropOffRate:    100,
		ByCountry:      map[string]int{},
		ByDevice:       map[string]int{},
	}
}

// ComparisonMetrics compares a current window against a baseline window
type ComparisonMetrics struct {
	Current             *FunnelMetrics `json:"current"`
	Baseline            *FunnelMetrics `json:"baseline"`
	ConversionRateDelta float64        `json:"conversion_rate_delta"`
	SessionsDelta       int            `json:"sessions_delta"`
	DropDetected        bool           `json:"drop_detected"`
	DropPercentage      *float64       `json:"drop_percentage,omitempty"`
}

// Anomaly is an ephemeral finding that a step's conversion rate dropped significantly
type Anomaly struct {
	FunnelStep             string    `json:"funnel_step"`
	DetectedAt             time.Time `json:"detected_at"`
	CurrentConversionRate  float64   `json:"current_conversion_rate"`
	BaselineConversionRate float64   `json:"baseline_conversion_rate"`
	DropPercentage         float64   `json:"drop_percentage"`
	SigmaValue             float64   `json:"sigma_value"`
	IsSignificant          bool      `json:"is_significant"`
	CurrentSessions        int       `json:"current_sessions"`
	BaselineSessions       int       `json:"baseline_sessions"`
}

// Validate checks that the anomaly carries enough data to open an issue
func (a *Anomaly) Validate() error {
	if strings.TrimSpace(a.FunnelStep) == "" {
		return fmt.Errorf("funnel_step is required")
	}
	if a.DetectedAt.IsZero() {
		return fmt.Errorf("detected_at is required")
	}
	if a.DropPercentage < 0 || math.IsNaN(a.DropPercentage) {
		return fmt.Errorf("drop_percentage must be non-negative (got %v)", a.DropPercentage)
	}
	if a.CurrentSessions < 0 || a.BaselineSessions < 0 {
		return fmt.Errorf("session counts cannot be negative")
	}
	return nil
}

// Evidence aggregates error, retry and segment signals for a step and window
type Evidence struct {
	ErrorTypes           map[string]int `json:"error_types"`
	TopErrors            []string       `json:"top_errors"`
	AvgRetryCount        *float64       `json:"avg_retry_count,omitempty"`
	AffectedCountries    []string       `json:"affected_countries"`
	AffectedDevices      []string       `json:"affected_devices"`
	AffectedVersions     []string       `json:"affected_versions"`
	StrugglingSessionIDs []string       `json:"struggling_session_ids"`
}

// NewEvidence returns empty evidence with non-nil collections
func NewEvidence() *Evidence {
	return &Evidence{
		ErrorTypes:           map[string]int{},
		TopErrors:            []string{},
		AffectedCountries:    []string{},
		AffectedDevices:      []string{},
		AffectedVersions:     []string{},
		StrugglingSessionIDs: []string{},
	}
}

// Diagnosis is the root-cause analysis returned by a diagnosis provider
type Diagnosis struct {
	RootCause          string   `json:"root_cause"`
	Confidence         float64  `json:"confidence"` // 0-100
	Explanation        string   `json:"explanation"`
	RecommendedActions []string `json:"recommended_actions"`
	CodeLocations      []string `json:"code_locations"`
	ModelUsed          string   `json:"model_used,omitempty"`
	DiagnosisTimeMS    int64    `json:"diagnosis_time_ms"`
}

// Issue is the persisted record tracking an anomaly from detection through verified fix
type Issue struct {
	ID                    string     `json:"id"`
	Status                Status     `json:"status"`
	Severity              Severity   `json:"severity"`
	Anomaly               Anomaly    `json:"anomaly"`
	Evidence              *Evidence  `json:"evidence"`
	Diagnosis             *Diagnosis `json:"diagnosis,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	DiagnosedAt           *time.Time `json:"diagnosed_at,omitempty"`
	FixedAt               *time.Time `json:"fixed_at,omitempty"`
	MeasuredAt            *time.Time `json:"measured_at,omitempty"`
	FixCommitRef          *string    `json:"fix_commit_ref,omitempty"`
	FixPRRef              *string    `json:"fix_pr_ref,omitempty"`
	TicketRef             *string    `json:"ticket_ref,omitempty"`
	PostFixConversionRate *float64   `json:"post_fix_conversion_rate,omitempty"`
	UpliftPercentage      *float64   `json:"uplift_percentage,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Validate checks if the issue has valid field values
func (i *Issue) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if !i.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", i.Severity)
	}
	if err := i.Anomaly.Validate(); err != nil {
		return fmt.Errorf("invalid anomaly: %w", err)
	}
	return nil
}

// Clone returns a deep copy so cached issues are never mutated through a shared pointer
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	c := *i
	if i.Evidence != nil {
		ev := *i.Evidence
		ev.ErrorTypes = make(map[string]int, len(i.Evidence.ErrorTypes))
		for k, v := range i.Evidence.ErrorTypes {
			ev.ErrorTypes[k] = v
		}
		ev.TopErrors = append([]string(nil), i.Evidence.TopErrors...)
		ev.AffectedCountries = append([]string(nil), i.Evidence.AffectedCountries...)
		ev.AffectedDevices = append([]string(nil), i.Evidence.AffectedDevices...)
		ev.AffectedVersions = append([]string(nil), i.Evidence.AffectedVersions...)
		ev.StrugglingSessionIDs = append([]string(nil), i.Evidence.StrugglingSessionIDs...)
		ev.AvgRetryCount = clonePtr(i.Evidence.AvgRetryCount)
		c.Evidence = &ev
	}
	if i.Diagnosis != nil {
		d := *i.Diagnosis
		d.RecommendedActions = append([]string(nil), i.Diagnosis.RecommendedActions...)
		d.CodeLocations = append([]string(nil), i.Diagnosis.CodeLocations...)
		c.Diagnosis = &d
	}
	c.DiagnosedAt = clonePtr(i.DiagnosedAt)
	c.FixedAt = clonePtr(i.FixedAt)
	c.MeasuredAt = clonePtr(i.MeasuredAt)
	c.FixCommitRef = clonePtr(i.FixCommitRef)
	c.FixPRRef = clonePtr(i.FixPRRef)
	c.TicketRef = clonePtr(i.TicketRef)
	c.PostFixConversionRate = clonePtr(i.PostFixConversionRate)
	c.UpliftPercentage = clonePtr(i.UpliftPercentage)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IssueFilter narrows ListIssues results. Zero values match everything.
type IssueFilter struct {
	Status   Status
	Severity Severity
	Limit    int
}

// Matches reports whether the issue passes the filter
func (f IssueFilter) Matches(i *Issue) bool {
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	if f.Severity != "" && i.Severity != f.Severity {
		return false
	}
	return true
}
