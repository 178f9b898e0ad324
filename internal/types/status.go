package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status represents where an issue is in its lifecycle
//
// State Flow:
// - detected → diagnosed → fixed → verified
// - closed is set only by external tooling, never by the lifecycle manager
type Status string

const (
	StatusDetected  Status = "detected"
	StatusDiagnosed Status = "diagnosed"
	StatusFixed     Status = "fixed"
	StatusVerified  Status = "verified"
	StatusClosed    Status = "closed"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusDetected, StatusDiagnosed, StatusFixed, StatusVerified, StatusClosed:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle. Transitions never lower the rank.
func (s Status) Rank() int {
	switch s {
	case StatusDetected:
		return 0
	case StatusDiagnosed:
		return 1
	case StatusFixed:
		return 2
	case StatusVerified:
		return 3
	case StatusClosed:
		return 4
	}
	return -1
}

// IsTerminal reports whether no further internal transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusVerified || s == StatusClosed
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle monotonic.
// Closed is external-only, so it is never a valid internal target.
func (s Status) CanTransitionTo(next Status) bool {
	if !s.IsValid() || !next.IsValid() || next == StatusClosed || s == StatusClosed {
		return false
	}
	return next.Rank() >= s.Rank()
}

// ParseStatus parses a status name, case-insensitively
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("invalid status: %q", v)
	}
	return s, nil
}

// Severity indicates how large a conversion drop is
type Severity string

const (
	SeverityCritical Severity = "critical" // drop >= 20 points
	SeverityHigh     Severity = "high"     // 15-20 points
	SeverityMedium   Severity = "medium"   // 12-15 points
	SeverityLow      Severity = "low"      // < 12 points
)

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ParseSeverity parses a severity name, case-insensitively
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("invalid severity: %q", v)
	}
	return s, nil
}

// SeverityForDrop maps a drop in percentage points to a severity.
// It is evaluated once when an issue is created and never recomputed.
func SeverityForDrop(dropPercentage float64) Severity {
	switch {
	case dropPercentage >= 20:
		return SeverityCritical
	case dropPercentage >= 15:
		return SeverityHigh
	case dropPercentage >= 12:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// plainStep matches steps that can appear in an issue id (and a URL path) as is
var plainStep = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// IssueID derives the issue identity from the anomaly's step and detection time,
// so re-detecting the same anomaly maps to the same issue and distinct steps
// never share an id. Steps with other characters are replaced by "~" and a
// hash of the step; "~" never occurs in a plain step.
func IssueID(funnelStep string, detectedAt time.Time) string {
	step := funnelStep
	if !plainStep.MatchString(step) {
		sum := sha256.Sum256([]byte(funnelStep))
		step = "~" + hex.EncodeToString(sum[:12])
	}
	return fmt.Sprintf("issue_%d_%s", detectedAt.UnixMilli(), step)
}
