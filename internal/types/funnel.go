package types

import (
	"fmt"
	"strings"
	"time"
)

// CompletionMarkers define which events mark a session as having converted
type CompletionMarkers struct {
	EventTypes  []string `json:"event_types,omitempty" yaml:"event_types" mapstructure:"event_types"`
	FunnelSteps []string `json:"funnel_steps,omitempty" yaml:"funnel_steps" mapstructure:"funnel_steps"`
}

// Matches reports whether e is a terminal-success event
func (m CompletionMarkers) Matches(e *Event) bool {
	for _, t := range m.EventTypes {
		if e.EventType == t {
			return true
		}
	}
	for _, s := range m.FunnelSteps {
		if e.FunnelStep == s {
			return true
		}
	}
	return false
}

// IsEmpty reports whether no marker is set
func (m CompletionMarkers) IsEmpty() bool {
	return len(m.EventTypes) == 0 && len(m.FunnelSteps) == 0
}

// Funnel is an ordered list of steps that users move through
type Funnel struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []string `json:"steps" yaml:"steps"`

	// Completion overrides what counts as finishing this funnel
	Completion *CompletionMarkers `json:"completion,omitempty" yaml:"completion,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Normalize trims names and steps in place and validates the result.
// Errors wrap ErrInvalidInput.
func (f *Funnel) Normalize() error {
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return fmt.Errorf("%w: funnel name is required", ErrInvalidInput)
	}
	if strings.ContainsAny(f.Name, "/?#") {
		return fmt.Errorf("%w: funnel name %q must not contain '/', '?' or '#'", ErrInvalidInput, f.Name)
	}
	f.Description = strings.TrimSpace(f.Description)

	if len(f.Steps) == 0 {
		return fmt.Errorf("%w: funnel %q: at least one step is required", ErrInvalidInput, f.Name)
	}
	seen := make(map[string]bool, len(f.Steps))
	for i, s := range f.Steps {
		s = strings.TrimSpace(s)
		if s == "" {
			return fmt.Errorf("%w: funnel %q: step %d is empty", ErrInvalidInput, f.Name, i)
		}
		if seen[s] {
			return fmt.Errorf("%w: funnel %q: step %q listed twice", ErrInvalidInput, f.Name, s)
		}
		seen[s] = true
		f.Steps[i] = s
	}

	if f.Completion != nil {
		f.Completion.EventTypes = trimNonEmpty(f.Completion.EventTypes)
		f.Completion.FunnelSteps = trimNonEmpty(f.Completion.FunnelSteps)
		if f.Completion.IsEmpty() {
			f.Completion = nil
		}
	}
	return nil
}

// Clone returns a deep copy
func (f *Funnel) Clone() *Funnel {
	if f == nil {
		return nil
	}
	c := *f
	c.Steps = append([]string(nil), f.Steps...)
	if f.Completion != nil {
		m := CompletionMarkers{
			EventTypes:  append([]string(nil), f.Completion.EventTypes...),
			FunnelSteps: append([]string(nil), f.Completion.FunnelSteps...),
		}
		c.Completion = &m
	}
	return &c
}

// FunnelSteps returns every step of every funnel, first occurrence wins
func FunnelSteps(funnels []*Funnel) []string {
	var steps []string
	seen := map[string]bool{}
	for _, f := range funnels {
		for _, s := range f.Steps {
			if !seen[s] {
				seen[s] = true
				steps = append(steps, s)
			}
		}
	}
	return steps
}

// MergeCompletion unions the funnels' completion overrides.
// fallback applies when no funnel overrides completion.
func MergeCompletion(funnels []*Funnel, fallback CompletionMarkers) CompletionMarkers {
	var merged CompletionMarkers
	for _, f := range funnels {
		if f.Completion == nil {
			continue
		}
		merged.EventTypes = appendUnique(merged.EventTypes, f.Completion.EventTypes...)
		merged.FunnelSteps = appendUnique(merged.FunnelSteps, f.Completion.FunnelSteps...)
	}
	if merged.IsEmpty() {
		return fallback
	}
	return merged
}

func trimNonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = appendUnique(out, v)
		}
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
