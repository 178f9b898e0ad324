package types

import (
	"fmt"
	"strings"
	"time"
)

// Batch limits and timestamp tolerances for SDK event ingestion
const (
	MaxEventBatchSize = 1000
	MaxEventFutureAge = 24 * time.Hour
	MaxEventPastAge   = 30 * 24 * time.Hour
)

// IngestResult reports the outcome of storing a batch of events
type IngestResult struct {
	BatchID    string   `json:"batch_id,omitempty"`
	Ingested   int      `json:"events_ingested"`
	Duplicates int      `json:"events_duplicate"`
	Rejected   int      `json:"events_rejected"`
	Errors     []string `json:"errors,omitempty"`
}

// Validate checks a single event relative to now.
// Session ids are trimmed in place.
func (e *Event) Validate(now time.Time) error {
	e.SessionID = strings.TrimSpace(e.SessionID)
	if e.SessionID == "" {
		return fmt.Errorf("session_id cannot be empty")
	}
	if strings.TrimSpace(e.EventType) == "" {
		return fmt.Errorf("event_type cannot be empty")
	}
	nowMS := now.UnixMilli()
	if e.Timestamp > nowMS+MaxEventFutureAge.Milliseconds() {
		return fmt.Errorf("timestamp cannot be more than 1 day in the future")
	}
	if e.Timestamp < nowMS-MaxEventPastAge.Milliseconds() {
		return fmt.Errorf("timestamp cannot be more than 30 days in the past")
	}
	return nil
}

// ApplyDefaults fills in the SDK's default segment attributes
func (e *Event) ApplyDefaults() {
	if e.DeviceType == "" {
		e.DeviceType = "unknown"
	}
	if e.Country == "" {
		e.Country = "US"
	}
	if e.AppVersion == "" {
		e.AppVersion = "1.0.0"
	}
}

// ValidateEventBatch splits a batch into accepted events and per-event rejection messages.
// An empty or oversized batch is rejected as a whole.
func ValidateEventBatch(events []*Event, now time.Time) ([]*Event, []string, error) {
	if len(events) == 0 {
		return nil, nil, fmt.Errorf("event batch cannot be empty")
	}
	if len(events) > MaxEventBatchSize {
		return nil, nil, fmt.Errorf("event batch cannot exceed %d events (got %d)", MaxEventBatchSize, len(events))
	}

	valid := make([]*Event, 0, len(events))
	var rejections []string
	for i, e := range events {
		if e == nil {
			rejections = append(rejections, fmt.Sprintf("event %d: missing", i))
			continue
		}
		if err := e.Validate(now); err != nil {
			rejections = append(rejections, fmt.Sprintf("event %d (%s): %v", i, e.SessionID, err))
			continue
		}
		e.ApplyDefaults()
		valid = append(valid, e)
	}
	return valid, rejections, nil
}
