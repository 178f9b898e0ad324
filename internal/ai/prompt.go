package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/techiepookie/arguxai/internal/types"
)

const systemPrompt = "You are an expert conversion optimization analyst. Analyze user behavior data and diagnose technical issues causing conversion drops. Provide specific, actionable root causes."

// buildDiagnosisPrompt renders the anomaly and its evidence for the model
func buildDiagnosisPrompt(a *types.Anomaly, ev *types.Evidence) string {
	avgRetry := "N/A"
	if ev.AvgRetryCount != nil {
		avgRetry = fmt.Sprintf("%.1f", *ev.AvgRetryCount)
	}

	return fmt.Sprintf(`Analyze this conversion drop.

## Funnel Step: %s

## Metrics:
- Current Conversion Rate: %.1f%% (%d sessions)
- Baseline Conversion Rate: %.1f%% (%d sessions)
- Drop: %.1f percentage points (%.2f sigma)

## Evidence:

### Error Patterns:
%s

### Top Error Messages:
%s

### User Behavior:
- Average Retry Count: %s
- Struggling Sessions (sample): %s

### Affected Segments:
- Countries: %s
- Devices: %s
- App Versions: %s

## Your Task:
Provide a diagnosis as a JSON object with these fields:
{
  "root_cause": "Single sentence identifying the most likely root cause",
  "confidence": 0-100,
  "explanation": "2-3 sentences explaining how the root cause produces the drop",
  "recommended_actions": ["Specific fix", "Testing steps", "Monitoring after fix"],
  "code_locations": ["path/to/file if the evidence points at one"]
}

IMPORTANT: Respond with ONLY raw JSON. Do NOT wrap it in markdown code fences. Just the JSON object.`,
		a.FunnelStep,
		a.CurrentConversionRate, a.CurrentSessions,
		a.BaselineConversionRate, a.BaselineSessions,
		a.DropPercentage, a.SigmaValue,
		indentJSON(ev.ErrorTypes),
		indentJSON(ev.TopErrors),
		avgRetry,
		listOrNA(ev.StrugglingSessionIDs),
		listOrNA(ev.AffectedCountries),
		listOrNA(ev.AffectedDevices),
		listOrNA(ev.AffectedVersions),
	)
}

func indentJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "N/A"
	}
	return string(b)
}

func listOrNA(values []string) string {
	if len(values) == 0 {
		return "N/A"
	}
	return strings.Join(values, ", ")
}
