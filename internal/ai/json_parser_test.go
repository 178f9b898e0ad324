package ai

import (
	"strings"
	"testing"
)

type testDiagnosis struct {
	RootCause  string   `json:"root_cause"`
	Confidence float64  `json:"confidence"`
	Actions    []string `json:"recommended_actions"`
}

func TestParse_DirectJSON(t *testing.T) {
	result := Parse[testDiagnosis](`{"root_cause": "timeout", "confidence": 90}`, "")

	if !result.Success {
		t.Fatalf("Expected successful parse, got error: %s", result.Error)
	}
	if result.Data.RootCause != "timeout" {
		t.Errorf("Expected root_cause='timeout', got '%s'", result.Data.RootCause)
	}
	if result.Data.Confidence != 90 {
		t.Errorf("Expected confidence=90, got %v", result.Data.Confidence)
	}
}

func TestParse_EmptyInput(t *testing.T) {
	result := Parse[testDiagnosis]("   ", "")

	if result.Success {
		t.Error("Expected parse to fail on empty input")
	}
	if result.Error != "empty input" {
		t.Errorf("Expected 'empty input' error, got: %s", result.Error)
	}
}

func TestParse_ErrorCarriesContext(t *testing.T) {
	result := Parse[testDiagnosis]("", "diagnosis response")

	if result.Error != "diagnosis response: empty input" {
		t.Errorf("Expected context prefix, got: %s", result.Error)
	}
}

func TestParse_Strategies(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "json fence",
			input: "```json\n" + `{"root_cause": "x", "confidence": 1}` + "\n```",
		},
		{
			name:  "bare fence",
			input: "```\n" + `{"root_cause": "x", "confidence": 1}` + "\n```",
		},
		{
			name:  "fence without newlines",
			input: "```json" + `{"root_cause": "x", "confidence": 1}` + "```",
		},
		{
			name:  "fence inside prose",
			input: "Here you go:\n```json\n" + `{"root_cause": "x", "confidence": 1}` + "\n```\nHope it helps.",
		},
		{
			name:  "trailing commas",
			input: `{"root_cause": "x", "confidence": 1, "recommended_actions": ["a",],}`,
		},
		{
			name:  "unquoted keys",
			input: `{root_cause: "x", confidence: 1}`,
		},
		{
			name: "line comments",
			input: `{
  // the model likes to annotate
  "root_cause": "x",
  "confidence": 1
}`,
		},
		{
			name:  "block comments",
			input: `{"root_cause": "x", /* note */ "confidence": 1}`,
		},
		{
			name:  "leading prose",
			input: `Based on the evidence: {"root_cause": "x", "confidence": 1} Let me know.`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse[testDiagnosis](tt.input, "")
			if !result.Success {
				t.Fatalf("Expected successful parse, got error: %s", result.Error)
			}
			if result.Data.RootCause != "x" {
				t.Errorf("Expected root_cause='x', got '%s'", result.Data.RootCause)
			}
		})
	}
}

func TestParse_KeepsURLsAndApostrophes(t *testing.T) {
	input := `{"root_cause": "Can't reach https://api.example.com/otp", "confidence": 70,}`

	result := Parse[testDiagnosis](input, "")
	if !result.Success {
		t.Fatalf("Expected successful parse, got error: %s", result.Error)
	}
	if result.Data.RootCause != "Can't reach https://api.example.com/otp" {
		t.Errorf("Unexpected root_cause: %s", result.Data.RootCause)
	}
}

func TestParse_Garbage(t *testing.T) {
	result := Parse[testDiagnosis]("I could not determine a root cause.", "diagnosis")

	if result.Success {
		t.Fatal("Expected parse to fail")
	}
	if !strings.Contains(result.Error, "all JSON parsing strategies failed") {
		t.Errorf("Unexpected error: %s", result.Error)
	}
	if result.OriginalText != "I could not determine a root cause." {
		t.Errorf("Expected original text to be preserved")
	}
}

func TestParse_SizeLimit(t *testing.T) {
	result := Parse[testDiagnosis](strings.Repeat("x", maxParseInput+1), "")

	if result.Success {
		t.Fatal("Expected oversized input to be rejected")
	}
	if !strings.Contains(result.Error, "exceeds size limit") {
		t.Errorf("Unexpected error: %s", result.Error)
	}
}
