package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techiepookie/arguxai/internal/types"
)

// fakeAnthropic serves the Messages API with a scripted sequence of replies
type fakeAnthropic struct {
	calls   atomic.Int32
	replies []func(w http.ResponseWriter, r *http.Request)
	prompts []string
}

func (f *fakeAnthropic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(f.calls.Add(1)) - 1

	var body struct {
		Messages []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && len(body.Messages) > 0 && len(body.Messages[0].Content) > 0 {
		f.prompts = append(f.prompts, body.Messages[0].Content[0].Text)
	}

	if n >= len(f.replies) {
		n = len(f.replies) - 1
	}
	f.replies[n](w, r)
}

func textReply(text string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_test",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-test",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
			"usage": map[string]any{"input_tokens": 120, "output_tokens": 80},
		})
	}
}

func errorReply(status int, errType string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": errType, "message": "scripted failure"},
		})
	}
}

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
		FailureThreshold:  10,
		OpenTimeout:       time.Minute,
	}
}

func newTestDiagnoser(t *testing.T, fake *fakeAnthropic, mutate func(*Config)) *Diagnoser {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := &Config{
		APIKey:  "test-key",
		Model:   "claude-test",
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Retry:   testRetryConfig(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	d, err := NewDiagnoser(cfg)
	require.NoError(t, err)
	return d
}

func otpAnomaly() *types.Anomaly {
	return &types.Anomaly{
		FunnelStep:             "otp_verification",
		DetectedAt:             time.UnixMilli(1707289800000),
		CurrentConversionRate:  52,
		BaselineConversionRate: 87,
		DropPercentage:         35,
		SigmaValue:             11.73,
		IsSignificant:          true,
		CurrentSessions:        300,
		BaselineSessions:       650,
	}
}

func otpEvidence() *types.Evidence {
	ev := types.NewEvidence()
	ev.ErrorTypes["sms_delivery_failed"] = 42
	ev.TopErrors = []string{"SMS gateway timeout"}
	avg := 2.4
	ev.AvgRetryCount = &avg
	ev.AffectedCountries = []string{"IN", "BD"}
	ev.AffectedDevices = []string{"android"}
	ev.AffectedVersions = []string{"2.3.1"}
	return ev
}

const goodDiagnosis = `{
  "root_cause": "SMS gateway is timing out for Indian carriers",
  "confidence": 88,
  "explanation": "OTP messages are not delivered, so users retry and abandon.",
  "recommended_actions": ["Fail over to the secondary SMS provider", "Add delivery alerts"],
  "code_locations": ["services/otp/sender.go"]
}`

func TestDiagnoseSuccess(t *testing.T) {
	fake := &fakeAnthropic{replies: []func(http.ResponseWriter, *http.Request){textReply(goodDiagnosis)}}
	d := newTestDiagnoser(t, fake, nil)

	diag, err := d.Diagnose(context.Background(), otpAnomaly(), otpEvidence())
	require.NoError(t, err)

	assert.Equal(t, "SMS gateway is timing out for Indian carriers", diag.RootCause)
	assert.Equal(t, 88.0, diag.Confidence)
	assert.Len(t, diag.RecommendedActions, 2)
	assert.Equal(t, []string{"services/otp/sender.go"}, diag.CodeLocations)
	assert.Equal(t, "claude-test", diag.ModelUsed)
	assert.GreaterOrEqual(t, diag.DiagnosisTimeMS, int64(0))
	assert.EqualValues(t, 1, fake.calls.Load())

	require.Len(t, fake.prompts, 1)
	assert.Contains(t, fake.prompts[0], "otp_verification")
	assert.Contains(t, fake.prompts[0], "SMS gateway timeout")
	assert.Contains(t, fake.prompts[0], "IN, BD")
	assert.Contains(t, fake.prompts[0], "Average Retry Count: 2.4")
}

func TestDiagnoseParsesFencedResponse(t *testing.T) {
	fenced := "```json\n" + goodDiagnosis + "\n```"
	fake := &fakeAnthropic{replies: []func(http.ResponseWriter, *http.Request){textReply(fenced)}}
	d := newTestDiagnoser(t, fake, nil)

	diag, err := d.Diagnose(context.Background(), otpAnomaly(), nil)
	require.NoError(t, err)
	assert.Equal(t, 88.0, diag.Confidence)
}

func TestDiagnoseClampsConfidence(t *testing.T) {
	fake := &fakeAnthropic{replies: []func(http.ResponseWriter, *http.Request){
		textReply(`{"root_cause": "x", "confidence": 250}`),
	}}
	d := newTestDiagnoser(t, fake, nil)

	diag, err := d.Diagnose(context.Background(), otpAnomaly(), otpEvidence())
	require.NoError(t, err)
	assert.Equal(t, 100.0, diag.Confidence)
	assert.NotNil(t, diag.RecommendedActions)
	assert.NotNil(t, diag.CodeLocations)
}

func TestDiagnoseRetriesServerErrors(t *testing.T) {
	fake := &fakeAnthropic{replies: []func(http.ResponseWriter, *http.Request){
		errorReply(http.StatusInternalServerError, "api_error"),
		errorReply(http.StatusServiceUnavailable, "overloaded_error"),
		textReply(goodDiagnosis),
	}}
	d := newTestDiagnoser(t, fake, nil)

	diag, err := d.Diagnose(context.Background(), otpAnomaly(), otpEvidence())
	require.NoError(t, err)
	assert.Equal(t, 88.0, diag.Confidence)
	assert.EqualValues(t, 3, fake.calls.Load())
}

func TestDiagnoseGivesUpAfterMaxRetries(t *testing.T) {
	fake := &fakeAnthropic{replies: []func(http.ResponseWriter, *http.Request){
		errorReply(http.StatusInternalServerError, "api_error"),
	}}
	d := newTestDiagnoser(t, fake, nil)

	_, err := d.Diagnose(context.Background(), otpAnomaly(), otpEvidence())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.EqualValues(t, 3, fake.calls.Load())
}

func TestDiagnoseDoesNotRetryAuthErrors(t *testing.T) {
	fake := &fakeAnthropic{replies: []func(http.ResponseWriter, *http.Request){
		errorReply(http.StatusUnauthorized, "authentication_error"),
	}}
	d := newTestDiagnoser(t, fake, nil)

	_, err := d.Diagnose(context.Background(), otpAnomaly(), otpEvidence())
	require.Error(t, err)
	assert.EqualValues(t, 1, fake.calls.Load())
}

func TestDiagnoseUnparseableResponse(t *testing.T) {
	fake := &fakeAnthropic{replies: []func(http.ResponseWriter, *http.Request){
		textReply("I am not able to help with that."),
	}}
	d := newTestDiagnoser(t, fake, nil)

	_, err := d.Diagnose(context.Background(), otpAnomaly(), otpEvidence())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diagnosis response")
}

func TestDiagnoseMissingRootCause(t *testing.T) {
	fake := &fakeAnthropic{replies: []func(http.ResponseWriter, *http.Request){
		textReply(`{"confidence": 80}`),
	}}
	d := newTestDiagnoser(t, fake, nil)

	_, err := d.Diagnose(context.Background(), otpAnomaly(), otpEvidence())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no root_cause")
}

func TestDiagnoseAttemptTimeout(t *testing.T) {
	slow := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}
	fake := &fakeAnthropic{replies: []func(http.ResponseWriter, *http.Request){slow}}
	d := newTestDiagnoser(t, fake, func(c *Config) {
		c.Timeout = 50 * time.Millisecond
		c.Retry.MaxRetries = 0
	})

	start := time.Now()
	_, err := d.Diagnose(context.Background(), otpAnomaly(), otpEvidence())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fake := &fakeAnthropic{replies: []func(http.ResponseWriter, *http.Request){
		errorReply(http.StatusInternalServerError, "api_error"),
	}}
	d := newTestDiagnoser(t, fake, func(c *Config) {
		c.Retry.MaxRetries = 0
		c.Retry.FailureThreshold = 2
	})

	for i := 0; i < 2; i++ {
		_, err := d.Diagnose(context.Background(), otpAnomaly(), otpEvidence())
		require.Error(t, err)
	}
	require.Error(t, d.HealthCheck(context.Background()))

	_, err := d.Diagnose(context.Background(), otpAnomaly(), otpEvidence())
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.EqualValues(t, 2, fake.calls.Load(), "an open circuit must fail fast")
}

func TestNewDiagnoserRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewDiagnoser(&Config{})
	require.Error(t, err)
}

func TestRetryConfigValidate(t *testing.T) {
	require.NoError(t, DefaultRetryConfig().Validate())

	bad := DefaultRetryConfig()
	bad.BackoffMultiplier = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultRetryConfig()
	bad.RequestsPerMinute = -1
	assert.Error(t, bad.Validate())
}
