// Package ai asks a language model for the root cause of a conversion drop.
//
// The Diagnoser wraps the Anthropic Messages API with a concurrency cap, a
// token bucket rate limiter, a circuit breaker and retry with exponential
// backoff. Callers own the fallback: Diagnose returns an error whenever no
// usable diagnosis came back, and never invents one.
package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/techiepookie/arguxai/internal/types"
)

// Model constants
const (
	ModelSonnet = "claude-sonnet-4-5-20250929"
	ModelHaiku  = "claude-haiku-4-5-20251001"
)

// GetDefaultModel returns the model used when none is configured.
// ARGUXAI_AI_MODEL overrides it.
func GetDefaultModel() string {
	if m := os.Getenv("ARGUXAI_AI_MODEL"); m != "" {
		return m
	}
	return ModelSonnet
}

// Config holds diagnoser configuration
type Config struct {
	APIKey    string        // Anthropic API key (if empty, reads from ANTHROPIC_API_KEY env var)
	Model     string        // Model to use (default: GetDefaultModel())
	BaseURL   string        // Overrides the API endpoint; used by tests and proxies
	MaxTokens int64         // Response token cap (default: 1024)
	Timeout   time.Duration // Per-attempt timeout (default: 30s)
	Retry     RetryConfig   // Uses DefaultRetryConfig() when zero

	Logger *zerolog.Logger
}

// Diagnoser turns an anomaly and its evidence into a root-cause diagnosis
type Diagnoser struct {
	client         anthropic.Client
	model          string
	maxTokens      int64
	timeout        time.Duration
	retry          RetryConfig
	breaker        *gobreaker.CircuitBreaker
	limiter        *rate.Limiter
	concurrencySem *semaphore.Weighted
	log            zerolog.Logger
}

// NewDiagnoser creates a diagnoser
func NewDiagnoser(cfg *Config) (*Diagnoser, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = GetDefaultModel()
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	retry := cfg.Retry
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}
	if err := retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "ai").Logger()
	}

	// Retries are ours; the SDK's own retry loop would multiply attempts
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	d := &Diagnoser{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		timeout:   timeout,
		retry:     retry,
		log:       log,
	}

	d.breaker = newBreaker("anthropic", retry, func(from, to gobreaker.State) {
		d.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state transition")
	})
	if retry.RequestsPerMinute > 0 {
		d.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(retry.RequestsPerMinute)), retry.RequestsPerMinute)
	}
	if retry.MaxConcurrentCalls > 0 {
		d.concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}

	d.log.Debug().
		Str("model", model).
		Int("requests_per_minute", retry.RequestsPerMinute).
		Int("max_concurrent", retry.MaxConcurrentCalls).
		Msg("AI diagnoser initialized")
	return d, nil
}

// Model returns the configured model name
func (d *Diagnoser) Model() string { return d.model }

// HealthCheck reports an error while the circuit breaker is open
func (d *Diagnoser) HealthCheck(context.Context) error {
	if d.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("AI diagnoser unavailable: %w (retry in %v)", ErrCircuitOpen, d.retry.OpenTimeout)
	}
	return nil
}

// diagnosisResponse is the JSON shape the prompt asks for
type diagnosisResponse struct {
	RootCause          string   `json:"root_cause"`
	Confidence         float64  `json:"confidence"`
	Explanation        string   `json:"explanation"`
	RecommendedActions []string `json:"recommended_actions"`
	CodeLocations      []string `json:"code_locations"`
}

// Diagnose asks the model for a root cause. Each attempt is bounded by the
// configured timeout; ctx bounds the whole call.
func (d *Diagnoser) Diagnose(ctx context.Context, anomaly *types.Anomaly, evidence *types.Evidence) (*types.Diagnosis, error) {
	if anomaly == nil {
		return nil, errors.New("anomaly is required")
	}
	if evidence == nil {
		evidence = types.NewEvidence()
	}
	startTime := time.Now()

	d.log.Info().
		Str("funnel_step", anomaly.FunnelStep).
		Float64("drop_percentage", anomaly.DropPercentage).
		Msg("Requesting AI diagnosis")

	prompt := buildDiagnosisPrompt(anomaly, evidence)

	var response *anthropic.Message
	err := d.retryWithBackoff(ctx, "diagnosis", func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		resp, apiErr := d.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:       anthropic.Model(d.model),
			MaxTokens:   d.maxTokens,
			Temperature: anthropic.Float(0.3),
			System: []anthropic.TextBlockParam{
				{Text: systemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call failed: %w", err)
	}

	responseText := messageText(response)
	parsed := Parse[diagnosisResponse](responseText, "diagnosis response")
	if !parsed.Success {
		return nil, fmt.Errorf("%s (response: %s)", parsed.Error, truncate(responseText, 500))
	}
	if strings.TrimSpace(parsed.Data.RootCause) == "" {
		return nil, fmt.Errorf("diagnosis response has no root_cause (response: %s)", truncate(responseText, 500))
	}

	elapsed := time.Since(startTime)
	diagnosis := &types.Diagnosis{
		RootCause:          strings.TrimSpace(parsed.Data.RootCause),
		Confidence:         clampConfidence(parsed.Data.Confidence),
		Explanation:        strings.TrimSpace(parsed.Data.Explanation),
		RecommendedActions: nonNil(parsed.Data.RecommendedActions),
		CodeLocations:      nonNil(parsed.Data.CodeLocations),
		ModelUsed:          d.model,
		DiagnosisTimeMS:    elapsed.Milliseconds(),
	}

	d.log.Info().
		Str("funnel_step", anomaly.FunnelStep).
		Float64("confidence", diagnosis.Confidence).
		Int64("time_ms", diagnosis.DiagnosisTimeMS).
		Int64("input_tokens", response.Usage.InputTokens).
		Int64("output_tokens", response.Usage.OutputTokens).
		Msg("AI diagnosis completed")
	return diagnosis, nil
}

func messageText(m *anthropic.Message) string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
