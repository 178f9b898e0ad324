package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techiepookie/arguxai/internal/types"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 12.0, cfg.Detection.MinDropPercent)
	assert.Equal(t, 100, cfg.Detection.MinSampleSize)
	assert.Equal(t, 2.0, cfg.Detection.SigmaThreshold)
	assert.Equal(t, 4, cfg.Detection.ScanConcurrency)
	assert.Equal(t, "arguxai.db", cfg.Storage.Path)
	assert.False(t, cfg.UsesPostgres())
	assert.Equal(t, 30*time.Second, cfg.AI.Timeout)
	assert.Equal(t, "127.0.0.1:8000", cfg.HTTP.Addr)
	assert.Equal(t, "data_range", cfg.Window.Strategy)
	assert.Equal(t, MeasurementMetrics, cfg.Measurement.Strategy)
	assert.Equal(t, 24*time.Hour, cfg.Measurement.Window)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ARGUXAI_DETECTION_MIN_DROP_PERCENT", "20")
	t.Setenv("ARGUXAI_STORAGE_POSTGRES_DSN", "postgres://localhost/arguxai")
	t.Setenv("ARGUXAI_AI_TIMEOUT", "5s")
	t.Setenv("ARGUXAI_LOG_FORMAT", "console")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 20.0, cfg.Detection.MinDropPercent)
	assert.True(t, cfg.UsesPostgres())
	assert.Equal(t, 5*time.Second, cfg.AI.Timeout)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arguxai.yaml")
	content := `
detection:
  min_drop_percent: 8
  min_sample_size: 50
storage:
  path: /tmp/test.db
window:
  strategy: relative
measurement:
  strategy: simulated
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8.0, cfg.Detection.MinDropPercent)
	assert.Equal(t, 50, cfg.Detection.MinSampleSize)
	assert.Equal(t, 2.0, cfg.Detection.SigmaThreshold, "unset keys keep defaults")
	assert.Equal(t, "/tmp/test.db", cfg.Storage.Path)
	assert.Equal(t, "relative", cfg.Window.Strategy)
	assert.Equal(t, MeasurementSimulated, cfg.Measurement.Strategy)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arguxai.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detection:\n  min_sample_size: 50\n"), 0o600))
	t.Setenv("ARGUXAI_DETECTION_MIN_SAMPLE_SIZE", "75")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.Detection.MinSampleSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("ARGUXAI_DETECTION_MIN_DROP_PERCENT", "150")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_drop_percent")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative drop", func(c *Config) { c.Detection.MinDropPercent = -1 }, "min_drop_percent"},
		{"zero sample", func(c *Config) { c.Detection.MinSampleSize = 0 }, "min_sample_size"},
		{"negative sigma", func(c *Config) { c.Detection.SigmaThreshold = -0.5 }, "sigma_threshold"},
		{"concurrency too high", func(c *Config) { c.Detection.ScanConcurrency = 65 }, "scan_concurrency"},
		{"no storage", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"zero ai timeout", func(c *Config) { c.AI.Timeout = 0 }, "ai.timeout"},
		{"too many retries", func(c *Config) { c.AI.MaxRetries = 11 }, "ai.max_retries"},
		{"no addr", func(c *Config) { c.HTTP.Addr = "" }, "http.addr"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad window", func(c *Config) { c.Window.Strategy = "weekly" }, "window.strategy"},
		{"bad measurement", func(c *Config) { c.Measurement.Strategy = "guess" }, "measurement.strategy"},
		{"negative measurement window", func(c *Config) { c.Measurement.Window = -time.Hour }, "measurement.window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFunnelsDefault(t *testing.T) {
	funnels, err := LoadFunnels("")
	require.NoError(t, err)
	require.Len(t, funnels, 2)
	assert.Equal(t, "login", funnels[0].Name)
	assert.Equal(t, []string{
		"login_page", "login_form", "login_button_click", "login_complete",
		"signup_form", "otp_verification", "profile_creation", "conversion",
	}, types.FunnelSteps(funnels))
}

func TestLoadFunnelsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funnels.yaml")
	content := `
funnels:
  - name: checkout
    steps: [cart, " payment ", confirm]
    completion:
      event_types: [purchase]
      funnel_steps: [confirm]
  - name: search
    steps: [search, cart]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	funnels, err := LoadFunnels(path)
	require.NoError(t, err)
	require.Len(t, funnels, 2)
	assert.Equal(t, []string{"cart", "payment", "confirm"}, funnels[0].Steps)
	assert.Equal(t, []string{"cart", "payment", "confirm", "search"}, types.FunnelSteps(funnels))

	require.NotNil(t, funnels[0].Completion)
	assert.Equal(t, []string{"purchase"}, funnels[0].Completion.EventTypes)
	assert.Equal(t, []string{"confirm"}, funnels[0].Completion.FunnelSteps)
	assert.Nil(t, funnels[1].Completion)
}

func TestParseFunnelsErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty", "funnels: []", "no funnels"},
		{"no name", "funnels:\n  - steps: [a]", "name is required"},
		{"duplicate name", "funnels:\n  - name: a\n    steps: [x]\n  - name: a\n    steps: [y]", "defined twice"},
		{"no steps", "funnels:\n  - name: a", "at least one step"},
		{"blank step", "funnels:\n  - name: a\n    steps: [x, '  ']", "is empty"},
		{"repeated step", "funnels:\n  - name: a\n    steps: [x, x]", "listed twice"},
		{"bad yaml", "funnels: [", "parsing funnels file"},
		{"slash in name", "funnels:\n  - name: a/b\n    steps: [x]", "must not contain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFunnels([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
