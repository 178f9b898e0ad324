package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techiepookie/arguxai/internal/config"
	"github.com/techiepookie/arguxai/internal/telemetry"
	"github.com/techiepookie/arguxai/internal/types"
)

// useSettings points the CLI globals at a fresh database for one test
func useSettings(t *testing.T, funnelsFile string) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "arguxai.db")
	cfg.Funnels.File = funnelsFile

	origSettings, origLogger, origMetrics := settings, logger, metrics
	settings, logger, metrics = cfg, zerolog.Nop(), telemetry.New()
	t.Cleanup(func() { settings, logger, metrics = origSettings, origLogger, origMetrics })
}

func TestOpenServiceSeedsFunnelsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funnels.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
funnels:
  - name: checkout
    steps: [cart, pay]
    completion:
      event_types: [purchase]
`), 0644))
	useSettings(t, path)
	ctx := context.Background()

	svc := openService(ctx)
	defer svc.Close()

	funnels, err := svc.ListFunnels(ctx)
	require.NoError(t, err)
	require.Len(t, funnels, 1)
	assert.Equal(t, "checkout", funnels[0].Name)
	assert.Equal(t, []string{"purchase"}, funnels[0].Completion.EventTypes)
}

func TestOpenServiceKeepsStoredFunnels(t *testing.T) {
	useSettings(t, "")
	ctx := context.Background()

	svc := openService(ctx)
	_, _, err := svc.ApplyFunnel(ctx, &types.Funnel{Name: "checkout", Steps: []string{"cart"}})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteFunnel(ctx, "login"))
	require.NoError(t, svc.Close())

	svc = openService(ctx)
	defer svc.Close()
	steps, err := svc.Steps(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"signup_form", "otp_verification", "profile_creation", "conversion", "cart"}, steps)
}

func TestParseWindowFlag(t *testing.T) {
	w, err := parseWindowFlag("1707289800000,2024-02-07T08:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1707289800000), w.Start.UnixMilli())

	tests := []struct {
		name  string
		value string
	}{
		{"no comma", "1707289800000"},
		{"bad bound", "soon,1707289800000"},
		{"reversed", "1707289800001,1707289800000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseWindowFlag(tt.value)
			assert.Error(t, err)
		})
	}
}
