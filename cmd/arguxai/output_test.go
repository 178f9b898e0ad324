package main

import (
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/techiepookie/arguxai/internal/types"
)

func withoutColor(t *testing.T) {
	t.Helper()
	orig := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = orig })
}

func TestFormatCounts(t *testing.T) {
	tests := []struct {
		name     string
		counts   map[string]int
		expected string
	}{
		{"empty", map[string]int{}, ""},
		{"single", map[string]int{"android": 3}, "android=3"},
		{"by count then name", map[string]int{"ios": 2, "web": 5, "android": 2}, "web=5, android=2, ios=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatCounts(tt.counts))
		})
	}
}

func TestStatusIcon(t *testing.T) {
	withoutColor(t)

	tests := []struct {
		status   types.Status
		expected string
	}{
		{types.StatusDetected, "●"},
		{types.StatusDiagnosed, "●"},
		{types.StatusFixed, "●"},
		{types.StatusVerified, "✓"},
		{types.StatusClosed, "○"},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.expected, statusIcon(tt.status))
		})
	}
}

func TestFormatSteps(t *testing.T) {
	assert.Equal(t, "cart → pay", formatSteps([]string{"cart", "pay"}))
	assert.Equal(t, "", formatSteps(nil))
}
