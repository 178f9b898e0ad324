package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/techiepookie/arguxai/internal/types"
)

// FunnelFile represents the structure of funnels.yaml
type FunnelFile struct {
	Funnels []*types.Funnel `yaml:"funnels"`
}

// DefaultFunnels returns the login and onboarding funnels the SDK demo app emits
func DefaultFunnels() []*types.Funnel {
	return []*types.Funnel{
		{
			Name:        "login",
			Description: "Login page to authenticated session",
			Steps:       []string{"login_page", "login_form", "login_button_click", "login_complete"},
		},
		{
			Name:        "onboarding",
			Description: "Signup through first conversion",
			Steps:       []string{"signup_form", "otp_verification", "profile_creation", "conversion"},
		},
	}
}

// LoadFunnels reads funnel definitions from path.
// An empty path returns DefaultFunnels.
func LoadFunnels(path string) ([]*types.Funnel, error) {
	if path == "" {
		return DefaultFunnels(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading funnels file: %w", err)
	}
	return ParseFunnels(data)
}

// ParseFunnels decodes and validates funnel definitions
func ParseFunnels(data []byte) ([]*types.Funnel, error) {
	var file FunnelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing funnels file: %w", err)
	}
	if len(file.Funnels) == 0 {
		return nil, fmt.Errorf("funnels file defines no funnels")
	}

	names := make(map[string]bool, len(file.Funnels))
	for i, f := range file.Funnels {
		if f == nil {
			return nil, fmt.Errorf("funnel %d is empty", i)
		}
		if err := f.Normalize(); err != nil {
			return nil, fmt.Errorf("funnel %d: %w", i, err)
		}
		if names[f.Name] {
			return nil, fmt.Errorf("funnel %q defined twice", f.Name)
		}
		names[f.Name] = true
	}
	return file.Funnels, nil
}
