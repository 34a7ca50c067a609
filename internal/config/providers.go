// Package config: provider roster, pricing, and priority, optionally loaded
// from a YAML file so operators can adjust prices without a rebuild.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Pricing holds per-million token prices in USD. Free providers use zeros.
type Pricing struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Providers describes the provider roster: priority order and pricing.
type Providers struct {
	Priority []string           `yaml:"priority"`
	Pricing  map[string]Pricing `yaml:"pricing"`
}

// DefaultProviders returns the built-in roster used when no providers file
// exists. Prices reflect published list prices at time of writing; the YAML
// file is the operator override.
func DefaultProviders() Providers {
	return Providers{
		Priority: []string{"gemini", "claude", "openai"},
		Pricing: map[string]Pricing{
			"gemini": {InputPerMillion: 0.10, OutputPerMillion: 0.40},
			"claude": {InputPerMillion: 0.80, OutputPerMillion: 4.00},
			"openai": {InputPerMillion: 0.15, OutputPerMillion: 0.60},
		},
	}
}

// LoadProviders reads the roster from path, falling back to defaults when the
// file does not exist. Partial files inherit defaults for missing sections.
func LoadProviders(path string) (Providers, error) {
	p := DefaultProviders()
	if path == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("op=config.LoadProviders read: %w", err)
	}
	var file Providers
	if err := yaml.Unmarshal(b, &file); err != nil {
		return p, fmt.Errorf("op=config.LoadProviders parse: %w", err)
	}
	if len(file.Priority) > 0 {
		p.Priority = file.Priority
	}
	for name, pricing := range file.Pricing {
		p.Pricing[name] = pricing
	}
	return p, nil
}
