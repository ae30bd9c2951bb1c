// Package random provides counters that draw their readings from a random
// source: uniform noise, normally distributed values around a mean, or a
// bounded random walk. They stand in for fluctuating beamline signals in demo
// configurations and statistics tests.
package random

import (
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultMin   = 0.0
	defaultMax   = 1.0
	defaultMean  = 0.0
	defaultSigma = 1.0
	defaultStep  = 0.1
)

// Settings describes the configuration accepted via driver_settings.
type Settings struct {
	// Source selects the generator: "pseudo" (seedable) or "secure".
	Source string `yaml:"source,omitempty"`
	Seed   *int64 `yaml:"seed,omitempty"`
	// Distribution selects how readings are drawn: "uniform", "normal" or
	// "walk".
	Distribution string   `yaml:"distribution,omitempty"`
	Min          *float64 `yaml:"min,omitempty"`
	Max          *float64 `yaml:"max,omitempty"`
	Mean         *float64 `yaml:"mean,omitempty"`
	Sigma        *float64 `yaml:"sigma,omitempty"`
	// Step bounds a single random walk increment.
	Step *float64 `yaml:"step,omitempty"`
}

func parseSettings(node *yaml.Node) (Settings, error) {
	var settings Settings
	if node == nil {
		return settings, nil
	}
	if err := node.Decode(&settings); err != nil {
		return Settings{}, fmt.Errorf("decode random settings: %w", err)
	}
	switch normalizeDistribution(settings.Distribution) {
	case "uniform", "normal", "walk":
	default:
		return Settings{}, fmt.Errorf("unknown distribution %q", settings.Distribution)
	}
	minValue, maxValue := defaultMin, defaultMax
	if settings.Min != nil {
		minValue = *settings.Min
	}
	if settings.Max != nil {
		maxValue = *settings.Max
	}
	if math.IsNaN(minValue) || math.IsNaN(maxValue) {
		return Settings{}, fmt.Errorf("min/max must not be NaN")
	}
	if maxValue < minValue {
		return Settings{}, fmt.Errorf("max must be >= min")
	}
	if settings.Sigma != nil && *settings.Sigma < 0 {
		return Settings{}, fmt.Errorf("sigma must not be negative")
	}
	if settings.Step != nil && *settings.Step <= 0 {
		return Settings{}, fmt.Errorf("step must be positive")
	}
	return settings, nil
}

func normalizeDistribution(distribution string) string {
	normalized := strings.TrimSpace(strings.ToLower(distribution))
	if normalized == "" {
		return "uniform"
	}
	return normalized
}
