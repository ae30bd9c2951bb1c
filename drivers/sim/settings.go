// Package sim provides simulated instruments: positioners with a finite slew
// speed, gated detectors whose channels count proportionally to the dwell
// time, and free-running counters. They back development setups and example
// configurations without any hardware attached.
package sim

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/stepscan/config"
)

const (
	defaultSpeed      = 100.0
	defaultBaseRate   = 1000.0
	defaultNoise      = 0.0
	defaultCounterMin = 0.0
	defaultCounterMax = 1000.0
)

// PositionerSettings describes the configuration accepted via
// driver_settings for sim positioners.
type PositionerSettings struct {
	// Speed is the slew speed in units per second.
	Speed *float64 `yaml:"speed,omitempty"`
	// Latency is added to every move regardless of distance.
	Latency config.Duration `yaml:"latency,omitempty"`
	// Start is the initial position.
	Start *float64 `yaml:"start,omitempty"`
}

func parsePositionerSettings(node *yaml.Node) (PositionerSettings, error) {
	var settings PositionerSettings
	if node == nil {
		return settings, nil
	}
	if err := node.Decode(&settings); err != nil {
		return PositionerSettings{}, fmt.Errorf("decode sim positioner settings: %w", err)
	}
	if settings.Speed != nil && *settings.Speed <= 0 {
		return PositionerSettings{}, fmt.Errorf("speed must be positive")
	}
	if settings.Latency.Duration < 0 {
		return PositionerSettings{}, fmt.Errorf("latency must not be negative")
	}
	return settings, nil
}

// ChannelSettings names one detector channel. A bare string configures a
// channel with scale 1.
type ChannelSettings struct {
	Name  string   `yaml:"name"`
	Scale *float64 `yaml:"scale,omitempty"`
}

func (c *ChannelSettings) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		c.Name = name
		return nil
	case yaml.MappingNode:
		type rawChannel ChannelSettings
		var decoded rawChannel
		if err := value.Decode(&decoded); err != nil {
			return err
		}
		*c = ChannelSettings(decoded)
		return nil
	default:
		return fmt.Errorf("channel must be a name or a mapping")
	}
}

// DetectorSettings describes the configuration accepted via driver_settings
// for sim detectors.
type DetectorSettings struct {
	Channels []ChannelSettings `yaml:"channels,omitempty"`
	// BaseRate is the simulated count rate in counts per second.
	BaseRate *float64 `yaml:"base_rate,omitempty"`
	// Noise is the relative jitter applied to channel readings, 0..1.
	Noise *float64 `yaml:"noise,omitempty"`
	// MisfireEvery makes every nth acquisition end immediately, so the
	// engine's misfire handling can be exercised without hardware. 0 disables
	// misfires.
	MisfireEvery *int   `yaml:"misfire_every,omitempty"`
	Seed         *int64 `yaml:"seed,omitempty"`
}

func parseDetectorSettings(node *yaml.Node) (DetectorSettings, error) {
	var settings DetectorSettings
	if node == nil {
		return settings, nil
	}
	if err := node.Decode(&settings); err != nil {
		return DetectorSettings{}, fmt.Errorf("decode sim detector settings: %w", err)
	}
	if settings.BaseRate != nil && *settings.BaseRate < 0 {
		return DetectorSettings{}, fmt.Errorf("base_rate must not be negative")
	}
	if settings.Noise != nil && (*settings.Noise < 0 || *settings.Noise > 1) {
		return DetectorSettings{}, fmt.Errorf("noise must be between 0 and 1")
	}
	if settings.MisfireEvery != nil && *settings.MisfireEvery < 0 {
		return DetectorSettings{}, fmt.Errorf("misfire_every must not be negative")
	}
	for i, channel := range settings.Channels {
		if channel.Name == "" {
			return DetectorSettings{}, fmt.Errorf("channel %d has no name", i+1)
		}
		if channel.Scale != nil && *channel.Scale < 0 {
			return DetectorSettings{}, fmt.Errorf("channel %s: scale must not be negative", channel.Name)
		}
	}
	return settings, nil
}

// CounterSettings describes the configuration accepted via driver_settings
// for standalone sim counters, which read uniformly from min..max.
type CounterSettings struct {
	Min  *float64 `yaml:"min,omitempty"`
	Max  *float64 `yaml:"max,omitempty"`
	Seed *int64   `yaml:"seed,omitempty"`
}

func parseCounterSettings(node *yaml.Node) (CounterSettings, error) {
	var settings CounterSettings
	if node == nil {
		return settings, nil
	}
	if err := node.Decode(&settings); err != nil {
		return CounterSettings{}, fmt.Errorf("decode sim counter settings: %w", err)
	}
	minValue := defaultCounterMin
	if settings.Min != nil {
		minValue = *settings.Min
	}
	maxValue := defaultCounterMax
	if settings.Max != nil {
		maxValue = *settings.Max
	}
	if maxValue < minValue {
		return CounterSettings{}, fmt.Errorf("max must be >= min")
	}
	return settings, nil
}
