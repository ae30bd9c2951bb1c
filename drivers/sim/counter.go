package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/instrument"
)

const counterSchema = `
#Settings: {
	min?:  number
	max?:  number
	seed?: int
}
`

// counter is a free-running counter reading uniformly from min..max, useful
// as a stand-in for monitor diodes and similar ungated channels.
type counter struct {
	name string
	min  float64
	max  float64

	mu  sync.Mutex
	rng *rand.Rand
}

func newCounter(cfg config.CounterConfig, _ instrument.CounterDependencies) (instrument.Counter, error) {
	settings, err := parseCounterSettings(cfg.DriverSettings)
	if err != nil {
		return nil, fmt.Errorf("counter %s: %w", cfg.ID, err)
	}
	minValue := defaultCounterMin
	if settings.Min != nil {
		minValue = *settings.Min
	}
	maxValue := defaultCounterMax
	if settings.Max != nil {
		maxValue = *settings.Max
	}
	seed := time.Now().UnixNano()
	if settings.Seed != nil {
		seed = *settings.Seed
	}
	return &counter{
		name: cfg.ID,
		min:  minValue,
		max:  maxValue,
		rng:  rand.New(rand.NewSource(seed)),
	}, nil
}

func (c *counter) Name() string { return c.name }

func (c *counter) Read(context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.min + c.rng.Float64()*(c.max-c.min), nil
}

func init() {
	instrument.RegisterCounterDriver("sim_counter", newCounter)
	config.MustRegisterDriverSchema("sim_counter", counterSchema)
}
