package random

import (
	"context"
	"fmt"
	"sync"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/instrument"
)

const counterSchema = `
#Settings: {
	source?:       "pseudo" | "math" | "secure" | "crypto"
	seed?:         int
	distribution?: "uniform" | "normal" | "walk"
	min?:          number
	max?:          number
	mean?:         number
	sigma?:        number & >=0
	step?:         number & >0
}
`

// counter draws one value per read. Uniform readings come from min..max,
// normal readings from mean/sigma, and walk readings drift from the previous
// reading by at most step while staying inside min..max.
type counter struct {
	name  string
	mode  string
	min   float64
	max   float64
	mean  float64
	sigma float64
	step  float64

	mu   sync.Mutex
	src  randomSource
	last float64
}

func newCounter(cfg config.CounterConfig, _ instrument.CounterDependencies) (instrument.Counter, error) {
	settings, err := parseSettings(cfg.DriverSettings)
	if err != nil {
		return nil, fmt.Errorf("counter %s: %w", cfg.ID, err)
	}
	src, err := newRandomSource(settings.Source, settings.Seed)
	if err != nil {
		return nil, fmt.Errorf("counter %s: %w", cfg.ID, err)
	}
	c := &counter{
		name:  cfg.ID,
		mode:  normalizeDistribution(settings.Distribution),
		min:   defaultMin,
		max:   defaultMax,
		mean:  defaultMean,
		sigma: defaultSigma,
		step:  defaultStep,
		src:   src,
	}
	if settings.Min != nil {
		c.min = *settings.Min
	}
	if settings.Max != nil {
		c.max = *settings.Max
	}
	if settings.Mean != nil {
		c.mean = *settings.Mean
	}
	if settings.Sigma != nil {
		c.sigma = *settings.Sigma
	}
	if settings.Step != nil {
		c.step = *settings.Step
	}
	// The walk starts in the middle of its band.
	c.last = (c.min + c.max) / 2
	return c, nil
}

func (c *counter) Name() string { return c.name }

func (c *counter) Read(context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.mode {
	case "normal":
		return randomNormal(c.src, c.mean, c.sigma)
	case "walk":
		delta, err := randomFloatInRange(c.src, -c.step, c.step)
		if err != nil {
			return 0, err
		}
		next := c.last + delta
		if next > c.max {
			next = c.max
		}
		if next < c.min {
			next = c.min
		}
		c.last = next
		return next, nil
	default:
		return randomFloatInRange(c.src, c.min, c.max)
	}
}

func init() {
	instrument.RegisterCounterDriver("random", newCounter)
	config.MustRegisterDriverSchema("random", counterSchema)
}
