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

const detectorSchema = `
#Settings: {
	channels?: [...(string | {name: string, scale?: number & >=0})]
	base_rate?:     number & >=0
	noise?:         number & >=0 & <=1
	misfire_every?: int & >=0
	seed?:          int
}
`

// detector simulates a gated detector. Arming the trigger opens a counting
// window of the configured dwell time; the channels report counts
// proportional to how long the window was actually open.
type detector struct {
	name     string
	trigger  *acquisition
	channels []instrument.Counter
}

func newDetector(cfg config.DetectorConfig) (instrument.Detector, error) {
	settings, err := parseDetectorSettings(cfg.DriverSettings)
	if err != nil {
		return nil, fmt.Errorf("detector %s: %w", cfg.ID, err)
	}
	baseRate := defaultBaseRate
	if settings.BaseRate != nil {
		baseRate = *settings.BaseRate
	}
	noise := defaultNoise
	if settings.Noise != nil {
		noise = *settings.Noise
	}
	misfireEvery := 0
	if settings.MisfireEvery != nil {
		misfireEvery = *settings.MisfireEvery
	}
	seed := time.Now().UnixNano()
	if settings.Seed != nil {
		seed = *settings.Seed
	}
	acq := &acquisition{
		name:         cfg.ID + "_gate",
		baseRate:     baseRate,
		noise:        noise,
		misfireEvery: misfireEvery,
		rng:          rand.New(rand.NewSource(seed)),
	}
	det := &detector{name: cfg.ID, trigger: acq}
	channelSettings := settings.Channels
	if len(channelSettings) == 0 {
		channelSettings = []ChannelSettings{{Name: cfg.ID}}
	}
	for _, chSettings := range channelSettings {
		scale := 1.0
		if chSettings.Scale != nil {
			scale = *chSettings.Scale
		}
		det.channels = append(det.channels, &channel{
			name:  chSettings.Name,
			scale: scale,
			acq:   acq,
		})
	}
	return det, nil
}

func (d *detector) Name() string { return d.name }

func (d *detector) Trigger() instrument.Trigger { return d.trigger }

func (d *detector) Counters() []instrument.Counter { return d.channels }

func (d *detector) SetDwelltime(dwell time.Duration) error {
	if dwell <= 0 {
		return fmt.Errorf("detector %s: dwelltime must be positive", d.name)
	}
	d.trigger.setDwell(dwell)
	return nil
}

func (d *detector) PreScan(context.Context) error {
	d.trigger.reset()
	return nil
}

func (d *detector) PostScan(context.Context) error { return nil }

// acquisition is the shared counting window behind a detector's trigger and
// channels.
type acquisition struct {
	name         string
	baseRate     float64
	noise        float64
	misfireEvery int
	rng          *rand.Rand

	mu       sync.Mutex
	dwell    time.Duration
	started  time.Time
	duration time.Duration
	starts   int
}

func (a *acquisition) Name() string { return a.name }

func (a *acquisition) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	duration := a.dwell
	if a.misfireEvery > 0 && a.starts%a.misfireEvery == 0 {
		// Simulated misfire: the window closes immediately.
		duration = 0
	}
	a.started = time.Now()
	a.duration = duration
	return nil
}

func (a *acquisition) Abort(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started.IsZero() {
		elapsed := time.Since(a.started)
		if elapsed < a.duration {
			a.duration = elapsed
		}
	}
	return nil
}

func (a *acquisition) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started.IsZero() || !time.Now().Before(a.started.Add(a.duration))
}

func (a *acquisition) Runtime() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started.IsZero() {
		return 0
	}
	elapsed := time.Since(a.started)
	if elapsed > a.duration {
		return a.duration
	}
	return elapsed
}

func (a *acquisition) setDwell(dwell time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dwell = dwell
}

func (a *acquisition) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = time.Time{}
	a.duration = 0
	a.starts = 0
}

func (a *acquisition) counts(scale float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	window := a.duration
	if !a.started.IsZero() {
		if elapsed := time.Since(a.started); elapsed < window {
			window = elapsed
		}
	}
	value := a.baseRate * window.Seconds() * scale
	if a.noise > 0 {
		value *= 1 + a.noise*(a.rng.Float64()*2-1)
	}
	if value < 0 {
		value = 0
	}
	return value
}

// channel exposes one scaled view of the shared acquisition as a counter.
type channel struct {
	name  string
	scale float64
	acq   *acquisition
}

func (c *channel) Name() string { return c.name }

func (c *channel) Read(context.Context) (float64, error) {
	return c.acq.counts(c.scale), nil
}

func init() {
	instrument.RegisterDetectorDriver("sim_detector", newDetector)
	config.MustRegisterDriverSchema("sim_detector", detectorSchema)
}
