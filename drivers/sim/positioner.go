package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/instrument"
)

const positionerSchema = `
#Settings: {
	speed?:   number & >0
	latency?: string
	start?:   number
}
`

// positioner simulates an axis that travels toward its target at a fixed
// slew speed. Position interpolates linearly while a move is in flight.
type positioner struct {
	name    string
	speed   float64
	latency time.Duration
	low     *float64
	high    *float64

	mu        sync.Mutex
	origin    float64
	target    float64
	moveStart time.Time
	moveEnd   time.Time
}

func newPositioner(cfg config.PositionerConfig) (instrument.Positioner, error) {
	settings, err := parsePositionerSettings(cfg.DriverSettings)
	if err != nil {
		return nil, fmt.Errorf("positioner %s: %w", cfg.ID, err)
	}
	speed := defaultSpeed
	if settings.Speed != nil {
		speed = *settings.Speed
	}
	p := &positioner{
		name:    cfg.ID,
		speed:   speed,
		latency: settings.Latency.Duration,
		low:     cfg.LowLimit,
		high:    cfg.HighLimit,
	}
	if settings.Start != nil {
		p.origin = *settings.Start
		p.target = *settings.Start
	}
	return p, nil
}

func (p *positioner) Name() string { return p.name }

func (p *positioner) MoveTo(_ context.Context, value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	current := p.positionAt(now)
	travel := time.Duration(math.Abs(value-current) / p.speed * float64(time.Second))
	p.origin = current
	p.target = value
	p.moveStart = now
	p.moveEnd = now.Add(travel + p.latency)
	return nil
}

func (p *positioner) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moveEnd.IsZero() || !time.Now().Before(p.moveEnd)
}

func (p *positioner) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionAt(time.Now())
}

func (p *positioner) positionAt(now time.Time) float64 {
	if p.moveEnd.IsZero() || !now.Before(p.moveEnd) {
		return p.target
	}
	total := p.moveEnd.Sub(p.moveStart)
	if total <= 0 {
		return p.target
	}
	fraction := float64(now.Sub(p.moveStart)) / float64(total)
	return p.origin + fraction*(p.target-p.origin)
}

func (p *positioner) Verify(targets []float64) error {
	for _, target := range targets {
		if p.low != nil && target < *p.low {
			return fmt.Errorf("target %v below low limit %v", target, *p.low)
		}
		if p.high != nil && target > *p.high {
			return fmt.Errorf("target %v above high limit %v", target, *p.high)
		}
	}
	return nil
}

func init() {
	instrument.RegisterPositionerDriver("sim_positioner", newPositioner)
	config.MustRegisterDriverSchema("sim_positioner", positionerSchema)
}
