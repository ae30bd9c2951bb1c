package instrument

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/timzifer/stepscan/config"
)

type fakePositioner struct {
	name     string
	position float64
	low      float64
	high     float64
}

func (p *fakePositioner) Name() string { return p.name }

func (p *fakePositioner) MoveTo(_ context.Context, value float64) error {
	p.position = value
	return nil
}

func (p *fakePositioner) Done() bool { return true }

func (p *fakePositioner) Position() float64 { return p.position }

func (p *fakePositioner) Verify(targets []float64) error {
	for _, target := range targets {
		if target < p.low || target > p.high {
			return fmt.Errorf("target %v outside range", target)
		}
	}
	return nil
}

type fakeCounter struct {
	name  string
	value float64
}

func (c *fakeCounter) Name() string { return c.name }

func (c *fakeCounter) Read(context.Context) (float64, error) { return c.value, nil }

type fakeDetector struct {
	name     string
	channels []Counter
}

func (d *fakeDetector) Name() string { return d.name }

func (d *fakeDetector) Trigger() Trigger { return nil }

func (d *fakeDetector) Counters() []Counter { return d.channels }

func (d *fakeDetector) SetDwelltime(time.Duration) error { return nil }

func (d *fakeDetector) PreScan(context.Context) error { return nil }

func (d *fakeDetector) PostScan(context.Context) error { return nil }

func TestNewPositionerDispatchesByDriver(t *testing.T) {
	RegisterPositionerDriver("dispatchpos", func(cfg config.PositionerConfig) (Positioner, error) {
		return &fakePositioner{name: cfg.ID, low: -10, high: 10}, nil
	})

	pos, err := NewPositioner(config.PositionerConfig{ID: "m1", Driver: "dispatchpos"})
	if err != nil {
		t.Fatalf("NewPositioner returned error: %v", err)
	}
	if pos.Name() != "m1" {
		t.Fatalf("expected positioner name m1, got %s", pos.Name())
	}
	if err := pos.Verify([]float64{-5, 5}); err != nil {
		t.Fatalf("Verify rejected in-range targets: %v", err)
	}
	if err := pos.Verify([]float64{42}); err == nil {
		t.Fatal("expected Verify to reject out-of-range target")
	}

	if _, err := NewPositioner(config.PositionerConfig{ID: "m2", Driver: "missing"}); err == nil {
		t.Fatal("expected error for unregistered driver")
	}
}

func TestRegisterPositionerDriverRejectsDuplicate(t *testing.T) {
	factory := func(cfg config.PositionerConfig) (Positioner, error) {
		return &fakePositioner{name: cfg.ID}, nil
	}
	RegisterPositionerDriver("duppos", factory)

	defer func() {
		if recover() == nil {
			t.Fatal("expected duplicate registration to panic")
		}
	}()
	RegisterPositionerDriver("duppos", factory)
}

func TestRegisteredDriversSorted(t *testing.T) {
	RegisterCounterDriver("zz-last", func(cfg config.CounterConfig, _ CounterDependencies) (Counter, error) {
		return &fakeCounter{name: cfg.ID}, nil
	})
	RegisterCounterDriver("aa-first", func(cfg config.CounterConfig, _ CounterDependencies) (Counter, error) {
		return &fakeCounter{name: cfg.ID}, nil
	})

	ids := RegisteredCounterDrivers()
	first := -1
	last := -1
	for i, id := range ids {
		switch id {
		case "aa-first":
			first = i
		case "zz-last":
			last = i
		}
	}
	if first == -1 || last == -1 {
		t.Fatalf("registered drivers missing from listing: %v", ids)
	}
	if first > last {
		t.Fatalf("expected sorted driver listing, got %v", ids)
	}
}

func TestBuildInventory(t *testing.T) {
	RegisterPositionerDriver("invpos", func(cfg config.PositionerConfig) (Positioner, error) {
		return &fakePositioner{name: cfg.ID, low: -100, high: 100}, nil
	})
	RegisterDetectorDriver("invdet", func(cfg config.DetectorConfig) (Detector, error) {
		return &fakeDetector{name: cfg.ID, channels: []Counter{
			&fakeCounter{name: cfg.ID + "_roi1", value: 1},
			&fakeCounter{name: cfg.ID + "_roi2", value: 2},
		}}, nil
	})
	RegisterCounterDriver("invsum", func(cfg config.CounterConfig, deps CounterDependencies) (Counter, error) {
		a, ok := deps.Counter("mca_roi1")
		if !ok {
			return nil, fmt.Errorf("counter %s: unknown input mca_roi1", cfg.ID)
		}
		b, ok := deps.Counter("mca_roi2")
		if !ok {
			return nil, fmt.Errorf("counter %s: unknown input mca_roi2", cfg.ID)
		}
		va, _ := a.Read(context.Background())
		vb, _ := b.Read(context.Background())
		return &fakeCounter{name: cfg.ID, value: va + vb}, nil
	})

	cfg := &config.Config{
		Positioners: []config.PositionerConfig{{ID: "samx", Driver: "invpos"}},
		Detectors:   []config.DetectorConfig{{ID: "mca", Driver: "invdet"}},
		Counters:    []config.CounterConfig{{ID: "roisum", Driver: "invsum"}},
	}
	inv, err := BuildInventory(cfg)
	if err != nil {
		t.Fatalf("BuildInventory returned error: %v", err)
	}

	if _, err := inv.Positioner("samx"); err != nil {
		t.Fatalf("expected positioner samx: %v", err)
	}
	if _, err := inv.Detector("mca"); err != nil {
		t.Fatalf("expected detector mca: %v", err)
	}
	ids := inv.CounterIDs()
	want := []string{"mca_roi1", "mca_roi2", "roisum"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("expected counters %v, got %v", want, ids)
	}
	sum, err := inv.Counter("roisum")
	if err != nil {
		t.Fatalf("expected counter roisum: %v", err)
	}
	value, err := sum.Read(context.Background())
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if value != 3 {
		t.Fatalf("expected derived counter value 3, got %v", value)
	}

	if _, err := inv.Counter("missing"); err == nil {
		t.Fatal("expected error for unknown counter")
	}
}

func TestBuildInventoryRejectsDuplicateIDs(t *testing.T) {
	RegisterCounterDriver("dupcnt", func(cfg config.CounterConfig, _ CounterDependencies) (Counter, error) {
		return &fakeCounter{name: cfg.ID}, nil
	})

	cfg := &config.Config{
		Counters: []config.CounterConfig{
			{ID: "c1", Driver: "dupcnt"},
			{ID: "c1", Driver: "dupcnt"},
		},
	}
	if _, err := BuildInventory(cfg); err == nil {
		t.Fatal("expected duplicate counter id to fail")
	}
}
