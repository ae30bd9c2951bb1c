package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/timzifer/stepscan/instrument"
)

type testPositioner struct {
	name     string
	low      float64
	high     float64
	position float64
	moving   bool
}

func (p *testPositioner) Name() string { return p.name }

func (p *testPositioner) MoveTo(_ context.Context, value float64) error {
	p.position = value
	p.moving = false
	return nil
}

func (p *testPositioner) Done() bool { return !p.moving }

func (p *testPositioner) Position() float64 { return p.position }

func (p *testPositioner) Verify(targets []float64) error {
	for _, target := range targets {
		if target < p.low || target > p.high {
			return fmt.Errorf("target %v outside %v..%v", target, p.low, p.high)
		}
	}
	return nil
}

type testCounter struct {
	name  string
	value float64
	fail  error
}

func (c *testCounter) Name() string { return c.name }

func (c *testCounter) Read(context.Context) (float64, error) {
	if c.fail != nil {
		return 0, c.fail
	}
	c.value++
	return c.value, nil
}

type testTrigger struct {
	name string
	busy bool
}

func (t *testTrigger) Name() string { return t.name }

func (t *testTrigger) Start(context.Context) error { t.busy = true; return nil }

func (t *testTrigger) Abort(context.Context) error { t.busy = false; return nil }

func (t *testTrigger) Done() bool { return !t.busy }

func (t *testTrigger) Runtime() time.Duration { return 0 }

type testDetector struct {
	name    string
	trigger *testTrigger
	dwell   time.Duration
}

func (d *testDetector) Name() string { return d.name }

func (d *testDetector) Trigger() instrument.Trigger {
	if d.trigger == nil {
		return nil
	}
	return d.trigger
}

func (d *testDetector) Counters() []instrument.Counter { return nil }

func (d *testDetector) SetDwelltime(dwell time.Duration) error {
	d.dwell = dwell
	return nil
}

func (d *testDetector) PreScan(context.Context) error { return nil }

func (d *testDetector) PostScan(context.Context) error { return nil }

func newTestScan(npts int) (*Scan, *testPositioner, *testCounter) {
	pos := &testPositioner{name: "samx", low: -100, high: 100}
	cnt := &testCounter{name: "diode"}
	s := New("test")
	targets := make([]float64, npts)
	for i := range targets {
		targets[i] = float64(i)
	}
	s.AddAxis(pos, targets)
	s.AddCounter(cnt)
	s.SetDwelltime(10 * time.Millisecond)
	return s, pos, cnt
}

func TestValidateRequiresAxesAndCounters(t *testing.T) {
	s := New("empty")
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation to fail without positioners")
	}

	s = New("no-counter")
	s.AddAxis(&testPositioner{name: "samx", low: -1, high: 1}, []float64{0})
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation to fail without counters")
	}
}

func TestValidateChecksTargetLengths(t *testing.T) {
	s, _, _ := newTestScan(3)
	s.AddAxis(&testPositioner{name: "samy", low: -100, high: 100}, []float64{0, 1})
	if err := s.Validate(); err == nil {
		t.Fatal("expected mismatched target lengths to fail")
	}
}

func TestValidateVerifiesLimits(t *testing.T) {
	s := New("limits")
	s.AddAxis(&testPositioner{name: "samx", low: 0, high: 1}, []float64{0, 0.5, 2})
	s.AddCounter(&testCounter{name: "diode"})
	s.SetDwelltime(time.Millisecond)
	err := s.Validate()
	if err == nil {
		t.Fatal("expected out-of-range target to fail validation")
	}
	if got := err.Error(); !strings.Contains(got, "samx") {
		t.Fatalf("expected error to name the positioner, got %q", got)
	}
}

func TestValidateDwelltimes(t *testing.T) {
	s, _, _ := newTestScan(3)
	s.dwell = nil
	if err := s.Validate(); err == nil {
		t.Fatal("expected missing dwelltime to fail")
	}

	s.SetDwelltimes([]time.Duration{time.Millisecond, time.Millisecond})
	if err := s.Validate(); err == nil {
		t.Fatal("expected dwelltime count mismatch to fail")
	}

	s.SetDwelltimes([]time.Duration{time.Millisecond, -time.Millisecond, time.Millisecond})
	if err := s.Validate(); err == nil {
		t.Fatal("expected negative dwelltime to fail")
	}

	s.SetDwelltimes([]time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond})
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if s.UniformDwell() {
		t.Fatal("expected varying dwelltimes to be non-uniform")
	}
	if s.MinDwell() != 10*time.Millisecond || s.MaxDwell() != 20*time.Millisecond {
		t.Fatalf("unexpected dwell bounds: %s %s", s.MinDwell(), s.MaxDwell())
	}
	if s.DwellAt(1) != 20*time.Millisecond {
		t.Fatalf("unexpected dwell at point 1: %s", s.DwellAt(1))
	}

	s.SetDwelltime(5 * time.Millisecond)
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !s.UniformDwell() {
		t.Fatal("expected single dwelltime to be uniform")
	}
	if s.DwellAt(2) != 5*time.Millisecond {
		t.Fatalf("unexpected dwell at point 2: %s", s.DwellAt(2))
	}
}

func TestValidateBreakpoints(t *testing.T) {
	s, _, _ := newTestScan(5)
	s.AddBreakpoint(-1)
	if err := s.Validate(); err == nil {
		t.Fatal("expected negative breakpoint to fail")
	}

	s, _, _ = newTestScan(5)
	s.AddBreakpoint(5)
	if err := s.Validate(); err == nil {
		t.Fatal("expected breakpoint at npts to fail")
	}

	s, _, _ = newTestScan(5)
	s.AddBreakpoint(0)
	s.AddBreakpoint(4)
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	s, _, _ = newTestScan(5)
	s.AddBreakpoint(3)
	s.AddBreakpoint(1)
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !s.IsBreakpoint(1) || !s.IsBreakpoint(3) || s.IsBreakpoint(2) {
		t.Fatal("unexpected breakpoint membership")
	}
	got := s.Breakpoints()
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected sorted breakpoints [1 3], got %v", got)
	}
}

func TestValidateDeduplicatesTriggers(t *testing.T) {
	shared := &testTrigger{name: "tim"}
	s, _, _ := newTestScan(2)
	s.AddDetector(&testDetector{name: "mca", trigger: shared})
	s.AddDetector(&testDetector{name: "pilatus", trigger: shared})
	s.AddDetector(&testDetector{name: "passive"})
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(s.Triggers()) != 1 {
		t.Fatalf("expected 1 deduplicated trigger, got %d", len(s.Triggers()))
	}
}

func TestMutatorsInvalidate(t *testing.T) {
	s, _, _ := newTestScan(5)
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !s.Validated() {
		t.Fatal("expected scan to be validated")
	}
	s.AddBreakpoint(2)
	if s.Validated() {
		t.Fatal("expected mutation to invalidate the scan")
	}
}

func TestReadPointKeepsBuffersAligned(t *testing.T) {
	s, pos, _ := newTestScan(3)
	failing := &testCounter{name: "flaky", fail: errors.New("link down")}
	s.AddCounter(failing)
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	failing.fail = nil
	pos.position = 0
	if err := s.ReadPoint(context.Background()); err != nil {
		t.Fatalf("ReadPoint failed: %v", err)
	}
	if s.Points() != 1 {
		t.Fatalf("expected 1 point, got %d", s.Points())
	}

	failing.fail = errors.New("link down")
	if err := s.ReadPoint(context.Background()); err == nil {
		t.Fatal("expected counter failure")
	}
	if s.Points() != 1 {
		t.Fatalf("expected point count unchanged after failure, got %d", s.Points())
	}
	for _, axis := range s.Axes() {
		if len(axis.Actuals) != 1 {
			t.Fatalf("expected 1 recorded position, got %d", len(axis.Actuals))
		}
	}
	for _, rec := range s.Recordings() {
		if len(rec.Values) != 1 {
			t.Fatalf("expected 1 recorded value for %s, got %d", rec.Counter.Name(), len(rec.Values))
		}
	}
}

func TestReadExtrasSamplesOnceInOrder(t *testing.T) {
	s, _, _ := newTestScan(2)
	s.AddExtra(&testCounter{name: "ring_current", value: 199})
	s.AddExtra(&testCounter{name: "temperature", value: 21})
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	readings, err := s.ReadExtras(context.Background())
	if err != nil {
		t.Fatalf("ReadExtras failed: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(readings))
	}
	if readings[0].Name != "ring_current" || readings[0].Value != 200 {
		t.Fatalf("unexpected first reading %+v", readings[0])
	}
	if readings[1].Name != "temperature" || readings[1].Value != 22 {
		t.Fatalf("unexpected second reading %+v", readings[1])
	}

	s.AddExtra(&testCounter{name: "broken", fail: errors.New("link down")})
	if _, err := s.ReadExtras(context.Background()); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected failure naming the extra, got %v", err)
	}
}

func TestSnapshotCopiesSeries(t *testing.T) {
	s, _, _ := newTestScan(3)
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if err := s.ReadPoint(context.Background()); err != nil {
		t.Fatalf("ReadPoint failed: %v", err)
	}

	snap := s.Snapshot()
	if snap.Points != 1 {
		t.Fatalf("expected snapshot of 1 point, got %d", snap.Points)
	}
	snap.Series["diode"][0] = -99

	again := s.Snapshot()
	if again.Series["diode"][0] == -99 {
		t.Fatal("snapshot mutation leaked into scan buffers")
	}

	names := s.SeriesNames()
	if len(names) != 2 || names[0] != "samx" || names[1] != "diode" {
		t.Fatalf("unexpected series names: %v", names)
	}
}
