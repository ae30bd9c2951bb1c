// Package scan models step scans: the axes to move, the detectors and
// counters to read, per-point dwell times, breakpoints and the data recorded
// while the engine walks the points.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/timzifer/stepscan/instrument"
)

// Default settle and supervision times applied when a definition leaves them
// unset.
const (
	DefaultPosSettle   = time.Millisecond
	DefaultDetSettle   = time.Millisecond
	DefaultPosMaxMove  = time.Hour
	DefaultDetMaxCount = 24 * time.Hour
)

// Timing bundles the settle times and supervision ceilings for one scan.
type Timing struct {
	PosSettle   time.Duration
	DetSettle   time.Duration
	PosMaxMove  time.Duration
	DetMaxCount time.Duration
}

func (t Timing) withDefaults() Timing {
	if t.PosSettle <= 0 {
		t.PosSettle = DefaultPosSettle
	}
	if t.DetSettle <= 0 {
		t.DetSettle = DefaultDetSettle
	}
	if t.PosMaxMove <= 0 {
		t.PosMaxMove = DefaultPosMaxMove
	}
	if t.DetMaxCount <= 0 {
		t.DetMaxCount = DefaultDetMaxCount
	}
	return t
}

// Axis pairs a positioner with its target list and the positions actually
// reached at each point.
type Axis struct {
	Positioner instrument.Positioner
	Targets    []float64
	Actuals    []float64
}

// Recording pairs a counter with the values read at each completed point.
type Recording struct {
	Counter instrument.Counter
	Values  []float64
}

// Scan is a validated step scan. Mutators invalidate the scan; Validate must
// pass before an engine will run it. All methods are meant for a single
// goroutine, matching the engine's single-writer execution model.
type Scan struct {
	name        string
	axes        []*Axis
	detectors   []instrument.Detector
	triggers    []instrument.Trigger
	recordings  []*Recording
	extras      []instrument.Counter
	dwell       []time.Duration
	breakpoints map[int]struct{}
	timing      Timing

	npts      int
	minDwell  time.Duration
	maxDwell  time.Duration
	uniform   bool
	points    int
	validated bool
}

func New(name string) *Scan {
	return &Scan{
		name:        name,
		breakpoints: make(map[int]struct{}),
	}
}

func (s *Scan) Name() string { return s.name }

// AddAxis appends a positioner with its target list.
func (s *Scan) AddAxis(pos instrument.Positioner, targets []float64) {
	s.axes = append(s.axes, &Axis{Positioner: pos, Targets: targets})
	s.validated = false
}

func (s *Scan) AddDetector(det instrument.Detector) {
	s.detectors = append(s.detectors, det)
	s.validated = false
}

func (s *Scan) AddCounter(cnt instrument.Counter) {
	s.recordings = append(s.recordings, &Recording{Counter: cnt})
	s.validated = false
}

// AddExtra registers a counter that is read once at scan start and recorded
// in the sink header instead of per point.
func (s *Scan) AddExtra(cnt instrument.Counter) {
	s.extras = append(s.extras, cnt)
	s.validated = false
}

// SetDwelltime configures one dwell time for every point.
func (s *Scan) SetDwelltime(d time.Duration) {
	s.dwell = []time.Duration{d}
	s.validated = false
}

// SetDwelltimes configures one dwell time per point.
func (s *Scan) SetDwelltimes(d []time.Duration) {
	s.dwell = append([]time.Duration(nil), d...)
	s.validated = false
}

func (s *Scan) AddBreakpoint(index int) {
	s.breakpoints[index] = struct{}{}
	s.validated = false
}

func (s *Scan) SetTiming(t Timing) {
	s.timing = t
	s.validated = false
}

// Validate checks the scan for consistency, verifies every target against the
// positioner limits and freezes the derived properties the engine relies on.
func (s *Scan) Validate() error {
	s.validated = false
	if len(s.axes) == 0 {
		return errors.New("scan has no positioners")
	}
	npts := len(s.axes[0].Targets)
	if npts < 1 {
		return fmt.Errorf("positioner %s has no targets", s.axes[0].Positioner.Name())
	}
	for _, axis := range s.axes {
		if len(axis.Targets) != npts {
			return fmt.Errorf("positioner %s has %d targets, expected %d",
				axis.Positioner.Name(), len(axis.Targets), npts)
		}
		if err := axis.Positioner.Verify(axis.Targets); err != nil {
			return fmt.Errorf("positioner %s: %w", axis.Positioner.Name(), err)
		}
	}
	if len(s.recordings) == 0 {
		return errors.New("scan has no counters")
	}
	if len(s.dwell) == 0 {
		return errors.New("scan has no dwelltime")
	}
	if len(s.dwell) != 1 && len(s.dwell) != npts {
		return fmt.Errorf("scan has %d dwelltimes, expected 1 or %d", len(s.dwell), npts)
	}
	minDwell, maxDwell := s.dwell[0], s.dwell[0]
	uniform := true
	for _, d := range s.dwell {
		if d <= 0 {
			return fmt.Errorf("dwelltime %s must be positive", d)
		}
		if d != s.dwell[0] {
			uniform = false
		}
		if d < minDwell {
			minDwell = d
		}
		if d > maxDwell {
			maxDwell = d
		}
	}
	for index := range s.breakpoints {
		if index < 0 || index >= npts {
			return fmt.Errorf("breakpoint %d outside 0..%d", index, npts-1)
		}
	}

	triggers := make([]instrument.Trigger, 0, len(s.detectors))
	seen := make(map[string]struct{})
	for _, det := range s.detectors {
		trig := det.Trigger()
		if trig == nil {
			continue
		}
		if _, dup := seen[trig.Name()]; dup {
			continue
		}
		seen[trig.Name()] = struct{}{}
		triggers = append(triggers, trig)
	}

	s.npts = npts
	s.minDwell = minDwell
	s.maxDwell = maxDwell
	s.uniform = uniform
	s.triggers = triggers
	s.timing = s.timing.withDefaults()
	s.validated = true
	return nil
}

func (s *Scan) Validated() bool { return s.validated }

func (s *Scan) Npts() int { return s.npts }

// Points reports how many points have been fully read.
func (s *Scan) Points() int { return s.points }

func (s *Scan) Axes() []*Axis { return s.axes }

func (s *Scan) Detectors() []instrument.Detector { return s.detectors }

func (s *Scan) Triggers() []instrument.Trigger { return s.triggers }

func (s *Scan) Recordings() []*Recording { return s.recordings }

func (s *Scan) Extras() []instrument.Counter { return s.extras }

func (s *Scan) Timing() Timing { return s.timing }

func (s *Scan) MinDwell() time.Duration { return s.minDwell }

func (s *Scan) MaxDwell() time.Duration { return s.maxDwell }

// UniformDwell reports whether every point shares one dwell time, so the
// engine can configure detectors once instead of per point.
func (s *Scan) UniformDwell() bool { return s.uniform }

func (s *Scan) DwellAt(index int) time.Duration {
	if len(s.dwell) == 1 {
		return s.dwell[0]
	}
	return s.dwell[index]
}

func (s *Scan) IsBreakpoint(index int) bool {
	_, ok := s.breakpoints[index]
	return ok
}

func (s *Scan) Breakpoints() []int {
	indexes := make([]int, 0, len(s.breakpoints))
	for index := range s.breakpoints {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}

// EstimateRemaining approximates the time the scan still needs after the
// given number of completed points: per-point settle overhead plus the dwell
// times of the points not yet taken.
func (s *Scan) EstimateRemaining(done int) time.Duration {
	if done < 0 {
		done = 0
	}
	if done >= s.npts {
		return 0
	}
	remaining := time.Duration(s.npts-done) * (s.timing.PosSettle + s.timing.DetSettle)
	if len(s.dwell) == 1 {
		remaining += time.Duration(s.npts-done) * s.dwell[0]
		return remaining
	}
	for _, d := range s.dwell[done:] {
		remaining += d
	}
	return remaining
}

// StartMoves issues the moves for the given point on every axis without
// waiting for completion.
func (s *Scan) StartMoves(ctx context.Context, index int) error {
	for _, axis := range s.axes {
		if err := axis.Positioner.MoveTo(ctx, axis.Targets[index]); err != nil {
			return fmt.Errorf("positioner %s: %w", axis.Positioner.Name(), err)
		}
	}
	return nil
}

// MovesDone reports whether every axis has finished its current move.
func (s *Scan) MovesDone() bool {
	for _, axis := range s.axes {
		if !axis.Positioner.Done() {
			return false
		}
	}
	return true
}

// ApplyDwelltime configures every detector for the dwell time of the given
// point.
func (s *Scan) ApplyDwelltime(index int) error {
	d := s.DwellAt(index)
	for _, det := range s.detectors {
		if err := det.SetDwelltime(d); err != nil {
			return fmt.Errorf("detector %s: %w", det.Name(), err)
		}
	}
	return nil
}

// StartTriggers arms every trigger without waiting for the acquisitions.
func (s *Scan) StartTriggers(ctx context.Context) error {
	for _, trig := range s.triggers {
		if err := trig.Start(ctx); err != nil {
			return fmt.Errorf("trigger %s: %w", trig.Name(), err)
		}
	}
	return nil
}

// TriggersDone reports whether every acquisition has finished.
func (s *Scan) TriggersDone() bool {
	for _, trig := range s.triggers {
		if !trig.Done() {
			return false
		}
	}
	return true
}

// AbortTriggers cancels every running acquisition, collecting all failures.
func (s *Scan) AbortTriggers(ctx context.Context) error {
	var result *multierror.Error
	for _, trig := range s.triggers {
		if err := trig.Abort(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("trigger %s: %w", trig.Name(), err))
		}
	}
	return result.ErrorOrNil()
}

// ReadExtras samples the extra counters in declaration order.
func (s *Scan) ReadExtras(ctx context.Context) ([]ExtraReading, error) {
	if len(s.extras) == 0 {
		return nil, nil
	}
	readings := make([]ExtraReading, 0, len(s.extras))
	for _, cnt := range s.extras {
		value, err := cnt.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("extra %s: %w", cnt.Name(), err)
		}
		readings = append(readings, ExtraReading{Name: cnt.Name(), Value: value})
	}
	return readings, nil
}

// ReadPoint reads every counter and records the point. Actual positions and
// counter values are appended only when every read succeeds, keeping the
// buffers aligned with the completed point count.
func (s *Scan) ReadPoint(ctx context.Context) error {
	counts := make([]float64, len(s.recordings))
	for i, rec := range s.recordings {
		value, err := rec.Counter.Read(ctx)
		if err != nil {
			return fmt.Errorf("counter %s: %w", rec.Counter.Name(), err)
		}
		counts[i] = value
	}
	for _, axis := range s.axes {
		axis.Actuals = append(axis.Actuals, axis.Positioner.Position())
	}
	for i, rec := range s.recordings {
		rec.Values = append(rec.Values, counts[i])
	}
	s.points++
	return nil
}

// Snapshot copies the recorded series for publication. Axis series are keyed
// by positioner name, counter series by counter name.
func (s *Scan) Snapshot() Snapshot {
	series := make(map[string][]float64, len(s.axes)+len(s.recordings))
	for _, axis := range s.axes {
		series[axis.Positioner.Name()] = append([]float64(nil), axis.Actuals...)
	}
	for _, rec := range s.recordings {
		series[rec.Counter.Name()] = append([]float64(nil), rec.Values...)
	}
	return Snapshot{Points: s.points, Series: series}
}

// SeriesNames lists the snapshot keys in a stable order, axes first.
func (s *Scan) SeriesNames() []string {
	names := make([]string, 0, len(s.axes)+len(s.recordings))
	for _, axis := range s.axes {
		names = append(names, axis.Positioner.Name())
	}
	for _, rec := range s.recordings {
		names = append(names, rec.Counter.Name())
	}
	return names
}
