package scan

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Linspace returns npts evenly spaced targets from start to stop inclusive.
// The spacing is computed with decimal arithmetic so long scans do not
// accumulate float drift in their target positions.
func Linspace(start, stop float64, npts int) ([]float64, error) {
	if npts < 1 {
		return nil, fmt.Errorf("linspace needs at least 1 point, got %d", npts)
	}
	if npts == 1 {
		return []float64{start}, nil
	}
	first := decimal.NewFromFloat(start)
	last := decimal.NewFromFloat(stop)
	step := last.Sub(first).Div(decimal.NewFromInt(int64(npts - 1)))
	targets := make([]float64, npts)
	for i := 0; i < npts; i++ {
		value := first.Add(step.Mul(decimal.NewFromInt(int64(i))))
		targets[i], _ = value.Float64()
	}
	targets[npts-1], _ = last.Float64()
	return targets, nil
}

// Segment describes one linear stretch of targets. Either Npts or Step must
// be set; with Step the point count is derived from the covered range.
type Segment struct {
	Start float64
	Stop  float64
	Npts  int
	Step  float64
}

// Targets expands the segment into explicit positions.
func (s Segment) Targets() ([]float64, error) {
	npts := s.Npts
	if npts == 0 {
		if s.Step == 0 {
			return nil, fmt.Errorf("segment %v..%v needs npts or step", s.Start, s.Stop)
		}
		span := decimal.NewFromFloat(s.Stop).Sub(decimal.NewFromFloat(s.Start))
		step := decimal.NewFromFloat(s.Step)
		if step.IsNegative() {
			step = step.Neg()
		}
		if step.IsZero() || span.IsZero() {
			return nil, fmt.Errorf("segment %v..%v has no extent", s.Start, s.Stop)
		}
		count := span.Abs().Div(step).Floor().IntPart()
		npts = int(count) + 1
	}
	if npts < 2 {
		return nil, fmt.Errorf("segment %v..%v needs at least 2 points", s.Start, s.Stop)
	}
	return Linspace(s.Start, s.Stop, npts)
}

// SegmentTargets concatenates the targets of consecutive segments. When a
// segment starts where the previous one stopped, the shared boundary point is
// emitted once.
func SegmentTargets(segments []Segment) ([]float64, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("no segments")
	}
	var targets []float64
	for i, seg := range segments {
		expanded, err := seg.Targets()
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i+1, err)
		}
		if len(targets) > 0 && targets[len(targets)-1] == expanded[0] {
			expanded = expanded[1:]
		}
		targets = append(targets, expanded...)
	}
	return targets, nil
}

// MeshTargets expands two target lists into the per-axis target arrays of a
// grid scan. The inner axis varies fastest.
func MeshTargets(outer, inner []float64) (outerTargets, innerTargets []float64) {
	total := len(outer) * len(inner)
	outerTargets = make([]float64, 0, total)
	innerTargets = make([]float64, 0, total)
	for _, o := range outer {
		for _, i := range inner {
			outerTargets = append(outerTargets, o)
			innerTargets = append(innerTargets, i)
		}
	}
	return outerTargets, innerTargets
}
