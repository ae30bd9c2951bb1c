package scan

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/instrument"
)

// Definition is the serializable form of a scan, stored in the state store
// and submitted by control clients. All times are seconds.
type Definition struct {
	Name        string           `json:"name"`
	Positioners []AxisDefinition `json:"positioners"`
	Detectors   []string         `json:"detectors,omitempty"`
	Counters    []string         `json:"counters"`
	Extras      []string         `json:"extras,omitempty"`
	Dwelltime   float64          `json:"dwelltime,omitempty"`
	Dwelltimes  []float64        `json:"dwelltimes,omitempty"`
	Breakpoints []int            `json:"breakpoints,omitempty"`
	Timing      *TimingOverrides `json:"timing,omitempty"`
}

// AxisDefinition names a positioner and its targets, either explicitly or as
// linear segments.
type AxisDefinition struct {
	Positioner string              `json:"positioner"`
	Targets    []float64           `json:"targets,omitempty"`
	Segments   []SegmentDefinition `json:"segments,omitempty"`
}

type SegmentDefinition struct {
	Start float64 `json:"start"`
	Stop  float64 `json:"stop"`
	Npts  int     `json:"npts,omitempty"`
	Step  float64 `json:"step,omitempty"`
}

// TimingOverrides replaces individual engine timing defaults, in seconds.
type TimingOverrides struct {
	PosSettle   float64 `json:"pos_settle,omitempty"`
	DetSettle   float64 `json:"det_settle,omitempty"`
	PosMaxMove  float64 `json:"pos_maxmove,omitempty"`
	DetMaxCount float64 `json:"det_maxcount,omitempty"`
}

// ParseDefinition decodes a stored definition.
func ParseDefinition(body []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("definition has no name")
	}
	return &def, nil
}

func (d *Definition) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// FromConfig converts a configured scan into its definition form.
func FromConfig(sc config.ScanConfig) *Definition {
	def := &Definition{
		Name:        sc.Name,
		Detectors:   append([]string(nil), sc.Detectors...),
		Counters:    append([]string(nil), sc.Counters...),
		Extras:      append([]string(nil), sc.Extras...),
		Breakpoints: append([]int(nil), sc.Breakpoints...),
		Dwelltime:   sc.Dwelltime.Duration.Seconds(),
	}
	for _, d := range sc.Dwelltimes {
		def.Dwelltimes = append(def.Dwelltimes, d.Duration.Seconds())
	}
	for _, axis := range sc.Axes {
		axisDef := AxisDefinition{
			Positioner: axis.ID,
			Targets:    append([]float64(nil), axis.Targets...),
		}
		for _, seg := range axis.Segments {
			axisDef.Segments = append(axisDef.Segments, SegmentDefinition{
				Start: seg.Start,
				Stop:  seg.Stop,
				Npts:  seg.Npts,
				Step:  seg.Step,
			})
		}
		def.Positioners = append(def.Positioners, axisDef)
	}
	return def
}

// Build resolves a definition against the instrument inventory and returns a
// validated scan. Timing starts from defaults and applies the definition's
// overrides.
func Build(def *Definition, inv *instrument.Inventory, defaults Timing) (*Scan, error) {
	s := New(def.Name)
	for _, axisDef := range def.Positioners {
		pos, err := inv.Positioner(axisDef.Positioner)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", def.Name, err)
		}
		targets := axisDef.Targets
		if len(targets) == 0 {
			segments := make([]Segment, 0, len(axisDef.Segments))
			for _, seg := range axisDef.Segments {
				segments = append(segments, Segment{
					Start: seg.Start,
					Stop:  seg.Stop,
					Npts:  seg.Npts,
					Step:  seg.Step,
				})
			}
			targets, err = SegmentTargets(segments)
			if err != nil {
				return nil, fmt.Errorf("scan %s, positioner %s: %w", def.Name, axisDef.Positioner, err)
			}
		}
		s.AddAxis(pos, targets)
	}
	for _, id := range def.Detectors {
		det, err := inv.Detector(id)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", def.Name, err)
		}
		s.AddDetector(det)
	}
	for _, id := range def.Counters {
		cnt, err := inv.Counter(id)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", def.Name, err)
		}
		s.AddCounter(cnt)
	}
	for _, id := range def.Extras {
		cnt, err := inv.Counter(id)
		if err != nil {
			return nil, fmt.Errorf("scan %s, extra: %w", def.Name, err)
		}
		s.AddExtra(cnt)
	}
	if len(def.Dwelltimes) > 0 {
		dwell := make([]time.Duration, 0, len(def.Dwelltimes))
		for _, d := range def.Dwelltimes {
			dwell = append(dwell, secondsToDuration(d))
		}
		s.SetDwelltimes(dwell)
	} else if def.Dwelltime > 0 {
		s.SetDwelltime(secondsToDuration(def.Dwelltime))
	}
	for _, index := range def.Breakpoints {
		s.AddBreakpoint(index)
	}
	timing := defaults
	if def.Timing != nil {
		if def.Timing.PosSettle > 0 {
			timing.PosSettle = secondsToDuration(def.Timing.PosSettle)
		}
		if def.Timing.DetSettle > 0 {
			timing.DetSettle = secondsToDuration(def.Timing.DetSettle)
		}
		if def.Timing.PosMaxMove > 0 {
			timing.PosMaxMove = secondsToDuration(def.Timing.PosMaxMove)
		}
		if def.Timing.DetMaxCount > 0 {
			timing.DetMaxCount = secondsToDuration(def.Timing.DetMaxCount)
		}
	}
	s.SetTiming(timing)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", def.Name, err)
	}
	return s, nil
}

func secondsToDuration(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
