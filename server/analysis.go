package server

import (
	"fmt"
	"time"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/instrument"
	"github.com/timzifer/stepscan/scan"
)

// InstrumentReport names one referenced instrument and whether the inventory
// resolves it.
type InstrumentReport struct {
	ID       string
	Resolved bool
}

// AxisReport describes one scan axis: the positioner it drives and how many
// points its trajectory yields.
type AxisReport struct {
	Positioner string
	Points     int
	Resolved   bool
}

// ScanReport summarizes one configured scan for the config check.
type ScanReport struct {
	Name        string
	Npts        int
	Axes        []AxisReport
	Detectors   []InstrumentReport
	Counters    []InstrumentReport
	Extras      []InstrumentReport
	Breakpoints []int
	Dwell       string
	Estimate    time.Duration
	Errors      []string
	Source      config.ModuleReference
}

// AnalyzeScans builds the full instrument inventory and checks every
// configured scan against it. Per-scan problems land in the report's Errors;
// only a config or inventory failure aborts the analysis.
func AnalyzeScans(cfg *config.Config) ([]ScanReport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	inv, err := instrument.BuildInventory(cfg)
	if err != nil {
		return nil, err
	}
	defaults := timingDefaults(cfg.Engine)

	reports := make([]ScanReport, 0, len(cfg.Scans))
	for _, sc := range cfg.Scans {
		def := scan.FromConfig(sc)
		report := ScanReport{
			Name:        def.Name,
			Breakpoints: append([]int(nil), def.Breakpoints...),
			Dwell:       describeDwell(def),
			Source:      sc.Source,
		}
		for _, axis := range def.Positioners {
			report.Axes = append(report.Axes, analyzeAxis(inv, axis))
		}
		for _, id := range def.Detectors {
			_, err := inv.Detector(id)
			report.Detectors = append(report.Detectors, InstrumentReport{ID: id, Resolved: err == nil})
		}
		for _, id := range def.Counters {
			_, err := inv.Counter(id)
			report.Counters = append(report.Counters, InstrumentReport{ID: id, Resolved: err == nil})
		}
		for _, id := range def.Extras {
			_, err := inv.Counter(id)
			report.Extras = append(report.Extras, InstrumentReport{ID: id, Resolved: err == nil})
		}
		if built, err := scan.Build(def, inv, defaults); err != nil {
			report.Errors = append(report.Errors, err.Error())
		} else {
			report.Npts = built.Npts()
			report.Estimate = built.EstimateRemaining(0)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func analyzeAxis(inv *instrument.Inventory, axis scan.AxisDefinition) AxisReport {
	report := AxisReport{Positioner: axis.Positioner, Points: len(axis.Targets)}
	if _, err := inv.Positioner(axis.Positioner); err == nil {
		report.Resolved = true
	}
	if len(axis.Targets) == 0 && len(axis.Segments) > 0 {
		segments := make([]scan.Segment, 0, len(axis.Segments))
		for _, seg := range axis.Segments {
			segments = append(segments, scan.Segment{
				Start: seg.Start,
				Stop:  seg.Stop,
				Npts:  seg.Npts,
				Step:  seg.Step,
			})
		}
		if targets, err := scan.SegmentTargets(segments); err == nil {
			report.Points = len(targets)
		}
	}
	return report
}

func describeDwell(def *scan.Definition) string {
	if len(def.Dwelltimes) > 0 {
		return fmt.Sprintf("per point (%d values)", len(def.Dwelltimes))
	}
	if def.Dwelltime > 0 {
		return time.Duration(def.Dwelltime * float64(time.Second)).String()
	}
	return "unset"
}
