package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the scan engine and the
// service around it.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with critical paths such as the point loop.
type Collector interface {
	IncHotReload(file string)
	IncScanStarted(scan string)
	IncScanFinished(scan, outcome string)
	ObserveScanDuration(scan string, seconds float64)
	IncPointRead(scan string)
	IncMisfire(scan, trigger string)
	SetScanProgress(scan string, points int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                 {}
func (noopCollector) IncScanStarted(string)               {}
func (noopCollector) IncScanFinished(string, string)      {}
func (noopCollector) ObserveScanDuration(string, float64) {}
func (noopCollector) IncPointRead(string)                 {}
func (noopCollector) IncMisfire(string, string)           {}
func (noopCollector) SetScanProgress(string, int)         {}

// PrometheusCollector exposes scan telemetry via Prometheus.
type PrometheusCollector struct {
	hotReloads   *prometheus.CounterVec
	scanStarted  *prometheus.CounterVec
	scanFinished *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	pointsRead   *prometheus.CounterVec
	misfires     *prometheus.CounterVec
	scanProgress *prometheus.GaugeVec
}

var (
	metricsMu           sync.Mutex
	hotReloadCounter    *prometheus.CounterVec
	scanStartedCounter  *prometheus.CounterVec
	scanFinishedCounter *prometheus.CounterVec
	scanDurationHist    *prometheus.HistogramVec
	pointsReadCounter   *prometheus.CounterVec
	misfireCounter      *prometheus.CounterVec
	scanProgressGauge   *prometheus.GaugeVec
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer. Metrics already registered, for example after a configuration
// reload, are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsMu.Lock()
	defer metricsMu.Unlock()

	var err error
	hotReloadCounter, err = registerCounterVec(reg, hotReloadCounter, prometheus.CounterOpts{
		Name: "stepscan_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"})
	if err != nil {
		return nil, err
	}
	scanStartedCounter, err = registerCounterVec(reg, scanStartedCounter, prometheus.CounterOpts{
		Name: "stepscan_scans_started_total",
		Help: "Number of scan runs started, per scan name.",
	}, []string{"scan"})
	if err != nil {
		return nil, err
	}
	scanFinishedCounter, err = registerCounterVec(reg, scanFinishedCounter, prometheus.CounterOpts{
		Name: "stepscan_scans_finished_total",
		Help: "Number of scan runs ended, per scan name and outcome.",
	}, []string{"scan", "outcome"})
	if err != nil {
		return nil, err
	}
	scanDurationHist, err = registerHistogramVec(reg, scanDurationHist, prometheus.HistogramOpts{
		Name:    "stepscan_scan_duration_seconds",
		Help:    "Wall-clock duration of finished scan runs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{"scan"})
	if err != nil {
		return nil, err
	}
	pointsReadCounter, err = registerCounterVec(reg, pointsReadCounter, prometheus.CounterOpts{
		Name: "stepscan_points_read_total",
		Help: "Number of fully read scan points.",
	}, []string{"scan"})
	if err != nil {
		return nil, err
	}
	misfireCounter, err = registerCounterVec(reg, misfireCounter, prometheus.CounterOpts{
		Name: "stepscan_trigger_misfires_total",
		Help: "Number of detector acquisitions rejected as misfired.",
	}, []string{"scan", "trigger"})
	if err != nil {
		return nil, err
	}
	scanProgressGauge, err = registerGaugeVec(reg, scanProgressGauge, prometheus.GaugeOpts{
		Name: "stepscan_scan_progress_points",
		Help: "Completed points of the currently running scan.",
	}, []string{"scan"})
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		hotReloads:   hotReloadCounter,
		scanStarted:  scanStartedCounter,
		scanFinished: scanFinishedCounter,
		scanDuration: scanDurationHist,
		pointsRead:   pointsReadCounter,
		misfires:     misfireCounter,
		scanProgress: scanProgressGauge,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, existing *prometheus.CounterVec, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	if existing != nil {
		return existing, nil
	}
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if collector, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return collector, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGaugeVec(reg prometheus.Registerer, existing *prometheus.GaugeVec, opts prometheus.GaugeOpts, labels []string) (*prometheus.GaugeVec, error) {
	if existing != nil {
		return existing, nil
	}
	gauge := prometheus.NewGaugeVec(opts, labels)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if collector, ok := already.ExistingCollector.(*prometheus.GaugeVec); ok {
				return collector, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogramVec(reg prometheus.Registerer, existing *prometheus.HistogramVec, opts prometheus.HistogramOpts, labels []string) (*prometheus.HistogramVec, error) {
	if existing != nil {
		return existing, nil
	}
	hist := prometheus.NewHistogramVec(opts, labels)
	if err := reg.Register(hist); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if collector, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return collector, nil
			}
		}
		return nil, err
	}
	return hist, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// IncScanStarted counts a started run.
func (p *PrometheusCollector) IncScanStarted(scan string) {
	if p == nil || p.scanStarted == nil {
		return
	}
	p.scanStarted.WithLabelValues(scan).Inc()
}

// IncScanFinished counts an ended run under its outcome.
func (p *PrometheusCollector) IncScanFinished(scan, outcome string) {
	if p == nil || p.scanFinished == nil {
		return
	}
	p.scanFinished.WithLabelValues(scan, outcome).Inc()
}

// ObserveScanDuration records the wall-clock duration of an ended run.
func (p *PrometheusCollector) ObserveScanDuration(scan string, seconds float64) {
	if p == nil || p.scanDuration == nil {
		return
	}
	p.scanDuration.WithLabelValues(scan).Observe(seconds)
}

// IncPointRead counts one fully read point.
func (p *PrometheusCollector) IncPointRead(scan string) {
	if p == nil || p.pointsRead == nil {
		return
	}
	p.pointsRead.WithLabelValues(scan).Inc()
}

// IncMisfire counts a rejected acquisition for a trigger.
func (p *PrometheusCollector) IncMisfire(scan, trigger string) {
	if p == nil || p.misfires == nil {
		return
	}
	p.misfires.WithLabelValues(scan, trigger).Inc()
}

// SetScanProgress updates the progress gauge for a running scan.
func (p *PrometheusCollector) SetScanProgress(scan string, points int) {
	if p == nil || p.scanProgress == nil {
		return
	}
	p.scanProgress.WithLabelValues(scan).Set(float64(points))
}
