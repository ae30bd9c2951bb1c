package instrument

import (
	"fmt"
	"sort"
	"sync"

	"github.com/timzifer/stepscan/config"
)

// CounterDependencies carries the lookups a counter factory may need while
// constructing a counter. Counters are built after positioners and detectors,
// so derived counters can resolve the channels they combine.
type CounterDependencies struct {
	// Counter resolves a previously constructed counter by id.
	Counter func(id string) (Counter, bool)
	// Positioner resolves a positioner by id.
	Positioner func(id string) (Positioner, bool)
}

// PositionerFactory creates positioner instances from configuration data.
//
// Factories are registered under a stable driver identifier so the service can
// create the required instrument for each configured axis during startup or
// configuration reloads.
type PositionerFactory func(cfg config.PositionerConfig) (Positioner, error)

// DetectorFactory creates detector instances from configuration data.
type DetectorFactory func(cfg config.DetectorConfig) (Detector, error)

// CounterFactory creates counter instances from configuration data.
type CounterFactory func(cfg config.CounterConfig, deps CounterDependencies) (Counter, error)

var (
	registryMu         sync.RWMutex
	positionerRegistry = make(map[string]PositionerFactory)
	detectorRegistry   = make(map[string]DetectorFactory)
	counterRegistry    = make(map[string]CounterFactory)
)

func RegisterPositionerDriver(driver string, factory PositionerFactory) {
	if driver == "" {
		panic("positioner driver must not be empty")
	}
	if factory == nil {
		panic("positioner factory must not be nil")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := positionerRegistry[driver]; exists {
		panic(fmt.Sprintf("positioner driver %s already registered", driver))
	}
	positionerRegistry[driver] = factory
}

func RegisterDetectorDriver(driver string, factory DetectorFactory) {
	if driver == "" {
		panic("detector driver must not be empty")
	}
	if factory == nil {
		panic("detector factory must not be nil")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := detectorRegistry[driver]; exists {
		panic(fmt.Sprintf("detector driver %s already registered", driver))
	}
	detectorRegistry[driver] = factory
}

func RegisterCounterDriver(driver string, factory CounterFactory) {
	if driver == "" {
		panic("counter driver must not be empty")
	}
	if factory == nil {
		panic("counter factory must not be nil")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := counterRegistry[driver]; exists {
		panic(fmt.Sprintf("counter driver %s already registered", driver))
	}
	counterRegistry[driver] = factory
}

func NewPositioner(cfg config.PositionerConfig) (Positioner, error) {
	registryMu.RLock()
	factory, ok := positionerRegistry[cfg.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("positioner driver %s not registered", cfg.Driver)
	}
	return factory(cfg)
}

func NewDetector(cfg config.DetectorConfig) (Detector, error) {
	registryMu.RLock()
	factory, ok := detectorRegistry[cfg.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("detector driver %s not registered", cfg.Driver)
	}
	return factory(cfg)
}

func NewCounter(cfg config.CounterConfig, deps CounterDependencies) (Counter, error) {
	registryMu.RLock()
	factory, ok := counterRegistry[cfg.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("counter driver %s not registered", cfg.Driver)
	}
	return factory(cfg, deps)
}

func RegisteredPositionerDrivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(positionerRegistry))
	for id := range positionerRegistry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func RegisteredDetectorDrivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(detectorRegistry))
	for id := range detectorRegistry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func RegisteredCounterDrivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(counterRegistry))
	for id := range counterRegistry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
