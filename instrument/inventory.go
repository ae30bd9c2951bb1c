package instrument

import (
	"fmt"
	"sort"

	"github.com/timzifer/stepscan/config"
)

// Inventory holds every instrument constructed from a configuration, indexed
// by id. Detector channels are merged into the counter index so scans can
// select them alongside standalone counters.
type Inventory struct {
	positioners map[string]Positioner
	detectors   map[string]Detector
	counters    map[string]Counter
}

// BuildInventory instantiates all configured instruments. Positioners and
// detectors are built first so derived counters can resolve the channels they
// depend on; standalone counters are then built in configuration order.
func BuildInventory(cfg *config.Config) (*Inventory, error) {
	inv := &Inventory{
		positioners: make(map[string]Positioner, len(cfg.Positioners)),
		detectors:   make(map[string]Detector, len(cfg.Detectors)),
		counters:    make(map[string]Counter),
	}
	for _, posCfg := range cfg.Positioners {
		pos, err := NewPositioner(posCfg)
		if err != nil {
			return nil, fmt.Errorf("positioner %s: %w", posCfg.ID, err)
		}
		if _, exists := inv.positioners[posCfg.ID]; exists {
			return nil, fmt.Errorf("positioner id %s already in use", posCfg.ID)
		}
		inv.positioners[posCfg.ID] = pos
	}
	for _, detCfg := range cfg.Detectors {
		det, err := NewDetector(detCfg)
		if err != nil {
			return nil, fmt.Errorf("detector %s: %w", detCfg.ID, err)
		}
		if _, exists := inv.detectors[detCfg.ID]; exists {
			return nil, fmt.Errorf("detector id %s already in use", detCfg.ID)
		}
		inv.detectors[detCfg.ID] = det
		for _, channel := range det.Counters() {
			if _, exists := inv.counters[channel.Name()]; exists {
				return nil, fmt.Errorf("detector %s: counter id %s already in use", detCfg.ID, channel.Name())
			}
			inv.counters[channel.Name()] = channel
		}
	}
	deps := CounterDependencies{
		Counter:    inv.lookupCounter,
		Positioner: inv.lookupPositioner,
	}
	for _, cntCfg := range cfg.Counters {
		if _, exists := inv.counters[cntCfg.ID]; exists {
			return nil, fmt.Errorf("counter id %s already in use", cntCfg.ID)
		}
		cnt, err := NewCounter(cntCfg, deps)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", cntCfg.ID, err)
		}
		inv.counters[cntCfg.ID] = cnt
	}
	return inv, nil
}

func (inv *Inventory) lookupCounter(id string) (Counter, bool) {
	cnt, ok := inv.counters[id]
	return cnt, ok
}

func (inv *Inventory) lookupPositioner(id string) (Positioner, bool) {
	pos, ok := inv.positioners[id]
	return pos, ok
}

func (inv *Inventory) Positioner(id string) (Positioner, error) {
	pos, ok := inv.positioners[id]
	if !ok {
		return nil, fmt.Errorf("unknown positioner %s", id)
	}
	return pos, nil
}

func (inv *Inventory) Detector(id string) (Detector, error) {
	det, ok := inv.detectors[id]
	if !ok {
		return nil, fmt.Errorf("unknown detector %s", id)
	}
	return det, nil
}

func (inv *Inventory) Counter(id string) (Counter, error) {
	cnt, ok := inv.counters[id]
	if !ok {
		return nil, fmt.Errorf("unknown counter %s", id)
	}
	return cnt, nil
}

func (inv *Inventory) PositionerIDs() []string {
	ids := make([]string, 0, len(inv.positioners))
	for id := range inv.positioners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (inv *Inventory) DetectorIDs() []string {
	ids := make([]string, 0, len(inv.detectors))
	for id := range inv.detectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (inv *Inventory) CounterIDs() []string {
	ids := make([]string, 0, len(inv.counters))
	for id := range inv.counters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
