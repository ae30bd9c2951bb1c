package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SourceFiles returns the list of files that contributed configuration entries.
func SourceFiles(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	files := make(map[string]struct{})
	add := func(ref ModuleReference) {
		path := strings.TrimSpace(ref.File)
		if path == "" {
			return
		}
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		files[abs] = struct{}{}
	}
	add(cfg.Source)
	for _, pos := range cfg.Positioners {
		add(pos.Source)
	}
	for _, det := range cfg.Detectors {
		add(det.Source)
	}
	for _, counter := range cfg.Counters {
		add(counter.Source)
	}
	for _, scan := range cfg.Scans {
		add(scan.Source)
	}
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
