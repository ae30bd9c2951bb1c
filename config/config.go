package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// OrDefault returns the wrapped duration, or def when unset or negative.
func (d Duration) OrDefault(def time.Duration) time.Duration {
	if d.Duration <= 0 {
		return def
	}
	return d.Duration
}

// ModuleReference captures metadata about the configuration source that defined an entry.
type ModuleReference struct {
	File        string `json:"file,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Package     string `json:"package,omitempty"`
}

// ModuleInclude describes a referenced configuration module.
type ModuleInclude struct {
	Path        string
	Name        string
	Description string
}

// UnmarshalYAML allows module includes to be declared either as scalar strings or structured objects.
func (m *ModuleInclude) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return errors.New("module include node is nil")
	}
	switch value.Kind {
	case yaml.ScalarNode:
		var path string
		if err := value.Decode(&path); err != nil {
			return fmt.Errorf("decode module path: %w", err)
		}
		m.Path = strings.TrimSpace(path)
		return nil
	case yaml.MappingNode:
		type rawModule struct {
			Path        string `yaml:"path"`
			Name        string `yaml:"name"`
			Description string `yaml:"description"`
		}
		var raw rawModule
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("decode module include: %w", err)
		}
		if raw.Path == "" {
			return errors.New("module include missing path")
		}
		m.Path = raw.Path
		m.Name = raw.Name
		m.Description = raw.Description
		return nil
	default:
		return fmt.Errorf("unsupported module include node kind %d", value.Kind)
	}
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// RedisConfig holds connection parameters for the Redis store backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	Driver string      `yaml:"driver,omitempty"`
	DSN    string      `yaml:"dsn,omitempty"`
	Redis  RedisConfig `yaml:"redis,omitempty"`
}

// EngineConfig tunes the per-point control loop.
type EngineConfig struct {
	PollInterval    Duration `yaml:"poll_interval,omitempty"`
	PausePoll       Duration `yaml:"pause_poll,omitempty"`
	MaxPointRetries int      `yaml:"max_point_retries,omitempty"`
	Workers         int      `yaml:"workers,omitempty"`
	PosSettleTime   Duration `yaml:"pos_settle_time,omitempty"`
	DetSettleTime   Duration `yaml:"det_settle_time,omitempty"`
	PosMaxMoveTime  Duration `yaml:"pos_maxmove_time,omitempty"`
	DetMaxCountTime Duration `yaml:"det_maxcount_time,omitempty"`
}

// ServerConfig configures the daemon surfaces: command polling, heartbeat and
// the status HTTP listener.
type ServerConfig struct {
	Listen      string   `yaml:"listen,omitempty"`
	Heartbeat   Duration `yaml:"heartbeat,omitempty"`
	CommandPoll Duration `yaml:"command_poll,omitempty"`
}

// PositionerConfig declares a drivable axis backed by a registered driver.
type PositionerConfig struct {
	ID             string          `yaml:"id"`
	Driver         string          `yaml:"driver"`
	Unit           string          `yaml:"unit,omitempty"`
	LowLimit       *float64        `yaml:"low_limit,omitempty"`
	HighLimit      *float64        `yaml:"high_limit,omitempty"`
	DriverSettings *yaml.Node      `yaml:"driver_settings,omitempty"`
	Name           string          `yaml:"name,omitempty"`
	Description    string          `yaml:"description,omitempty"`
	Source         ModuleReference `yaml:"-"`
}

// DetectorConfig declares a detector backed by a registered driver. A detector
// contributes one trigger and zero or more counters to a scan.
type DetectorConfig struct {
	ID             string          `yaml:"id"`
	Driver         string          `yaml:"driver"`
	DriverSettings *yaml.Node      `yaml:"driver_settings,omitempty"`
	Name           string          `yaml:"name,omitempty"`
	Description    string          `yaml:"description,omitempty"`
	Source         ModuleReference `yaml:"-"`
}

// CounterConfig declares a standalone counter backed by a registered driver.
type CounterConfig struct {
	ID             string          `yaml:"id"`
	Driver         string          `yaml:"driver"`
	DriverSettings *yaml.Node      `yaml:"driver_settings,omitempty"`
	Name           string          `yaml:"name,omitempty"`
	Description    string          `yaml:"description,omitempty"`
	Source         ModuleReference `yaml:"-"`
}

// SegmentConfig describes one linear slice of a positioner trajectory.
type SegmentConfig struct {
	Start float64 `yaml:"start"`
	Stop  float64 `yaml:"stop"`
	Npts  int     `yaml:"npts,omitempty"`
	Step  float64 `yaml:"step,omitempty"`
}

// ScanAxisConfig binds a positioner to its target trajectory within a scan.
type ScanAxisConfig struct {
	ID       string          `yaml:"id"`
	Targets  []float64       `yaml:"targets,omitempty"`
	Segments []SegmentConfig `yaml:"segments,omitempty"`
}

// ScanConfig declares a named scan that can be queued for execution.
type ScanConfig struct {
	Name        string          `yaml:"name"`
	Axes        []ScanAxisConfig `yaml:"positioners"`
	Detectors   []string        `yaml:"detectors,omitempty"`
	Counters    []string        `yaml:"counters,omitempty"`
	Extras      []string        `yaml:"extras,omitempty"`
	Dwelltime   Duration        `yaml:"dwelltime,omitempty"`
	Dwelltimes  []Duration      `yaml:"dwelltimes,omitempty"`
	Breakpoints []int           `yaml:"breakpoints,omitempty"`
	Source      ModuleReference `yaml:"-"`
}

// Config is the root configuration structure for the daemon.
type Config struct {
	Name        string             `yaml:"name,omitempty"`
	Description string             `yaml:"description,omitempty"`
	Logging     LoggingConfig      `yaml:"logging"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
	Store       StoreConfig        `yaml:"store"`
	Engine      EngineConfig       `yaml:"engine"`
	Server      ServerConfig       `yaml:"server"`
	Modules     []ModuleInclude    `yaml:"modules"`
	Positioners []PositionerConfig `yaml:"positioners"`
	Detectors   []DetectorConfig   `yaml:"detectors"`
	Counters    []CounterConfig    `yaml:"counters"`
	Scans       []ScanConfig       `yaml:"scans"`
	HotReload   bool               `yaml:"hot_reload,omitempty"`
	Source      ModuleReference    `yaml:"-"`
}

type moduleContext struct {
	packagePath []string
	values      map[string]*yaml.Node
}

type moduleResult struct {
	cfg         *Config
	packageName string
	packagePath []string
}

// Load reads and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat config path: %w", err)
	}

	visited := make(map[string]struct{})
	ctx := moduleContext{values: make(map[string]*yaml.Node)}

	var result *moduleResult
	if info.IsDir() {
		result, err = loadDir(abs, visited, ctx)
	} else {
		result, err = loadFile(abs, visited, ctx)
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &Config{}, nil
	}
	return result.cfg, nil
}

func loadFile(path string, visited map[string]struct{}, ctx moduleContext) (*moduleResult, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var document yaml.Node
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if len(document.Content) == 0 || document.Content[0] == nil {
		return nil, fmt.Errorf("config %s is empty", path)
	}

	root := document.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config %s: top-level YAML document must be a mapping", path)
	}

	pkgName, err := extractPackageName(root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if pkgName == "" {
		return nil, fmt.Errorf("%s: package name is required", path)
	}
	if err := ensureIdentifier(pkgName, "package"); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	fullPath := append([]string{}, ctx.packagePath...)
	if len(fullPath) == 0 {
		fullPath = append(fullPath, pkgName)
	} else {
		expected := fullPath[len(fullPath)-1]
		if expected != pkgName {
			return nil, fmt.Errorf("package mismatch: expected %q, got %q", expected, pkgName)
		}
	}
	packagePath := joinPackagePath(fullPath)

	valuesMap := copyValueMap(ctx.values)
	if err := loadValuesIntoMap(root, filepath.Dir(path), valuesMap); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := resolveValueTags(root, valuesMap); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var cfg Config
	if err := root.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.setSource(ModuleReference{File: path, Name: cfg.Name, Description: cfg.Description, Package: packagePath})

	modules := cfg.Modules
	cfg.Modules = nil

	baseDir := filepath.Dir(path)
	for _, module := range modules {
		if module.Path == "" {
			continue
		}
		modulePath := module.Path
		if !filepath.IsAbs(modulePath) {
			modulePath = filepath.Join(baseDir, module.Path)
		}

		info, err := os.Stat(modulePath)
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", module.Path, err)
		}

		childPackagePath, err := computeChildPackagePath(baseDir, modulePath, fullPath, info.IsDir())
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", module.Path, err)
		}

		childCtx := moduleContext{
			packagePath: childPackagePath,
			values:      copyValueMap(valuesMap),
		}

		var result *moduleResult
		if info.IsDir() {
			result, err = loadDir(modulePath, visited, childCtx)
		} else {
			result, err = loadFile(modulePath, visited, childCtx)
		}
		if err != nil {
			return nil, fmt.Errorf("load module %s: %w", module.Path, err)
		}
		if result == nil || result.cfg == nil {
			continue
		}
		if len(childPackagePath) > 0 && !packagePathIsDescendant(result.packagePath, childPackagePath) {
			return nil, fmt.Errorf("module %s declares package %s outside parent package %s", module.Path, joinPackagePath(result.packagePath), packagePath)
		}
		override := ModuleReference{
			Name:        firstNonEmpty(module.Name, result.cfg.Source.Name),
			Description: firstNonEmpty(module.Description, result.cfg.Source.Description),
		}
		result.cfg.applyModuleMetadata(override)
		mergeConfig(&cfg, result.cfg)
	}

	if err := validateConfigIdentifiers(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &moduleResult{cfg: &cfg, packageName: pkgName, packagePath: fullPath}, nil
}

func loadDir(path string, visited map[string]struct{}, ctx moduleContext) (*moduleResult, error) {
	if _, ok := visited[path]; ok {
		return nil, fmt.Errorf("config include cycle detected at %s", path)
	}
	visited[path] = struct{}{}
	defer delete(visited, path)

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	result := &Config{}
	result.setSource(ModuleReference{File: path, Package: joinPackagePath(ctx.packagePath)})

	var dirPackage []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if isValuesFile(name) {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		subPath := filepath.Join(path, name)
		res, err := loadFile(subPath, visited, ctx)
		if err != nil {
			return nil, err
		}
		if res == nil || res.cfg == nil {
			continue
		}
		if len(dirPackage) == 0 {
			dirPackage = append([]string(nil), res.packagePath...)
		} else if !equalPackagePath(dirPackage, res.packagePath) {
			return nil, fmt.Errorf("%s: inconsistent package declarations (%s vs %s)", path, joinPackagePath(dirPackage), joinPackagePath(res.packagePath))
		}
		mergeConfig(result, res.cfg)
	}

	return &moduleResult{cfg: result, packagePath: dirPackage, packageName: lastPackageSegment(dirPackage)}, nil
}

func extractPackageName(root *yaml.Node) (string, error) {
	if root == nil {
		return "", nil
	}
	var pkg string
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		if key == nil || key.Kind != yaml.ScalarNode {
			continue
		}
		if strings.TrimSpace(key.Value) != "package" {
			continue
		}
		value := root.Content[i+1]
		if value == nil {
			continue
		}
		if err := value.Decode(&pkg); err != nil {
			return "", fmt.Errorf("invalid package declaration: %w", err)
		}
	}
	return strings.TrimSpace(pkg), nil
}

func ensureIdentifier(value, kind string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s identifier must not be empty", kind)
	}
	if strings.Contains(trimmed, ".") {
		return fmt.Errorf("%s %q must not contain '.'", kind, trimmed)
	}
	for idx, r := range trimmed {
		if idx == 0 && unicode.IsDigit(r) {
			return fmt.Errorf("%s %q must not start with a digit", kind, trimmed)
		}
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return fmt.Errorf("%s %q contains invalid character %q", kind, trimmed, r)
		}
	}
	return nil
}

func copyValueMap(src map[string]*yaml.Node) map[string]*yaml.Node {
	if len(src) == 0 {
		return make(map[string]*yaml.Node)
	}
	dst := make(map[string]*yaml.Node, len(src))
	for key, node := range src {
		dst[key] = cloneNode(node)
	}
	return dst
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	clone := *n
	if len(n.Content) > 0 {
		clone.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			clone.Content[i] = cloneNode(child)
		}
	}
	if n.Alias != nil {
		clone.Alias = cloneNode(n.Alias)
	}
	return &clone
}

func loadValuesIntoMap(root *yaml.Node, baseDir string, values map[string]*yaml.Node) error {
	if root == nil || root.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		if key == nil || key.Kind != yaml.ScalarNode || strings.TrimSpace(key.Value) != "values" {
			continue
		}
		seq := root.Content[i+1]
		if seq == nil {
			continue
		}
		if seq.Kind != yaml.SequenceNode {
			return fmt.Errorf("values block must be a sequence")
		}
		for _, item := range seq.Content {
			if item == nil {
				continue
			}
			switch item.Kind {
			case yaml.ScalarNode:
				var ref string
				if err := item.Decode(&ref); err != nil {
					return fmt.Errorf("decode values entry: %w", err)
				}
				ref = strings.TrimSpace(ref)
				if ref == "" {
					continue
				}
				path := ref
				if !filepath.IsAbs(path) {
					path = filepath.Join(baseDir, ref)
				}
				loaded, err := loadValueFile(path)
				if err != nil {
					return fmt.Errorf("load values %s: %w", ref, err)
				}
				for name, node := range loaded {
					values[name] = node
				}
			case yaml.MappingNode:
				inline := extractValuesFromMapping(item)
				for name, node := range inline {
					values[name] = node
				}
			default:
				return fmt.Errorf("values entry at line %d must be a string path or mapping", item.Line)
			}
		}
	}
	return nil
}

func isValuesFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".values.yaml") || strings.HasSuffix(lower, ".values.yml")
}

func loadValueFile(path string) (map[string]*yaml.Node, error) {
	if !isValuesFile(filepath.Base(path)) {
		return nil, fmt.Errorf("values file %s must end with .values.yaml or .values.yml", path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var document yaml.Node
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, err
	}
	if len(document.Content) == 0 || document.Content[0] == nil {
		return nil, fmt.Errorf("values file %s is empty", path)
	}
	root := document.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("values file %s must contain a mapping", path)
	}
	return extractValuesFromMapping(root), nil
}

func extractValuesFromMapping(node *yaml.Node) map[string]*yaml.Node {
	result := make(map[string]*yaml.Node)
	if node == nil || node.Kind != yaml.MappingNode {
		return result
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		if keyNode == nil || keyNode.Kind != yaml.ScalarNode {
			continue
		}
		name := strings.TrimSpace(keyNode.Value)
		if name == "" {
			continue
		}
		result[name] = cloneNode(node.Content[i+1])
	}
	return result
}

func resolveValueTags(node *yaml.Node, values map[string]*yaml.Node) error {
	if node == nil {
		return nil
	}
	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode, yaml.MappingNode:
		for _, child := range node.Content {
			if err := resolveValueTags(child, values); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if node.Tag == "" || strings.HasPrefix(node.Tag, "!!") {
			return nil
		}
		if !strings.HasPrefix(node.Tag, "!") {
			return nil
		}
		key := strings.TrimPrefix(node.Tag, "!")
		if key == "" {
			return fmt.Errorf("invalid value reference at line %d", node.Line)
		}
		value, ok := values[key]
		if !ok {
			return fmt.Errorf("unknown value reference %q at line %d", key, node.Line)
		}
		replacement := cloneNode(value)
		if replacement == nil {
			return fmt.Errorf("value %q resolved to nil", key)
		}
		node.Kind = replacement.Kind
		node.Style = replacement.Style
		node.Tag = replacement.Tag
		node.Value = replacement.Value
		node.Anchor = replacement.Anchor
		node.Alias = replacement.Alias
		node.Content = make([]*yaml.Node, len(replacement.Content))
		for i := range replacement.Content {
			node.Content[i] = cloneNode(replacement.Content[i])
		}
	}
	return nil
}

func computeChildPackagePath(baseDir, modulePath string, parent []string, isDir bool) ([]string, error) {
	rel, err := filepath.Rel(baseDir, modulePath)
	if err != nil {
		return nil, err
	}
	rel = filepath.Clean(rel)
	if strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("module path %s escapes base directory", modulePath)
	}
	segments := make([]string, 0)
	if rel != "." {
		parts := strings.Split(rel, string(os.PathSeparator))
		for _, part := range parts {
			if part == "" || part == "." {
				continue
			}
			segments = append(segments, part)
		}
	}
	if !isDir && len(segments) > 0 {
		segments = segments[:len(segments)-1]
	}
	child := append([]string{}, parent...)
	child = append(child, segments...)
	return child, nil
}

func packagePathIsDescendant(child, parent []string) bool {
	if len(child) < len(parent) {
		return false
	}
	for i := range parent {
		if child[i] != parent[i] {
			return false
		}
	}
	return true
}

func equalPackagePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinPackagePath(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ".")
}

func lastPackageSegment(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func validateConfigIdentifiers(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	for _, pos := range cfg.Positioners {
		if err := ensureIdentifier(pos.ID, "positioner"); err != nil {
			return err
		}
	}
	for _, det := range cfg.Detectors {
		if err := ensureIdentifier(det.ID, "detector"); err != nil {
			return err
		}
	}
	for _, counter := range cfg.Counters {
		if err := ensureIdentifier(counter.ID, "counter"); err != nil {
			return err
		}
	}
	for _, scan := range cfg.Scans {
		if err := ensureIdentifier(scan.Name, "scan"); err != nil {
			return err
		}
	}
	return nil
}

func mergeConfig(dst, src *Config) {
	if dst == nil || src == nil {
		return
	}

	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		dst.Logging.Format = src.Logging.Format
	}
	if src.Logging.Loki.Enabled || src.Logging.Loki.URL != "" || len(src.Logging.Loki.Labels) > 0 {
		dst.Logging.Loki = src.Logging.Loki
	}
	if src.Telemetry.Enabled || src.Telemetry.Provider != "" {
		dst.Telemetry = src.Telemetry
	}
	if src.Store.Driver != "" || src.Store.DSN != "" || src.Store.Redis.Addr != "" {
		dst.Store = src.Store
	}
	if src.Engine != (EngineConfig{}) {
		dst.Engine = src.Engine
	}
	if src.Server != (ServerConfig{}) {
		dst.Server = src.Server
	}
	if src.HotReload {
		dst.HotReload = true
	}

	dst.Positioners = append(dst.Positioners, src.Positioners...)
	dst.Detectors = append(dst.Detectors, src.Detectors...)
	dst.Counters = append(dst.Counters, src.Counters...)
	dst.Scans = append(dst.Scans, src.Scans...)
}

func (c *Config) setSource(meta ModuleReference) {
	if c == nil {
		return
	}
	if meta.File == "" {
		meta.File = c.Source.File
	}
	if meta.Name == "" {
		meta.Name = c.Name
	}
	if meta.Description == "" {
		meta.Description = c.Description
	}
	c.Source = meta
	c.applySource(meta)
}

func (c *Config) applySource(meta ModuleReference) {
	if c == nil {
		return
	}
	for i := range c.Positioners {
		c.Positioners[i].Source = mergeInitialSource(c.Positioners[i].Source, meta)
	}
	for i := range c.Detectors {
		c.Detectors[i].Source = mergeInitialSource(c.Detectors[i].Source, meta)
	}
	for i := range c.Counters {
		c.Counters[i].Source = mergeInitialSource(c.Counters[i].Source, meta)
	}
	for i := range c.Scans {
		c.Scans[i].Source = mergeInitialSource(c.Scans[i].Source, meta)
	}
}

func (c *Config) applyModuleMetadata(meta ModuleReference) {
	if c == nil {
		return
	}
	c.Source = mergeModuleOverride(c.Source, meta)
	for i := range c.Positioners {
		c.Positioners[i].Source = mergeModuleOverride(c.Positioners[i].Source, meta)
	}
	for i := range c.Detectors {
		c.Detectors[i].Source = mergeModuleOverride(c.Detectors[i].Source, meta)
	}
	for i := range c.Counters {
		c.Counters[i].Source = mergeModuleOverride(c.Counters[i].Source, meta)
	}
	for i := range c.Scans {
		c.Scans[i].Source = mergeModuleOverride(c.Scans[i].Source, meta)
	}
}

func mergeInitialSource(child, meta ModuleReference) ModuleReference {
	if child.File == "" && meta.File != "" {
		child.File = meta.File
	}
	if child.Name == "" && meta.Name != "" {
		child.Name = meta.Name
	}
	if child.Description == "" && meta.Description != "" {
		child.Description = meta.Description
	}
	if child.Package == "" && meta.Package != "" {
		child.Package = meta.Package
	}
	return child
}

func mergeModuleOverride(base, override ModuleReference) ModuleReference {
	if override.File != "" {
		base.File = override.File
	}
	if override.Name != "" {
		base.Name = override.Name
	}
	if override.Description != "" {
		base.Description = override.Description
	}
	if override.Package != "" {
		base.Package = override.Package
	}
	return base
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
