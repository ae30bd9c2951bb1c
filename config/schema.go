package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

const rootSchema = `
#Config: {
	package?:     string
	name?:        string
	description?: string
	logging?:     _
	telemetry?:   _
	store?:       #Store
	engine?:      _
	server?:      _
	hot_reload?:  bool
	modules?: [...]
	values?: [...]
	positioners?: [...#Positioner]
	detectors?: [...#Instrument]
	counters?: [...#Instrument]
	scans?: [...#Scan]
	...
}

#Store: {
	driver?: "memory" | "sqlite" | "redis"
	dsn?:    string
	redis?:  _
	...
}

#Positioner: {
	id:               string
	driver:           string
	unit?:            string
	low_limit?:       number
	high_limit?:      number
	driver_settings?: _
	name?:            string
	description?:     string
	...
}

#Instrument: {
	id:               string
	driver:           string
	driver_settings?: _
	name?:            string
	description?:     string
	...
}

#Scan: {
	name: string
	positioners: [...#ScanAxis]
	detectors?: [...string]
	counters?: [...string]
	extras?: [...string]
	dwelltime?: string
	dwelltimes?: [...string]
	breakpoints?: [...int & >=0]
	...
}

#ScanAxis: {
	id: string
	targets?: [...number]
	segments?: [...#Segment]
	...
}

#Segment: {
	start: number
	stop:  number
	npts?: int & >1
	step?: number
	...
}
`

var (
	schemaMu      sync.RWMutex
	driverSchemas = make(map[string]string)
)

// RegisterDriverSchema registers a CUE document constraining the
// driver_settings node accepted by the named driver. The document must define
// a #Settings value.
func RegisterDriverSchema(driver, schema string) error {
	name := strings.TrimSpace(driver)
	if name == "" {
		return errors.New("driver name must not be empty")
	}
	if strings.TrimSpace(schema) == "" {
		return fmt.Errorf("driver %s: schema must not be empty", name)
	}
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if _, exists := driverSchemas[name]; exists {
		return fmt.Errorf("driver schema %s already registered", name)
	}
	driverSchemas[name] = schema
	return nil
}

// MustRegisterDriverSchema registers a driver schema and panics on failure.
// Intended for driver init functions.
func MustRegisterDriverSchema(driver, schema string) {
	if err := RegisterDriverSchema(driver, schema); err != nil {
		panic(err)
	}
}

func lookupDriverSchema(driver string) (string, bool) {
	schemaMu.RLock()
	defer schemaMu.RUnlock()
	schema, ok := driverSchemas[strings.TrimSpace(driver)]
	return schema, ok
}

// RegisteredDriverSchemas returns the drivers that carry a settings schema.
func RegisteredDriverSchemas() []string {
	schemaMu.RLock()
	defer schemaMu.RUnlock()
	names := make([]string, 0, len(driverSchemas))
	for name := range driverSchemas {
		names = append(names, name)
	}
	return names
}

// ResetDriverSchemasForTest clears the schema registry. This helper is intended for tests only.
func ResetDriverSchemasForTest() {
	schemaMu.Lock()
	driverSchemas = make(map[string]string)
	schemaMu.Unlock()
}

// Verify checks the merged configuration against the root schema and every
// instrument's driver settings against its registered driver schema.
func Verify(cfg *Config) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	ctx := cuecontext.New()

	schema, err := compileDefinition(ctx, rootSchema, "stepscan.cue", "#Config")
	if err != nil {
		return err
	}
	doc, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config document: %w", err)
	}
	value, err := buildYAML(ctx, "config.yaml", doc)
	if err != nil {
		return err
	}
	if err := schema.Unify(value).Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	for _, pos := range cfg.Positioners {
		if err := verifyDriverSettings(ctx, "positioner", pos.ID, pos.Driver, pos.DriverSettings); err != nil {
			return err
		}
	}
	for _, det := range cfg.Detectors {
		if err := verifyDriverSettings(ctx, "detector", det.ID, det.Driver, det.DriverSettings); err != nil {
			return err
		}
	}
	for _, counter := range cfg.Counters {
		if err := verifyDriverSettings(ctx, "counter", counter.ID, counter.Driver, counter.DriverSettings); err != nil {
			return err
		}
	}
	return nil
}

func verifyDriverSettings(ctx *cue.Context, kind, id, driver string, node *yaml.Node) error {
	src, ok := lookupDriverSchema(driver)
	if !ok {
		return nil
	}
	schema, err := compileDefinition(ctx, src, driver+".cue", "#Settings")
	if err != nil {
		return fmt.Errorf("driver %s: %w", driver, err)
	}
	raw := []byte("{}")
	if node != nil {
		encoded, err := yaml.Marshal(node)
		if err != nil {
			return fmt.Errorf("%s %s: encode driver settings: %w", kind, id, err)
		}
		raw = encoded
	}
	value, err := buildYAML(ctx, id+".yaml", raw)
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if err := schema.Unify(value).Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("%s %s: driver %s settings: %w", kind, id, driver, err)
	}
	return nil
}

func compileDefinition(ctx *cue.Context, src, filename, path string) (cue.Value, error) {
	compiled := ctx.CompileString(src, cue.Filename(filename))
	if err := compiled.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile schema %s: %w", filename, err)
	}
	def := compiled.LookupPath(cue.ParsePath(path))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("schema %s: missing %s: %w", filename, path, err)
	}
	return def, nil
}

func buildYAML(ctx *cue.Context, filename string, doc []byte) (cue.Value, error) {
	file, err := cueyaml.Extract(filename, doc)
	if err != nil {
		return cue.Value{}, fmt.Errorf("parse %s: %w", filename, err)
	}
	value := ctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("build %s: %w", filename, err)
	}
	return value, nil
}
