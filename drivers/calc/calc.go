// Package calc provides a derived counter whose value is computed from
// other inventory channels with an expression. Inputs are resolved when
// the counter is built, so a calc counter may only reference detector
// channels and counters declared before it.
package calc

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/instrument"
)

const counterSchema = `
#Settings: {
	expression: string & !=""
	inputs?: [...string]
}
`

// Settings configure a calc counter. Each input names a sibling counter
// (or, failing that, a positioner readback) and doubles as the variable
// name inside the expression.
type Settings struct {
	Expression string   `yaml:"expression"`
	Inputs     []string `yaml:"inputs"`
}

func parseSettings(node *yaml.Node) (Settings, error) {
	var settings Settings
	if node != nil {
		if err := node.Decode(&settings); err != nil {
			return Settings{}, fmt.Errorf("decode calc settings: %w", err)
		}
	}
	settings.Expression = strings.TrimSpace(settings.Expression)
	if settings.Expression == "" {
		return Settings{}, fmt.Errorf("expression must not be empty")
	}
	seen := make(map[string]struct{}, len(settings.Inputs))
	for idx, raw := range settings.Inputs {
		input := strings.TrimSpace(raw)
		if !isValidIdentifier(input) {
			return Settings{}, fmt.Errorf("input %q is not a valid expression identifier", raw)
		}
		if _, ok := seen[input]; ok {
			return Settings{}, fmt.Errorf("duplicate input %q", input)
		}
		seen[input] = struct{}{}
		settings.Inputs[idx] = input
	}
	return settings, nil
}

type input struct {
	name       string
	counter    instrument.Counter
	positioner instrument.Positioner
}

type counter struct {
	name    string
	program *vm.Program
	inputs  []input
}

func newCounter(cfg config.CounterConfig, deps instrument.CounterDependencies) (instrument.Counter, error) {
	settings, err := parseSettings(cfg.DriverSettings)
	if err != nil {
		return nil, fmt.Errorf("counter %s: %w", cfg.ID, err)
	}
	inputs := make([]input, 0, len(settings.Inputs))
	for _, name := range settings.Inputs {
		if deps.Counter != nil {
			if cnt, ok := deps.Counter(name); ok {
				inputs = append(inputs, input{name: name, counter: cnt})
				continue
			}
		}
		if deps.Positioner != nil {
			if pos, ok := deps.Positioner(name); ok {
				inputs = append(inputs, input{name: name, positioner: pos})
				continue
			}
		}
		return nil, fmt.Errorf("counter %s: unknown input %q", cfg.ID, name)
	}
	program, err := expr.Compile(settings.Expression, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("counter %s: compile %q: %w", cfg.ID, settings.Expression, err)
	}
	return &counter{name: cfg.ID, program: program, inputs: inputs}, nil
}

func (c *counter) Name() string {
	return c.name
}

func (c *counter) Read(ctx context.Context) (float64, error) {
	env := make(map[string]interface{}, len(c.inputs))
	for _, in := range c.inputs {
		if in.counter != nil {
			value, err := in.counter.Read(ctx)
			if err != nil {
				return 0, fmt.Errorf("counter %s: read input %s: %w", c.name, in.name, err)
			}
			env[in.name] = value
			continue
		}
		env[in.name] = in.positioner.Position()
	}
	result, err := vm.Run(c.program, env)
	if err != nil {
		return 0, fmt.Errorf("counter %s: evaluate: %w", c.name, err)
	}
	value, ok := toFloat(result)
	if !ok {
		return 0, fmt.Errorf("counter %s: expression result %T is not numeric", c.name, result)
	}
	return value, nil
}

func toFloat(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func isValidIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for idx, r := range name {
		if idx == 0 && !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return false
		}
		if idx > 0 {
			if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
				return false
			}
		}
	}
	return true
}

func init() {
	instrument.RegisterCounterDriver("calc", newCounter)
	config.MustRegisterDriverSchema("calc", counterSchema)
}
