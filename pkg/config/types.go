package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// Workflow is a workflow definition as written in a YAML or CUE file.
type Workflow struct {
	// Name identifies the workflow in logs and status output.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Description is free text shown by `phasegate graph`.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Inputs are default caller inputs. Config file and --input values override them.
	Inputs map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Phases lists the phases in declaration order.
	Phases []PhaseConfig `json:"phases" yaml:"phases" validate:"required,min=1,dive"`
}

// PhaseConfig is one phase of a workflow file.
type PhaseConfig struct {
	Name        string             `json:"name" yaml:"name" validate:"required"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string           `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Reconcilers []ReconcilerConfig `json:"reconcilers" yaml:"reconcilers" validate:"dive"`
}

// ReconcilerConfig declares one resource of a phase.
type ReconcilerConfig struct {
	Name       string            `json:"name" yaml:"name" validate:"required"`
	Kind       string            `json:"kind,omitempty" yaml:"kind,omitempty"`
	Key        string            `json:"key" yaml:"key" validate:"required"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	Exists *CommandConfig `json:"exists,omitempty" yaml:"exists,omitempty"`
	Create *CommandConfig `json:"create,omitempty" yaml:"create,omitempty"`
	Verify *CommandConfig `json:"verify,omitempty" yaml:"verify,omitempty"`

	Produces           map[string]ValueConfig `json:"produces,omitempty" yaml:"produces,omitempty"`
	IdempotencyMarkers []string               `json:"idempotencyMarkers,omitempty" yaml:"idempotencyMarkers,omitempty"`
}

// CommandConfig is a command template. Timeout is a Go duration string.
type CommandConfig struct {
	Args           []string `json:"args" yaml:"args" validate:"required,min=1"`
	Timeout        string   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	PresenceMarker string   `json:"presenceMarker,omitempty" yaml:"presenceMarker,omitempty"`
}

// ValueConfig derives a produced value from a template or a jq expression.
type ValueConfig struct {
	Template string `json:"template,omitempty" yaml:"template,omitempty"`
	JQ       string `json:"jq,omitempty" yaml:"jq,omitempty"`
}

// ValidationError represents a configuration error with its location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-based).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-based).
	Column int `json:"column,omitempty"`

	// Path is the field path inside the workflow (e.g., "phases[1].reconcilers[0]").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String formats the error as file:line:col: path: message.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a workflow.
type ValidationErrors []ValidationError

// Error implements error.
func (v ValidationErrors) Error() string {
	lines := make([]string, len(v))
	for i, e := range v {
		lines[i] = e.String()
	}
	return fmt.Sprintf("workflow has %d error(s):\n  %s", len(v), strings.Join(lines, "\n  "))
}

// PhaseSpecs converts the workflow into engine phase specs.
func (w *Workflow) PhaseSpecs() ([]engine.PhaseSpec, error) {
	specs := make([]engine.PhaseSpec, 0, len(w.Phases))
	for i, p := range w.Phases {
		spec := engine.PhaseSpec{
			Name:        p.Name,
			Description: p.Description,
			DependsOn:   p.DependsOn,
			Reconcilers: make([]engine.ReconcilerSpec, 0, len(p.Reconcilers)),
		}
		for j, r := range p.Reconcilers {
			rs, err := r.spec()
			if err != nil {
				return nil, fmt.Errorf("phases[%d].reconcilers[%d] (%s): %w", i, j, r.Name, err)
			}
			spec.Reconcilers = append(spec.Reconcilers, rs)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (r ReconcilerConfig) spec() (engine.ReconcilerSpec, error) {
	kind := engine.ResourceKind(r.Kind)
	if kind == "" {
		kind = engine.KindGeneric
	}

	spec := engine.ReconcilerSpec{
		Name:               r.Name,
		Kind:               kind,
		Key:                r.Key,
		Parameters:         r.Parameters,
		IdempotencyMarkers: r.IdempotencyMarkers,
	}

	var err error
	if spec.Exists, err = r.Exists.template("exists"); err != nil {
		return spec, err
	}
	if spec.Create, err = r.Create.template("create"); err != nil {
		return spec, err
	}
	if spec.Verify, err = r.Verify.template("verify"); err != nil {
		return spec, err
	}

	if len(r.Produces) > 0 {
		spec.Produces = make(map[string]engine.ValueSource, len(r.Produces))
		for name, v := range r.Produces {
			spec.Produces[name] = engine.ValueSource{Template: v.Template, JQ: v.JQ}
		}
	}
	return spec, nil
}

func (c *CommandConfig) template(role string) (*engine.CommandTemplate, error) {
	if c == nil {
		return nil, nil
	}
	ct := &engine.CommandTemplate{
		Args:           append([]string(nil), c.Args...),
		PresenceMarker: c.PresenceMarker,
	}
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%s timeout: %w", role, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s timeout must be positive", role)
		}
		ct.Timeout = d
	}
	return ct, nil
}

// MergeInputs overlays each map onto the workflow defaults, later maps winning.
func (w *Workflow) MergeInputs(overrides ...map[string]string) map[string]string {
	merged := make(map[string]string, len(w.Inputs))
	for k, v := range w.Inputs {
		merged[k] = v
	}
	for _, m := range overrides {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}

// PhaseNames returns the phase names in declaration order.
func (w *Workflow) PhaseNames() []string {
	names := make([]string, len(w.Phases))
	for i, p := range w.Phases {
		names[i] = p.Name
	}
	return names
}

// ParseInputs parses repeated key=value flags.
func ParseInputs(pairs []string) (map[string]string, error) {
	inputs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", pair)
		}
		inputs[key] = value
	}
	return inputs, nil
}

// InputKeys returns the sorted keys of inputs.
func InputKeys(inputs map[string]string) []string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
