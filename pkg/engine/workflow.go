package engine

import (
	"fmt"
	"strings"
	"time"
)

// CommandTemplate is an argv whose elements may contain text/template actions.
type CommandTemplate struct {
	// Args is the command and its arguments. Args[0] is the executable.
	Args []string `json:"args"`

	// Timeout overrides the reconciler's default command timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// PresenceMarker, when set, must appear in stdout for an exists or verify
	// command to count as "present". Exit code 0 alone is not enough for list
	// style commands that succeed with empty output.
	PresenceMarker string `json:"presenceMarker,omitempty"`
}

// ReconcilerSpec declares one resource and how to converge it.
type ReconcilerSpec struct {
	Name       string            `json:"name"`
	Kind       ResourceKind      `json:"kind"`
	Key        string            `json:"key"`
	Parameters map[string]string `json:"parameters,omitempty"`

	Exists *CommandTemplate `json:"exists,omitempty"`
	Create *CommandTemplate `json:"create,omitempty"`
	Verify *CommandTemplate `json:"verify,omitempty"`

	// Produces exports values to later reconcilers and phases.
	Produces map[string]ValueSource `json:"produces,omitempty"`

	// IdempotencyMarkers extend the kind's marker table for this reconciler.
	IdempotencyMarkers []string `json:"idempotencyMarkers,omitempty"`
}

// PhaseSpec declares a phase. The set of phases is fixed at engine construction.
type PhaseSpec struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	DependsOn   []string         `json:"dependsOn,omitempty"`
	Reconcilers []ReconcilerSpec `json:"reconcilers"`
}

// Command is a rendered command ready for a CommandRunner.
type Command struct {
	Args           []string
	Timeout        time.Duration
	PresenceMarker string
}

// ReconcileRequest is a fully rendered reconciler invocation.
type ReconcileRequest struct {
	Name     string
	Resource ResourceDescriptor
	Exists   *Command
	Create   *Command
	Verify   *Command

	IdempotencyMarkers []string
}

type compiledCommand struct {
	args    []*textTemplate
	timeout time.Duration
	marker  *textTemplate
}

type compiledReconciler struct {
	spec     ReconcilerSpec
	key      *textTemplate
	params   map[string]*textTemplate
	exists   *compiledCommand
	create   *compiledCommand
	verify   *compiledCommand
	produces []*compiledSource
}

type compiledPhase struct {
	spec        PhaseSpec
	reconcilers []*compiledReconciler
}

func compilePhase(spec PhaseSpec) (*compiledPhase, error) {
	cp := &compiledPhase{spec: spec}
	seen := make(map[string]bool, len(spec.Reconcilers))
	for i, rs := range spec.Reconcilers {
		if rs.Name == "" {
			rs.Name = fmt.Sprintf("%s-%d", strings.ToLower(string(rs.Kind)), i+1)
		}
		if seen[rs.Name] {
			return nil, NewPermanentError(fmt.Sprintf("duplicate reconciler %s in phase %s", rs.Name, spec.Name), nil).
				WithCode(ErrCodeValidation)
		}
		seen[rs.Name] = true

		cr, err := compileReconciler(rs)
		if err != nil {
			return nil, NewPermanentError(fmt.Sprintf("invalid reconciler %s in phase %s", rs.Name, spec.Name), err).
				WithCode(ErrCodeValidation).
				WithResource(rs.Name)
		}
		cp.reconcilers = append(cp.reconcilers, cr)
	}
	return cp, nil
}

func compileReconciler(spec ReconcilerSpec) (*compiledReconciler, error) {
	if err := spec.Kind.Validate(); err != nil {
		return nil, err
	}
	if spec.Key == "" {
		return nil, fmt.Errorf("key is required")
	}
	if spec.Exists == nil && spec.Create == nil {
		return nil, fmt.Errorf("at least one of exists or create is required")
	}
	if err := validateParameters(spec.Kind, spec.Parameters, false); err != nil {
		return nil, err
	}

	cr := &compiledReconciler{spec: spec, params: make(map[string]*textTemplate, len(spec.Parameters))}

	var err error
	if cr.key, err = parseTemplate(spec.Name+".key", spec.Key); err != nil {
		return nil, err
	}
	for name, raw := range spec.Parameters {
		if cr.params[name], err = parseTemplate(spec.Name+".parameters."+name, raw); err != nil {
			return nil, err
		}
	}
	if cr.exists, err = compileCommand(spec.Name+".exists", spec.Exists); err != nil {
		return nil, err
	}
	if cr.create, err = compileCommand(spec.Name+".create", spec.Create); err != nil {
		return nil, err
	}
	if cr.verify, err = compileCommand(spec.Name+".verify", spec.Verify); err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(spec.Produces) {
		cs, err := compileSource(name, spec.Produces[name])
		if err != nil {
			return nil, err
		}
		cr.produces = append(cr.produces, cs)
	}
	return cr, nil
}

func compileCommand(name string, ct *CommandTemplate) (*compiledCommand, error) {
	if ct == nil {
		return nil, nil
	}
	if len(ct.Args) == 0 || strings.TrimSpace(ct.Args[0]) == "" {
		return nil, fmt.Errorf("%s: command is empty", name)
	}
	if ct.Timeout < 0 {
		return nil, fmt.Errorf("%s: timeout must not be negative", name)
	}
	cc := &compiledCommand{timeout: ct.Timeout}
	for i, arg := range ct.Args {
		t, err := parseTemplate(fmt.Sprintf("%s[%d]", name, i), arg)
		if err != nil {
			return nil, err
		}
		cc.args = append(cc.args, t)
	}
	if ct.PresenceMarker != "" {
		t, err := parseTemplate(name+".presenceMarker", ct.PresenceMarker)
		if err != nil {
			return nil, err
		}
		cc.marker = t
	}
	return cc, nil
}

func (cc *compiledCommand) render(data templateData) (*Command, error) {
	if cc == nil {
		return nil, nil
	}
	cmd := &Command{Timeout: cc.timeout, Args: make([]string, 0, len(cc.args))}
	for i, t := range cc.args {
		arg, err := t.render(data)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		cmd.Args = append(cmd.Args, arg)
	}
	if cc.marker != nil {
		m, err := cc.marker.render(data)
		if err != nil {
			return nil, fmt.Errorf("presence marker: %w", err)
		}
		cmd.PresenceMarker = m
	}
	return cmd, nil
}

// bind renders the reconciler against values: parameters first, then the key,
// then the commands, then the rendered parameters are checked against the kind
// schema.
func (cr *compiledReconciler) bind(values map[string]string) (ReconcileRequest, error) {
	req := ReconcileRequest{
		Name:               cr.spec.Name,
		IdempotencyMarkers: cr.spec.IdempotencyMarkers,
	}

	data := templateData{Params: map[string]string{}, Values: values}
	params, err := renderMap(cr.params, data)
	if err != nil {
		return req, err
	}
	data.Params = params

	key, err := cr.key.render(data)
	if err != nil {
		return req, fmt.Errorf("key: %w", err)
	}
	if strings.TrimSpace(key) == "" {
		return req, fmt.Errorf("key rendered empty")
	}
	data.Key = key
	req.Resource = ResourceDescriptor{Kind: cr.spec.Kind, Key: key, Parameters: params}

	if req.Exists, err = cr.exists.render(data); err != nil {
		return req, fmt.Errorf("exists: %w", err)
	}
	if req.Create, err = cr.create.render(data); err != nil {
		return req, fmt.Errorf("create: %w", err)
	}
	if req.Verify, err = cr.verify.render(data); err != nil {
		return req, fmt.Errorf("verify: %w", err)
	}

	if err := validateParameters(cr.spec.Kind, params, true); err != nil {
		return req, err
	}
	return req, nil
}

// producesOutput reports whether any produced value reads command output.
func (cr *compiledReconciler) producesOutput() bool {
	for _, cs := range cr.produces {
		if cs.src.usesOutput() {
			return true
		}
	}
	return false
}

// produce evaluates the produced values for a successful result.
func (cr *compiledReconciler) produce(req ReconcileRequest, values map[string]string, stdout string) (map[string]string, error) {
	out := make(map[string]string, len(cr.produces))
	data := templateData{
		Key:    req.Resource.Key,
		Params: req.Resource.Parameters,
		Values: values,
		Stdout: stdout,
	}
	for _, cs := range cr.produces {
		v, err := cs.evaluate(data)
		if err != nil {
			return nil, err
		}
		out[cs.name] = v
	}
	return out, nil
}

// producedKeys lists the names a phase can produce, in declaration order.
func (cp *compiledPhase) producedKeys() []string {
	var keys []string
	for _, cr := range cp.reconcilers {
		for _, cs := range cr.produces {
			keys = append(keys, cs.name)
		}
	}
	return keys
}

// ValidateSpecs runs the construction-time checks of New without loading
// state: the phase graph, kinds, parameter schemas and templates.
func ValidateSpecs(specs []PhaseSpec) error {
	if _, err := NewPhaseGraph(specs); err != nil {
		return err
	}
	for _, spec := range specs {
		if _, err := compilePhase(spec); err != nil {
			return err
		}
	}
	return nil
}
