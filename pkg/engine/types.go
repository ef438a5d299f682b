package engine

import (
	"sort"
	"strings"
)

// ResourceDescriptor identifies a single resource to reconcile.
type ResourceDescriptor struct {
	// Kind selects the parameter schema and marker table.
	Kind ResourceKind `json:"kind"`

	// Key is the stable identifier used by the exists check. It is rendered from
	// parameters and caller inputs only, so re-runs compute the same key.
	Key string `json:"key"`

	// Parameters are the rendered values used to build commands.
	Parameters map[string]string `json:"parameters"`
}

// Masked returns a copy with sensitive parameters of the kind replaced.
func (d ResourceDescriptor) Masked() ResourceDescriptor {
	out := ResourceDescriptor{Kind: d.Kind, Key: d.Key, Parameters: copyStrings(d.Parameters)}
	for _, name := range d.Kind.SensitiveParameters() {
		if _, ok := out.Parameters[name]; ok {
			out.Parameters[name] = maskedValue
		}
	}
	return out
}

// sensitiveValues returns the raw values of sensitive parameters.
func (d ResourceDescriptor) sensitiveValues() []string {
	var values []string
	for _, name := range d.Kind.SensitiveParameters() {
		if v := d.Parameters[name]; v != "" {
			values = append(values, v)
		}
	}
	return values
}

// ReconcileResult is the outcome of one reconciliation attempt. Results are
// created once and never mutated after they are appended to a phase.
type ReconcileResult struct {
	// Reconciler is the name of the reconciler spec that produced this result.
	Reconciler string `json:"reconciler"`

	// Resource is the descriptor with sensitive parameters masked.
	Resource ResourceDescriptor `json:"resource"`

	// Outcome is AlreadyPresent, Created or Failed.
	Outcome Outcome `json:"outcome"`

	// Detail is diagnostic text from the command that decided the outcome.
	Detail string `json:"detail"`

	// Code classifies a failure. Empty on success.
	Code string `json:"code,omitempty"`

	// RetrySafe reports whether re-running the phase unchanged can succeed.
	RetrySafe bool `json:"retrySafe"`

	// Produced holds the values this reconciler exported to later steps.
	Produced map[string]string `json:"produced"`

	// Attempts is the number of verify polls performed.
	Attempts int `json:"attempts,omitempty"`

	// DurationMs is the wall time spent on the reconciler.
	DurationMs int64 `json:"durationMs"`

	// output is the stdout of the command that established presence.
	output string
}

// Failed returns true if the result did not converge the resource.
func (r ReconcileResult) Failed() bool {
	return r.Outcome == OutcomeFailed
}

// PhaseState is the persisted record of one phase.
type PhaseState struct {
	Status         PhaseStatus       `json:"status"`
	Results        []ReconcileResult `json:"results"`
	ProducedValues map[string]string `json:"producedValues"`
}

// ErrorState describes the most recent phase failure.
type ErrorState struct {
	Phase      string `json:"phase"`
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	Reconciler string `json:"reconciler,omitempty"`
	RetrySafe  bool   `json:"retrySafe"`
	Guidance   string `json:"guidance,omitempty"`
}

// Err converts the error state into a classified EngineError.
func (e *ErrorState) Err() error {
	if e == nil {
		return nil
	}
	code := e.Code
	if code == "" {
		code = ErrCodeReconcileFailed
	}
	return (&EngineError{
		Class:   ClassForCode(code),
		Message: "phase " + e.Phase + " failed: " + e.Message,
		Code:    code,
	}).WithOperation("run_phase").WithResource(e.Reconciler)
}

// ProvisioningState is the persisted state document.
type ProvisioningState struct {
	Phases map[string]*PhaseState `json:"phases"`
	Error  *ErrorState            `json:"error"`

	// ProducedValues is the union of completed phases' produced values. It is
	// derived by the engine and not persisted.
	ProducedValues map[string]string `json:"-"`
}

// NewProvisioningState returns a state with every named phase pending.
func NewProvisioningState(phases []string) *ProvisioningState {
	s := &ProvisioningState{Phases: make(map[string]*PhaseState, len(phases))}
	for _, name := range phases {
		s.Phases[name] = newPhaseState()
	}
	return s
}

func newPhaseState() *PhaseState {
	return &PhaseState{
		Status:         PhaseStatusPending,
		Results:        []ReconcileResult{},
		ProducedValues: map[string]string{},
	}
}

// Phase returns the state of the named phase, or nil.
func (s *ProvisioningState) Phase(name string) *PhaseState {
	if s == nil || s.Phases == nil {
		return nil
	}
	return s.Phases[name]
}

// PhaseNames returns the phase names in lexical order.
func (s *ProvisioningState) PhaseNames() []string {
	names := make([]string, 0, len(s.Phases))
	for name := range s.Phases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the state.
func (s *ProvisioningState) Clone() *ProvisioningState {
	if s == nil {
		return nil
	}
	out := &ProvisioningState{
		Phases:         make(map[string]*PhaseState, len(s.Phases)),
		ProducedValues: copyStrings(s.ProducedValues),
	}
	for name, ps := range s.Phases {
		out.Phases[name] = ps.clone()
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return out
}

func (p *PhaseState) clone() *PhaseState {
	if p == nil {
		return nil
	}
	out := &PhaseState{Status: p.Status}
	if p.Results != nil {
		out.Results = make([]ReconcileResult, len(p.Results))
		for i, r := range p.Results {
			out.Results[i] = r.clone()
		}
	}
	out.ProducedValues = copyStrings(p.ProducedValues)
	return out
}

func (r ReconcileResult) clone() ReconcileResult {
	out := r
	out.Resource.Parameters = copyStrings(r.Resource.Parameters)
	out.Produced = copyStrings(r.Produced)
	return out
}

// Progress summarises how far the workflow has advanced.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Percentage float64 `json:"percentage"`

	// Current is the first phase in execution order that is not complete.
	Current string `json:"current,omitempty"`
}

const maskedValue = "********"

// copyStrings copies in, preserving nil.
func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// maskSecrets replaces every occurrence of the given secrets in s.
func maskSecrets(s string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, maskedValue)
	}
	return s
}
