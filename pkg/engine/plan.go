package engine

import (
	"strings"
)

// PlannedCommand is a rendered command with secrets masked.
type PlannedCommand struct {
	Args           []string `json:"args"`
	PresenceMarker string   `json:"presenceMarker,omitempty"`
}

// PlannedReconcile is one reconciler rendered against the current values
// without executing anything.
type PlannedReconcile struct {
	Phase       string             `json:"phase"`
	PhaseStatus PhaseStatus        `json:"phaseStatus"`
	Reconciler  string             `json:"reconciler"`
	Resource    ResourceDescriptor `json:"resource"`
	Exists      *PlannedCommand    `json:"exists,omitempty"`
	Create      *PlannedCommand    `json:"create,omitempty"`
	Verify      *PlannedCommand    `json:"verify,omitempty"`
	Produces    []string           `json:"produces,omitempty"`

	// Error is set when the reconciler cannot be rendered yet.
	Error string `json:"error,omitempty"`
}

// Plan renders every reconciler in execution order. Values that are not
// produced yet are shown as "<name>" placeholders.
func (e *Engine) Plan() []PlannedReconcile {
	e.mu.Lock()
	defer e.mu.Unlock()

	values := e.values()
	for _, name := range e.graph.Order() {
		for _, key := range e.phases[name].producedKeys() {
			if _, ok := values[key]; !ok {
				values[key] = "<" + key + ">"
			}
		}
	}

	var plan []PlannedReconcile
	for _, name := range e.graph.Order() {
		status := e.state.Phases[name].Status
		for _, cr := range e.phases[name].reconcilers {
			entry := PlannedReconcile{
				Phase:       name,
				PhaseStatus: status,
				Reconciler:  cr.spec.Name,
				Produces:    sortedKeys(cr.spec.Produces),
			}
			req, err := cr.bind(values)
			secrets := req.Resource.sensitiveValues()
			entry.Resource = req.Resource.Masked()
			if entry.Resource.Kind == "" {
				entry.Resource.Kind = cr.spec.Kind
			}
			if err != nil {
				entry.Error = maskSecrets(err.Error(), secrets)
			} else {
				entry.Exists = planned(req.Exists, secrets)
				entry.Create = planned(req.Create, secrets)
				entry.Verify = planned(req.Verify, secrets)
			}
			plan = append(plan, entry)
		}
	}
	return plan
}

func planned(cmd *Command, secrets []string) *PlannedCommand {
	if cmd == nil {
		return nil
	}
	pc := &PlannedCommand{Args: make([]string, len(cmd.Args)), PresenceMarker: cmd.PresenceMarker}
	for i, arg := range cmd.Args {
		pc.Args[i] = maskSecrets(arg, secrets)
	}
	return pc
}

// String renders the command as a shell-like line.
func (c *PlannedCommand) String() string {
	if c == nil {
		return ""
	}
	quoted := make([]string, len(c.Args))
	for i, arg := range c.Args {
		if arg == "" || strings.ContainsAny(arg, " \t\"'$") {
			quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
		} else {
			quoted[i] = arg
		}
	}
	return strings.Join(quoted, " ")
}
