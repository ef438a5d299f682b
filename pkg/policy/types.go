package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block the reconciler.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the reconciler.
	SeverityError Severity = "error"

	// SeverityCritical blocks the reconciler.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the resource.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set is evaluated against every
// rendered resource.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the module source. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is used for deny entries that carry none.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was read from. Empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the key of the offending resource.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides a suggested fix.
	Remediation string `json:"remediation,omitempty"`
}

// Result is the outcome of evaluating every enabled policy against one input.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document bound to `input` during evaluation.
type Input struct {
	// Phase is the phase that owns the resource.
	Phase string `json:"phase"`

	// Resource is the rendered descriptor with sensitive parameters masked.
	Resource engine.ResourceDescriptor `json:"resource"`

	// Operation is "reconcile" for guard checks and "plan" for previews.
	Operation string `json:"operation"`
}

// DeniedError is returned by Engine.Check when a blocking violation is found.
type DeniedError struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
		if v.Remediation != "" {
			msgs[i] += " (" + v.Remediation + ")"
		}
	}
	return "denied by policy: " + strings.Join(msgs, "; ")
}
