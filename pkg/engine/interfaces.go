package engine

import (
	"context"
	"time"
)

// CommandResult captures the outcome of one external command.
type CommandResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Succeeded returns true if the command ran to completion with exit code 0.
func (r CommandResult) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Output returns stderr, falling back to stdout, for diagnostics.
func (r CommandResult) Output() string {
	return firstNonEmpty(r.Stderr, r.Stdout)
}

// CommandRunner is the only boundary between the engine and the outside world.
// Run never returns an error: every failure mode is represented in the result.
// A timeout yields TimedOut=true and ExitCode=-1. A command that cannot be
// started yields ExitCode=127 with the reason in Stderr. Implementations do not
// retry.
type CommandRunner interface {
	Run(ctx context.Context, args []string, timeout time.Duration) CommandResult
}

// CommandRunnerFunc adapts a function to the CommandRunner interface.
type CommandRunnerFunc func(ctx context.Context, args []string, timeout time.Duration) CommandResult

// Run calls f.
func (f CommandRunnerFunc) Run(ctx context.Context, args []string, timeout time.Duration) CommandResult {
	return f(ctx, args, timeout)
}

// StateStore persists the provisioning state document.
type StateStore interface {
	// Load returns the stored state, or (nil, nil) when nothing was saved yet.
	Load(ctx context.Context) (*ProvisioningState, error)

	// Save durably replaces the stored state.
	Save(ctx context.Context, state *ProvisioningState) error
}

// Observer receives engine notifications. Implementations must not block.
type Observer interface {
	// PhaseTransition is called after a phase changes status and the state was saved.
	PhaseTransition(ctx context.Context, phase string, from, to PhaseStatus)

	// ResourceReconciled is called for every reconcile result.
	ResourceReconciled(ctx context.Context, phase string, result ReconcileResult)

	// ErrorCleared is called when the error state is cleared explicitly.
	ErrorCleared(ctx context.Context, phase string)
}

// Guard vets a rendered resource before any command runs. A non-nil error
// fails the reconciler with ErrCodePolicyDenied.
type Guard interface {
	Check(ctx context.Context, phase string, resource ResourceDescriptor) error
}

// nopObserver discards all notifications.
type nopObserver struct{}

func (nopObserver) PhaseTransition(context.Context, string, PhaseStatus, PhaseStatus) {}
func (nopObserver) ResourceReconciled(context.Context, string, ReconcileResult)      {}
func (nopObserver) ErrorCleared(context.Context, string)                            {}

// MultiObserver fans notifications out to several observers.
type MultiObserver []Observer

// PhaseTransition implements Observer.
func (m MultiObserver) PhaseTransition(ctx context.Context, phase string, from, to PhaseStatus) {
	for _, o := range m {
		o.PhaseTransition(ctx, phase, from, to)
	}
}

// ResourceReconciled implements Observer.
func (m MultiObserver) ResourceReconciled(ctx context.Context, phase string, result ReconcileResult) {
	for _, o := range m {
		o.ResourceReconciled(ctx, phase, result)
	}
}

// ErrorCleared implements Observer.
func (m MultiObserver) ErrorCleared(ctx context.Context, phase string) {
	for _, o := range m {
		o.ErrorCleared(ctx, phase)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
