package engine

import (
	"encoding/json"
	"fmt"
)

// PhaseStatus represents the lifecycle status of a provisioning phase.
type PhaseStatus string

const (
	// PhaseStatusPending indicates the phase has not run since construction or the last reset.
	PhaseStatusPending PhaseStatus = "pending"

	// PhaseStatusRunning indicates the phase is currently executing its reconcilers.
	PhaseStatusRunning PhaseStatus = "running"

	// PhaseStatusComplete indicates every reconciler in the phase succeeded.
	PhaseStatusComplete PhaseStatus = "complete"

	// PhaseStatusFailed indicates a reconciler in the phase failed.
	PhaseStatusFailed PhaseStatus = "failed"
)

// IsTerminal returns true if the phase status represents the end of a run.
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseStatusComplete || s == PhaseStatusFailed
}

// IsRunnable returns true if RunPhase will execute reconcilers for this status.
func (s PhaseStatus) IsRunnable() bool {
	return s == PhaseStatusPending || s == PhaseStatusFailed
}

// Validate checks if the phase status is valid.
func (s PhaseStatus) Validate() error {
	switch s {
	case PhaseStatusPending, PhaseStatusRunning, PhaseStatusComplete, PhaseStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid phase status: %s", s)
	}
}

// Outcome is the result of reconciling a single resource.
type Outcome string

const (
	// OutcomeAlreadyPresent indicates the resource existed, detected either by the
	// exists check or by an idempotency marker in the create output.
	OutcomeAlreadyPresent Outcome = "already_present"

	// OutcomeCreated indicates the create command succeeded (and verify, if any).
	OutcomeCreated Outcome = "created"

	// OutcomeFailed indicates the resource could not be converged.
	OutcomeFailed Outcome = "failed"
)

// IsSuccess returns true if the outcome leaves the resource present.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeAlreadyPresent || o == OutcomeCreated
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeAlreadyPresent, OutcomeCreated, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid reconcile outcome: %s", o)
	}
}

// EventType represents the type of event emitted while the engine works.
type EventType string

const (
	// EventTypePhaseStarted indicates a phase moved to running.
	EventTypePhaseStarted EventType = "phase_started"

	// EventTypePhaseCompleted indicates a phase completed successfully.
	EventTypePhaseCompleted EventType = "phase_completed"

	// EventTypePhaseFailed indicates a phase failed.
	EventTypePhaseFailed EventType = "phase_failed"

	// EventTypePhaseReset indicates a phase was returned to pending.
	EventTypePhaseReset EventType = "phase_reset"

	// EventTypeResourceReconciled indicates a reconciler produced a result.
	EventTypeResourceReconciled EventType = "resource_reconciled"

	// EventTypeErrorCleared indicates the operator cleared the error state.
	EventTypeErrorCleared EventType = "error_cleared"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypePhaseFailed:
		return "error"
	case EventTypePhaseReset:
		return "warning"
	default:
		return "info"
	}
}

// EventForStatus returns the event emitted when a phase enters status.
func EventForStatus(s PhaseStatus) EventType {
	switch s {
	case PhaseStatusRunning:
		return EventTypePhaseStarted
	case PhaseStatusComplete:
		return EventTypePhaseCompleted
	case PhaseStatusFailed:
		return EventTypePhaseFailed
	default:
		return EventTypePhaseReset
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PhaseStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PhaseStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PhaseStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = Outcome(str)
	return o.Validate()
}
