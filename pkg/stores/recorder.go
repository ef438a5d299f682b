package stores

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// HistoryRecorder writes engine notifications to a HistoryStore. Write
// failures are logged and never fail the engine.
type HistoryRecorder struct {
	history HistoryStore
	runID   string
	logger  zerolog.Logger
}

// NewHistoryRecorder creates a recorder tagging every event with runID.
func NewHistoryRecorder(history HistoryStore, runID string, logger zerolog.Logger) *HistoryRecorder {
	return &HistoryRecorder{
		history: history,
		runID:   runID,
		logger:  logger.With().Str("component", "history").Logger(),
	}
}

// PhaseTransition implements engine.Observer.
func (r *HistoryRecorder) PhaseTransition(ctx context.Context, phase string, from, to engine.PhaseStatus) {
	eventType := engine.EventForStatus(to)
	r.append(ctx, &PhaseEvent{
		Phase:   phase,
		Type:    eventType,
		Level:   levelFor(eventType),
		From:    string(from),
		To:      string(to),
		Message: fmt.Sprintf("phase %s: %s -> %s", phase, from, to),
	})
}

// ResourceReconciled implements engine.Observer.
func (r *HistoryRecorder) ResourceReconciled(ctx context.Context, phase string, result engine.ReconcileResult) {
	level := EventLevelInfo
	if result.Failed() {
		level = EventLevelError
	}
	r.append(ctx, &PhaseEvent{
		Phase:    phase,
		Type:     engine.EventTypeResourceReconciled,
		Level:    level,
		Resource: result.Resource.Key,
		Outcome:  string(result.Outcome),
		Code:     result.Code,
		Message:  result.Detail,
	})
}

// ErrorCleared implements engine.Observer.
func (r *HistoryRecorder) ErrorCleared(ctx context.Context, phase string) {
	r.append(ctx, &PhaseEvent{
		Phase:   phase,
		Type:    engine.EventTypeErrorCleared,
		Level:   EventLevelWarning,
		Message: "error state cleared for phase " + phase,
	})
}

func (r *HistoryRecorder) append(ctx context.Context, event *PhaseEvent) {
	event.RunID = r.runID
	// Record history even when the operation itself was cancelled.
	if err := r.history.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Warn().Err(err).Str("phase", event.Phase).Msg("Failed to record phase event")
	}
}

func levelFor(t engine.EventType) EventLevel {
	switch t.Severity() {
	case "error":
		return EventLevelError
	case "warning":
		return EventLevelWarning
	default:
		return EventLevelInfo
	}
}

var _ engine.Observer = (*HistoryRecorder)(nil)
