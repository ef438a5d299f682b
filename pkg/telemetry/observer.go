package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// Observer feeds engine notifications into metrics, events, the active
// span and the log.
type Observer struct {
	tel    *Telemetry
	runID  string
	logger *Logger

	mu      sync.Mutex
	started map[string]time.Time
}

// NewObserver creates an engine.Observer bound to one run.
func NewObserver(tel *Telemetry, runID string) *Observer {
	return &Observer{
		tel:     tel,
		runID:   runID,
		logger:  tel.Logger.NewComponentLogger("observer").WithRunID(runID),
		started: make(map[string]time.Time),
	}
}

// PhaseTransition implements engine.Observer.
func (o *Observer) PhaseTransition(ctx context.Context, phase string, from, to engine.PhaseStatus) {
	switch to {
	case engine.PhaseStatusRunning:
		o.mu.Lock()
		o.started[phase] = time.Now()
		o.mu.Unlock()
		o.tel.Metrics.RecordPhaseStarted(phase)

	case engine.PhaseStatusComplete, engine.PhaseStatusFailed:
		o.mu.Lock()
		start, ok := o.started[phase]
		delete(o.started, phase)
		o.mu.Unlock()
		if ok {
			o.tel.Metrics.RecordPhaseFinished(phase, to, time.Since(start))
		} else {
			o.tel.Metrics.SetPhaseStatus(phase, to)
		}

	default:
		o.tel.Metrics.SetPhaseStatus(phase, to)
	}

	trace.SpanFromContext(ctx).AddEvent("phase.transition", trace.WithAttributes(
		AttrPhase.String(phase),
		AttrPhaseStatus.String(string(to)),
	))

	if err := o.tel.Events.PublishPhaseTransition(o.runID, phase, from, to); err != nil {
		o.logger.WithError(err).Debug("Failed to publish phase event")
	}
}

// ResourceReconciled implements engine.Observer.
func (o *Observer) ResourceReconciled(ctx context.Context, phase string, result engine.ReconcileResult) {
	o.tel.Metrics.RecordReconcile(result)

	AddReconcileEvent(trace.SpanFromContext(ctx),
		string(result.Resource.Kind), result.Resource.Key, string(result.Outcome), result.Code)

	if err := o.tel.Events.PublishResourceReconciled(o.runID, phase, result); err != nil {
		o.logger.WithError(err).Debug("Failed to publish reconcile event")
	}
}

// ErrorCleared implements engine.Observer.
func (o *Observer) ErrorCleared(_ context.Context, phase string) {
	if err := o.tel.Events.PublishErrorCleared(o.runID, phase); err != nil {
		o.logger.WithError(err).Debug("Failed to publish error cleared event")
	}
}

var _ engine.Observer = (*Observer)(nil)
