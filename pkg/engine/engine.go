package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine orchestrates phases in dependency order. It exclusively owns the
// ProvisioningState; every public operation is serialised and every phase
// transition is persisted before the call returns.
type Engine struct {
	mu sync.Mutex

	graph  *PhaseGraph
	phases map[string]*compiledPhase
	state  *ProvisioningState

	inputs     map[string]string
	store      StateStore
	reconciler *Reconciler
	guard      Guard
	observer   Observer
	logger     zerolog.Logger
	tracer     trace.Tracer

	reconcilerOpts []ReconcilerOption
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the state store. Without one, state lives only in memory.
func WithStore(s StateStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithInputs sets the caller-supplied values visible to templates as .Values.
func WithInputs(inputs map[string]string) Option {
	return func(e *Engine) { e.inputs = copyStrings(inputs) }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l.With().Str("component", "engine").Logger() }
}

// WithObserver sets the observer notified of transitions and results.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithGuard sets the guard that vets rendered resources.
func WithGuard(g Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithReconcilerOptions configures the reconciler the engine builds.
func WithReconcilerOptions(opts ...ReconcilerOption) Option {
	return func(e *Engine) { e.reconcilerOpts = append(e.reconcilerOpts, opts...) }
}

// New validates the phase declarations, compiles every reconciler spec and
// loads the persisted state. Phases found Running in the stored state were
// interrupted by a crash and are marked Failed.
func New(ctx context.Context, specs []PhaseSpec, runner CommandRunner, opts ...Option) (*Engine, error) {
	if runner == nil {
		return nil, NewPermanentError("command runner is required", nil).WithCode(ErrCodeValidation)
	}

	graph, err := NewPhaseGraph(specs)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		graph:    graph,
		phases:   make(map[string]*compiledPhase, len(specs)),
		inputs:   map[string]string{},
		observer: nopObserver{},
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.reconciler = NewReconciler(runner, append([]ReconcilerOption{WithReconcilerLogger(e.logger)}, e.reconcilerOpts...)...)
	if err := e.reconciler.verify.Validate(); err != nil {
		return nil, NewPermanentError("invalid verify policy", err).WithCode(ErrCodeValidation)
	}

	for _, spec := range specs {
		cp, err := compilePhase(spec)
		if err != nil {
			return nil, err
		}
		e.phases[spec.Name] = cp
	}

	if err := e.load(ctx); err != nil {
		return nil, err
	}

	return e, nil
}

// load reads the stored state and aligns it with the static topology.
func (e *Engine) load(ctx context.Context) error {
	fresh := NewProvisioningState(e.graph.Names())
	if e.store == nil {
		e.state = fresh
		e.refreshProduced()
		return nil
	}

	stored, err := e.store.Load(ctx)
	if err != nil {
		return NewTransientError("failed to load provisioning state", err).WithCode(ErrCodeStatePersistence)
	}
	if stored == nil {
		e.state = fresh
		e.refreshProduced()
		return nil
	}

	changed := false
	for name, ps := range stored.Phases {
		if !e.graph.Has(name) {
			e.logger.Warn().Str("phase", name).Msg("Dropping stored phase that is not part of the workflow")
			changed = true
			continue
		}
		if ps == nil {
			continue
		}
		if ps.Results == nil {
			ps.Results = []ReconcileResult{}
		}
		if ps.ProducedValues == nil {
			ps.ProducedValues = map[string]string{}
		}
		fresh.Phases[name] = ps
	}
	fresh.Error = stored.Error
	if fresh.Error != nil && !e.graph.Has(fresh.Error.Phase) {
		fresh.Error = nil
		changed = true
	}

	for _, name := range e.graph.Order() {
		ps := fresh.Phases[name]
		if ps.Status != PhaseStatusRunning {
			continue
		}
		e.logger.Warn().Str("phase", name).Msg("Phase was interrupted while running, marking failed")
		ps.Status = PhaseStatusFailed
		fresh.Error = &ErrorState{
			Phase:     name,
			Message:   "phase was interrupted before it finished",
			Code:      ErrCodeInterrupted,
			RetrySafe: RetrySafe(ErrCodeInterrupted),
			Guidance:  Guidance(ErrCodeInterrupted),
		}
		changed = true
	}

	e.state = fresh
	e.refreshProduced()

	if changed {
		return e.persist(ctx)
	}
	return nil
}

// Graph returns the phase graph.
func (e *Engine) Graph() *PhaseGraph {
	return e.graph
}

// Phases returns the phase declarations in execution order.
func (e *Engine) Phases() []PhaseSpec {
	specs := make([]PhaseSpec, 0, len(e.phases))
	for _, name := range e.graph.Order() {
		specs = append(specs, e.phases[name].spec)
	}
	return specs
}

// GetState returns a read-only snapshot of the provisioning state.
func (e *Engine) GetState() *ProvisioningState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// CanRun reports whether every dependency of the phase is complete, listing
// those that are not.
func (e *Engine) CanRun(name string) (bool, []string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.graph.Has(name) {
		return false, nil, NewUnknownPhaseError(name)
	}
	unmet := e.unmet(name)
	return len(unmet) == 0, unmet, nil
}

// Progress summarises the workflow.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := Progress{Total: len(e.phases)}
	for _, name := range e.graph.Order() {
		switch e.state.Phases[name].Status {
		case PhaseStatusComplete:
			p.Completed++
		case PhaseStatusFailed:
			p.Failed++
			if p.Current == "" {
				p.Current = name
			}
		default:
			if p.Current == "" {
				p.Current = name
			}
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}

// RunPhase runs one phase. It returns a PreconditionNotMet error when a
// dependency is not complete. Reconciler failures are not Go errors: they mark
// the phase Failed and are reported through the returned state's Error.
// Running a Complete phase is a no-op.
func (e *Engine) RunPhase(ctx context.Context, name string) (*ProvisioningState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.runPhase(ctx, name); err != nil {
		return e.state.Clone(), err
	}
	return e.state.Clone(), nil
}

// RunAll runs every phase that is not complete in topological order and
// stops at the first failed phase.
func (e *Engine) RunAll(ctx context.Context) (*ProvisioningState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	runID := uuid.New().String()
	ctx, span := e.tracer.Start(ctx, "run_all", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	logger := e.logger.With().Str("run_id", runID).Logger()
	logger.Info().Int("phases", len(e.phases)).Msg("Running all phases")

	for _, name := range e.graph.Order() {
		if e.state.Phases[name].Status == PhaseStatusComplete {
			continue
		}
		if err := e.runPhase(ctx, name); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return e.state.Clone(), err
		}
		if e.state.Phases[name].Status == PhaseStatusFailed {
			span.SetStatus(codes.Error, "phase "+name+" failed")
			logger.Warn().Str("phase", name).Msg("Stopping run after failed phase")
			return e.state.Clone(), nil
		}
	}

	span.SetStatus(codes.Ok, "")
	logger.Info().Msg("All phases complete")
	return e.state.Clone(), nil
}

func (e *Engine) runPhase(ctx context.Context, name string) error {
	cp, ok := e.phases[name]
	if !ok {
		return NewUnknownPhaseError(name)
	}
	if unmet := e.unmet(name); len(unmet) > 0 {
		e.logger.Warn().Str("phase", name).Strs("unmet", unmet).Msg("Phase precondition not met")
		return NewPreconditionError(name, unmet)
	}

	ps := e.state.Phases[name]
	if ps.Status == PhaseStatusComplete {
		e.logger.Info().Str("phase", name).Msg("Phase already complete, skipping")
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "phase "+name, trace.WithAttributes(attribute.String("phase.name", name)))
	defer span.End()

	logger := e.logger.With().Str("phase", name).Logger()
	logger.Info().Int("reconcilers", len(cp.reconcilers)).Msg("Phase started")

	prev := *ps
	ps.Status = PhaseStatusRunning
	ps.Results = []ReconcileResult{}
	ps.ProducedValues = map[string]string{}
	if err := e.persist(ctx); err != nil {
		*ps = prev
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	e.observer.PhaseTransition(ctx, name, prev.Status, PhaseStatusRunning)

	values := e.values()
	produced := map[string]string{}

	for _, cr := range cp.reconcilers {
		result := e.reconcileOne(ctx, name, cr, values)
		ps.Results = append(ps.Results, result)
		e.observer.ResourceReconciled(ctx, name, result)

		if result.Failed() {
			ps.Status = PhaseStatusFailed
			e.state.Error = &ErrorState{
				Phase:      name,
				Message:    result.Detail,
				Code:       result.Code,
				Reconciler: result.Reconciler,
				RetrySafe:  result.RetrySafe,
				Guidance:   Guidance(result.Code),
			}
			span.SetStatus(codes.Error, result.Code)
			logger.Error().
				Str("reconciler", result.Reconciler).
				Str("code", result.Code).
				Bool("retry_safe", result.RetrySafe).
				Str("detail", result.Detail).
				Msg("Phase failed")

			if err := e.persist(ctx); err != nil {
				return err
			}
			e.observer.PhaseTransition(ctx, name, PhaseStatusRunning, PhaseStatusFailed)
			return nil
		}

		for k, v := range result.Produced {
			produced[k] = v
			values[k] = v
		}
	}

	ps.ProducedValues = produced
	ps.Status = PhaseStatusComplete
	e.state.Error = nil
	e.refreshProduced()
	span.SetStatus(codes.Ok, "")
	logger.Info().Int("produced", len(produced)).Msg("Phase complete")

	if err := e.persist(ctx); err != nil {
		return err
	}
	e.observer.PhaseTransition(ctx, name, PhaseStatusRunning, PhaseStatusComplete)
	return nil
}

// reconcileOne binds, vets and reconciles one spec, then evaluates its
// produced values.
func (e *Engine) reconcileOne(ctx context.Context, phase string, cr *compiledReconciler, values map[string]string) ReconcileResult {
	if ctx.Err() != nil {
		return e.failure(cr, ResourceDescriptor{Kind: cr.spec.Kind}, ErrCodeCancelled, fmt.Sprintf("not started: %v", ctx.Err()))
	}

	req, err := cr.bind(values)
	if err != nil {
		return e.failure(cr, req.Resource, ErrCodeRenderFailed, err.Error())
	}

	if e.guard != nil {
		if err := e.guard.Check(ctx, phase, req.Resource); err != nil {
			if ctx.Err() != nil {
				return e.failure(cr, req.Resource, ErrCodeCancelled, fmt.Sprintf("not started: %v", ctx.Err()))
			}
			return e.failure(cr, req.Resource, ErrCodePolicyDenied, err.Error())
		}
	}

	result := e.reconciler.Reconcile(ctx, req)
	if result.Failed() || len(cr.produces) == 0 {
		return result
	}

	stdout := result.output
	if stdout == "" && cr.producesOutput() && req.Exists != nil {
		if ctx.Err() != nil {
			return e.failure(cr, req.Resource, ErrCodeCancelled, fmt.Sprintf("read-back not started: %v", ctx.Err()))
		}
		// Presence came from an idempotency marker; read the resource back.
		out := e.reconciler.run(ctx, "exists", req.Exists, req.Resource.sensitiveValues())
		stdout = out.Stdout
	}

	vals, err := cr.produce(req, values, stdout)
	if err != nil {
		res := e.failure(cr, req.Resource, ErrCodeRenderFailed, err.Error())
		res.DurationMs = result.DurationMs
		return res
	}
	result.Produced = vals
	return result
}

func (e *Engine) failure(cr *compiledReconciler, desc ResourceDescriptor, code, detail string) ReconcileResult {
	res := failed(code, maskSecrets(detail, desc.sensitiveValues()))
	res.Reconciler = cr.spec.Name
	res.Resource = desc.Masked()
	if res.Resource.Kind == "" {
		res.Resource.Kind = cr.spec.Kind
	}
	res.Produced = map[string]string{}
	return res
}

// Reset returns the phase and every phase that transitively depends on it to
// Pending, clearing their results and produced values.
func (e *Engine) Reset(ctx context.Context, name string) (*ProvisioningState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.graph.Has(name) {
		return e.state.Clone(), NewUnknownPhaseError(name)
	}

	targets := append([]string{name}, e.graph.Dependents(name)...)
	return e.reset(ctx, targets)
}

// ResetAll returns every phase to Pending and clears the error.
func (e *Engine) ResetAll(ctx context.Context) (*ProvisioningState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.reset(ctx, e.graph.Order())
}

func (e *Engine) reset(ctx context.Context, targets []string) (*ProvisioningState, error) {
	previous := make(map[string]PhaseStatus, len(targets))
	for _, target := range targets {
		previous[target] = e.state.Phases[target].Status
		e.state.Phases[target] = newPhaseState()
		if e.state.Error != nil && e.state.Error.Phase == target {
			e.state.Error = nil
		}
	}
	e.refreshProduced()

	e.logger.Info().Strs("phases", targets).Msg("Phases reset")

	if err := e.persist(ctx); err != nil {
		return e.state.Clone(), err
	}
	for _, target := range targets {
		e.observer.PhaseTransition(ctx, target, previous[target], PhaseStatusPending)
	}
	return e.state.Clone(), nil
}

// ClearError clears the recorded error without changing any phase.
func (e *Engine) ClearError(ctx context.Context) (*ProvisioningState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Error == nil {
		return e.state.Clone(), nil
	}
	phase := e.state.Error.Phase
	e.state.Error = nil
	if err := e.persist(ctx); err != nil {
		return e.state.Clone(), err
	}
	e.observer.ErrorCleared(ctx, phase)
	return e.state.Clone(), nil
}

// unmet returns the dependencies of name that are not complete.
func (e *Engine) unmet(name string) []string {
	var unmet []string
	for _, dep := range e.graph.DependsOn(name) {
		if e.state.Phases[dep].Status != PhaseStatusComplete {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// values overlays produced values of complete phases, in execution order, on
// the caller inputs.
func (e *Engine) values() map[string]string {
	values := copyStrings(e.inputs)
	if values == nil {
		values = map[string]string{}
	}
	for _, name := range e.graph.Order() {
		ps := e.state.Phases[name]
		if ps.Status != PhaseStatusComplete {
			continue
		}
		for k, v := range ps.ProducedValues {
			values[k] = v
		}
	}
	return values
}

func (e *Engine) refreshProduced() {
	produced := map[string]string{}
	for _, name := range e.graph.Order() {
		ps := e.state.Phases[name]
		if ps.Status != PhaseStatusComplete {
			continue
		}
		for k, v := range ps.ProducedValues {
			produced[k] = v
		}
	}
	e.state.ProducedValues = produced
}

func (e *Engine) persist(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	start := time.Now()
	if err := e.store.Save(ctx, e.state); err != nil {
		e.logger.Error().Err(err).Msg("Failed to persist provisioning state")
		return NewTransientError("failed to persist provisioning state", err).WithCode(ErrCodeStatePersistence)
	}
	e.logger.Debug().Dur("duration", time.Since(start)).Msg("Provisioning state persisted")
	return nil
}
