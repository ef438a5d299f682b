package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCommandTimeout applies to commands that do not set their own timeout.
const DefaultCommandTimeout = 30 * time.Second

const tracerName = "github.com/openfroyo/phasegate/pkg/engine"

// VerifyPolicy bounds the polling of verify commands after creation.
type VerifyPolicy struct {
	// MaxAttempts is the number of verify polls before a propagation timeout.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialInterval is the delay before the second poll.
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`

	// MaxInterval caps the delay between polls.
	MaxInterval time.Duration `json:"max_interval" yaml:"max_interval"`

	// Multiplier grows the delay after each poll.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// Jitter is the randomization factor applied to each delay (0 disables it).
	Jitter float64 `json:"jitter" yaml:"jitter"`

	// MaxElapsed bounds the total polling time.
	MaxElapsed time.Duration `json:"max_elapsed" yaml:"max_elapsed"`
}

// DefaultVerifyPolicy returns a conservative policy: 6 polls starting at 2s,
// doubling up to 30s, within 5 minutes.
func DefaultVerifyPolicy() VerifyPolicy {
	return VerifyPolicy{
		MaxAttempts:     6,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.1,
		MaxElapsed:      5 * time.Minute,
	}
}

// Validate checks the policy bounds.
func (p VerifyPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("verify max attempts must be at least 1")
	}
	if p.InitialInterval <= 0 || p.MaxInterval < p.InitialInterval {
		return fmt.Errorf("verify intervals must be positive and max interval must not be below initial interval")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("verify multiplier must be at least 1")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("verify jitter must be in [0, 1)")
	}
	if p.MaxElapsed <= 0 {
		return fmt.Errorf("verify max elapsed must be positive")
	}
	return nil
}

func (p VerifyPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	return b
}

// Reconciler converges a single resource to "present" through a CommandRunner.
type Reconciler struct {
	runner         CommandRunner
	verify         VerifyPolicy
	defaultTimeout time.Duration
	logger         zerolog.Logger
	tracer         trace.Tracer
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithVerifyPolicy sets the verify polling bounds.
func WithVerifyPolicy(p VerifyPolicy) ReconcilerOption {
	return func(r *Reconciler) { r.verify = p }
}

// WithDefaultTimeout sets the timeout for commands without their own.
func WithDefaultTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l zerolog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

// NewReconciler creates a reconciler.
func NewReconciler(runner CommandRunner, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		runner:         runner,
		verify:         DefaultVerifyPolicy(),
		defaultTimeout: DefaultCommandTimeout,
		logger:         zerolog.Nop(),
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	errNotVisible       = errors.New("resource not visible yet")
	errVerifyPermission = errors.New("permission denied during verify")
)

// Reconcile runs check -> create -> verify for req. It never returns an error:
// every failure is a Failed result carrying a code.
func (r *Reconciler) Reconcile(ctx context.Context, req ReconcileRequest) ReconcileResult {
	start := time.Now()
	secrets := req.Resource.sensitiveValues()

	ctx, span := r.tracer.Start(ctx, "reconcile "+req.Name,
		trace.WithAttributes(
			attribute.String("resource.kind", string(req.Resource.Kind)),
			attribute.String("resource.key", req.Resource.Key),
		))
	defer span.End()

	result := r.reconcile(ctx, req, secrets)
	result.Reconciler = req.Name
	result.Resource = req.Resource.Masked()
	result.Detail = maskSecrets(result.Detail, secrets)
	result.DurationMs = time.Since(start).Milliseconds()
	if result.Produced == nil {
		result.Produced = map[string]string{}
	}

	span.SetAttributes(attribute.String("reconcile.outcome", string(result.Outcome)))
	if result.Failed() {
		span.SetStatus(codes.Error, result.Code)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	r.logger.Debug().
		Str("reconciler", req.Name).
		Str("kind", string(req.Resource.Kind)).
		Str("key", req.Resource.Key).
		Str("outcome", string(result.Outcome)).
		Str("code", result.Code).
		Int64("duration_ms", result.DurationMs).
		Msg("Resource reconciled")

	return result
}

func (r *Reconciler) reconcile(ctx context.Context, req ReconcileRequest, secrets []string) ReconcileResult {
	kind := req.Resource.Kind

	if req.Exists != nil {
		if res, done := r.cancelled(ctx, "exists"); done {
			return res
		}
		out := r.run(ctx, "exists", req.Exists, secrets)
		if res, done := r.commandFailure(out, "exists"); done {
			return res
		}
		// Successful output is resource data, so only a failed check is classified.
		if out.ExitCode != 0 && Classify(kind, out.Stderr) == SignalPermissionDenied {
			return failed(ErrCodePermissionDenied, out.Output())
		}
		if out.ExitCode == 0 && present(out.Stdout, req.Exists.PresenceMarker) {
			return ReconcileResult{
				Outcome: OutcomeAlreadyPresent,
				Detail:  firstLine(firstNonEmpty(out.Stdout, "exists check passed")),
				output:  out.Stdout,
			}
		}
	}

	if req.Create == nil {
		return failed(ErrCodeNotFound, fmt.Sprintf("%s %s is not present and no create command is configured", kind, req.Resource.Key))
	}

	if res, done := r.cancelled(ctx, "create"); done {
		return res
	}
	out := r.run(ctx, "create", req.Create, secrets)
	if res, done := r.commandFailure(out, "create"); done {
		return res
	}
	if out.ExitCode != 0 {
		switch Classify(kind, out.Stderr+"\n"+out.Stdout, req.IdempotencyMarkers...) {
		case SignalPermissionDenied:
			return failed(ErrCodePermissionDenied, out.Output())
		case SignalAlreadyExists:
			return ReconcileResult{
				Outcome: OutcomeAlreadyPresent,
				Detail:  firstLine(out.Output()),
			}
		default:
			detail := out.Output()
			if detail == "" {
				detail = fmt.Sprintf("create exited with code %d", out.ExitCode)
			}
			return failed(ErrCodeReconcileFailed, detail)
		}
	}

	result := ReconcileResult{
		Outcome: OutcomeCreated,
		Detail:  firstLine(firstNonEmpty(out.Stdout, out.Stderr, "created")),
		output:  out.Stdout,
	}

	if req.Verify != nil {
		attempts, vout, err := r.poll(ctx, req.Verify, secrets, kind)
		result.Attempts = attempts
		switch {
		case err == nil:
			if vout.Stdout != "" {
				result.output = vout.Stdout
			}
		case errors.Is(err, errVerifyPermission):
			res := failed(ErrCodePermissionDenied, vout.Output())
			res.Attempts = attempts
			return res
		case ctx.Err() != nil:
			res := failed(ErrCodeCancelled, fmt.Sprintf("verify cancelled after %d attempts: %v", attempts, ctx.Err()))
			res.Attempts = attempts
			return res
		default:
			detail := fmt.Sprintf("propagation timeout: %s %s not visible after %d verify attempts", kind, req.Resource.Key, attempts)
			if last := firstLine(vout.Output()); last != "" {
				detail += " (last output: " + last + ")"
			}
			res := failed(ErrCodePropagationTimeout, detail)
			res.Attempts = attempts
			return res
		}
	}

	return result
}

// poll runs the verify command with bounded exponential backoff.
func (r *Reconciler) poll(ctx context.Context, cmd *Command, secrets []string, kind ResourceKind) (int, CommandResult, error) {
	attempts := 0
	var last CommandResult

	_, err := backoff.Retry(ctx, func() (CommandResult, error) {
		if err := ctx.Err(); err != nil {
			return last, backoff.Permanent(err)
		}
		attempts++
		last = r.run(ctx, "verify", cmd, secrets)
		if !last.Succeeded() && Classify(kind, last.Stderr) == SignalPermissionDenied {
			return last, backoff.Permanent(errVerifyPermission)
		}
		if last.Succeeded() && present(last.Stdout, cmd.PresenceMarker) {
			return last, nil
		}
		return last, errNotVisible
	},
		backoff.WithBackOff(r.verify.backOff()),
		backoff.WithMaxTries(uint(r.verify.MaxAttempts)),
		backoff.WithMaxElapsedTime(r.verify.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Debug().
				Int("attempt", attempts).
				Dur("next", next).
				Msg("Resource not visible yet, polling again")
		}),
	)
	return attempts, last, err
}

// commandFailure turns a timed out command into a failed result.
func (r *Reconciler) commandFailure(out CommandResult, step string) (ReconcileResult, bool) {
	if out.TimedOut {
		return failed(ErrCodeCommandTimeout, fmt.Sprintf("%s command timed out after %s", step, out.Duration.Round(time.Millisecond))), true
	}
	return ReconcileResult{}, false
}

// cancelled stops the reconcile before the next command once ctx is done.
func (r *Reconciler) cancelled(ctx context.Context, step string) (ReconcileResult, bool) {
	if err := ctx.Err(); err != nil {
		return failed(ErrCodeCancelled, fmt.Sprintf("%s command not started: %v", step, err)), true
	}
	return ReconcileResult{}, false
}

func (r *Reconciler) run(ctx context.Context, step string, cmd *Command, secrets []string) CommandResult {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	ctx, span := r.tracer.Start(ctx, "command "+step,
		trace.WithAttributes(attribute.String("command.name", cmd.Args[0])))
	defer span.End()

	// A started command runs to completion or its own timeout.
	out := r.runner.Run(context.WithoutCancel(ctx), cmd.Args, timeout)

	span.SetAttributes(
		attribute.Int("command.exit_code", out.ExitCode),
		attribute.Bool("command.timed_out", out.TimedOut),
	)

	r.logger.Debug().
		Str("step", step).
		Str("command", maskSecrets(strings.Join(cmd.Args, " "), secrets)).
		Int("exit_code", out.ExitCode).
		Bool("timed_out", out.TimedOut).
		Dur("duration", out.Duration).
		Msg("Command finished")

	return out
}

func present(stdout, marker string) bool {
	if marker == "" {
		return true
	}
	return strings.Contains(stdout, marker)
}

func failed(code, detail string) ReconcileResult {
	return ReconcileResult{
		Outcome:   OutcomeFailed,
		Detail:    strings.TrimSpace(detail),
		Code:      code,
		RetrySafe: RetrySafe(code),
	}
}
