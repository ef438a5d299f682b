package telemetry

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// InstrumentedRunner wraps a CommandRunner with a span and metrics per command.
type InstrumentedRunner struct {
	next engine.CommandRunner
	tel  *Telemetry
}

// InstrumentRunner wraps next.
func InstrumentRunner(next engine.CommandRunner, tel *Telemetry) *InstrumentedRunner {
	return &InstrumentedRunner{next: next, tel: tel}
}

// Run implements engine.CommandRunner.
func (r *InstrumentedRunner) Run(ctx context.Context, args []string, timeout time.Duration) engine.CommandResult {
	executable := "unknown"
	if len(args) > 0 {
		executable = filepath.Base(args[0])
	}

	ctx, span := r.tel.Tracer.StartCommandSpan(ctx, executable)
	defer span.End()

	result := r.next.Run(ctx, args, timeout)

	span.SetAttributes(
		AttrCommandExitCode.Int(result.ExitCode),
		AttrCommandTimedOut.Bool(result.TimedOut),
	)
	// Exists probes exit non-zero routinely.
	if result.TimedOut || result.ExitCode == 127 {
		span.SetStatus(codes.Error, fmt.Sprintf("command %s: %s", executable, CommandResultLabel(result)))
	}

	r.tel.Metrics.RecordCommand(executable, result)
	return result
}

var _ engine.CommandRunner = (*InstrumentedRunner)(nil)
