package runner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// DryRunRunner records commands instead of executing them. Every command
// succeeds and echoes its argv, so presence markers derived from the resource
// key are found and verify polls end on the first attempt.
type DryRunRunner struct {
	mu       sync.Mutex
	commands [][]string
	logger   zerolog.Logger
}

// NewDryRunRunner creates a dry-run runner.
func NewDryRunRunner(logger zerolog.Logger) *DryRunRunner {
	return &DryRunRunner{logger: logger.With().Str("component", "dry-run").Logger()}
}

// Run records args and reports success.
func (r *DryRunRunner) Run(_ context.Context, args []string, _ time.Duration) engine.CommandResult {
	r.mu.Lock()
	r.commands = append(r.commands, append([]string{}, args...))
	r.mu.Unlock()

	line := strings.Join(args, " ")
	r.logger.Info().Str("command", line).Msg("Would run")
	return engine.CommandResult{Stdout: line}
}

// Commands returns the recorded commands in order.
func (r *DryRunRunner) Commands() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]string, len(r.commands))
	for i, c := range r.commands {
		out[i] = append([]string{}, c...)
	}
	return out
}
