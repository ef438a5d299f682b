// Package runner provides engine.CommandRunner implementations.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// ExitCodeNotStarted is reported when a command could not be started.
const ExitCodeNotStarted = 127

// maxOutput caps captured stdout and stderr.
const maxOutput = 1 << 20

// LocalRunner executes commands on the local host without a shell.
type LocalRunner struct {
	// WorkDir is the working directory of every command. Empty means the
	// current directory.
	WorkDir string

	// Env is added to the inherited environment.
	Env map[string]string

	logger zerolog.Logger
}

// NewLocalRunner creates a local runner.
func NewLocalRunner(logger zerolog.Logger) *LocalRunner {
	return &LocalRunner{logger: logger.With().Str("component", "runner").Logger()}
}

// Run executes args[0] with args[1:]. It never returns an error: start
// failures yield exit code 127 and timeouts yield TimedOut with exit code -1.
func (r *LocalRunner) Run(ctx context.Context, args []string, timeout time.Duration) engine.CommandResult {
	if len(args) == 0 {
		return engine.CommandResult{ExitCode: ExitCodeNotStarted, Stderr: "command is required"}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.WorkDir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(r.Env)...)
	}
	// Bound the wait for pipes held open by orphaned children.
	cmd.WaitDelay = time.Second

	stdout := &cappedBuffer{limit: maxOutput}
	stderr := &cappedBuffer{limit: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	result := engine.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
	case err == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = ExitCodeNotStarted
			if result.Stderr == "" {
				result.Stderr = fmt.Sprintf("failed to execute command: %v", err)
			}
		}
	}

	r.logger.Trace().
		Str("command", args[0]).
		Int("exit_code", result.ExitCode).
		Bool("timed_out", result.TimedOut).
		Dur("duration", result.Duration).
		Msg("Local command finished")

	return result
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

// cappedBuffer keeps the first limit bytes written to it and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
