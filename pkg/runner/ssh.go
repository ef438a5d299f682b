package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gossh "golang.org/x/crypto/ssh"

	"github.com/openfroyo/phasegate/pkg/engine"
	"github.com/openfroyo/phasegate/pkg/transports/ssh"
)

// SessionFactory opens sessions on a remote host.
type SessionFactory interface {
	NewSession() (*gossh.Session, error)
}

// SSHRunner executes commands on a remote host through its login shell.
type SSHRunner struct {
	// WorkDir is the remote working directory. Empty means the login directory.
	WorkDir string

	// Env is exported for every command.
	Env map[string]string

	sessions SessionFactory
	target   string
	logger   zerolog.Logger
}

// NewSSHRunner creates a runner on an established connection.
func NewSSHRunner(client *ssh.Client, logger zerolog.Logger) *SSHRunner {
	return newSSHRunner(client, client.Config().String(), logger)
}

func newSSHRunner(sessions SessionFactory, target string, logger zerolog.Logger) *SSHRunner {
	return &SSHRunner{
		sessions: sessions,
		target:   target,
		logger:   logger.With().Str("component", "runner").Str("remote", target).Logger(),
	}
}

// Run executes args on the remote host. Session failures yield exit code 127.
// On timeout the remote process is sent SIGKILL and the session closed.
func (r *SSHRunner) Run(ctx context.Context, args []string, timeout time.Duration) engine.CommandResult {
	if len(args) == 0 {
		return engine.CommandResult{ExitCode: ExitCodeNotStarted, Stderr: "command is required"}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	session, err := r.sessions.NewSession()
	if err != nil {
		return engine.CommandResult{
			ExitCode: ExitCodeNotStarted,
			Stderr:   fmt.Sprintf("failed to open SSH session to %s: %v", r.target, err),
			Duration: time.Since(start),
		}
	}
	defer session.Close()

	stdout := &cappedBuffer{limit: maxOutput}
	stderr := &cappedBuffer{limit: maxOutput}
	session.Stdout = stdout
	session.Stderr = stderr

	line := ssh.CommandLine(args, r.Env, r.WorkDir)
	done := make(chan error, 1)
	go func() {
		done <- session.Run(line)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(gossh.SIGKILL)
		_ = session.Close()
		// Closing the session ends Run; wait so the buffers are no longer written to.
		<-done
		runErr = ctx.Err()
	}

	result := engine.CommandResult{Duration: time.Since(start)}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
	} else {
		result.ExitCode = remoteExitCode(runErr)
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	if result.ExitCode == ExitCodeNotStarted && result.Stderr == "" && runErr != nil {
		result.Stderr = fmt.Sprintf("failed to execute remote command: %v", runErr)
	}

	r.logger.Trace().
		Str("command", args[0]).
		Int("exit_code", result.ExitCode).
		Bool("timed_out", result.TimedOut).
		Dur("duration", result.Duration).
		Msg("Remote command finished")

	return result
}

// remoteExitCode maps a session error to an exit code.
func remoteExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *gossh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return ExitCodeNotStarted
}
