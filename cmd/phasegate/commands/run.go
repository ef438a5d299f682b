package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/phasegate/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run <phase>",
		Short: "Run one phase",
		Long: `Run the reconcilers of one phase in declaration order.

Every dependency must be complete; otherwise nothing runs and the command
exits with code 2. A complete phase is skipped. When a reconciler fails the
phase is marked failed, the error is persisted with guidance and the command
exits with code 1.`,
		Example: `  # Verify local sessions
  phasegate run auth --input project=my-project --input repo=acme/web

  # Show the commands infra would run without executing them
  phasegate run infra --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{engine: true, requireInputs: true, dryRun: dryRun})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			name := args[0]
			a.logger.Info().Str("phase", name).Str("run_id", a.runID).Bool("dry_run", dryRun).Msg("Running phase")
			a.audit(ctx, "phase.run", name)

			state, err := a.engine.RunPhase(ctx, name)
			return a.finish(cmd, name, state, err)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record commands instead of executing them; state is not saved")

	return cmd
}

func newRunAllCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run every pending phase in order",
		Long: `Run all phases in dependency order, skipping complete phases and stopping
at the first failure. Re-running after a failure resumes at the failed phase.`,
		Example: `  phasegate run-all --input project=my-project --input repo=acme/web`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{engine: true, requireInputs: true, dryRun: dryRun})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			a.logger.Info().Str("run_id", a.runID).Bool("dry_run", dryRun).Msg("Running all phases")
			a.audit(ctx, "phase.run_all", a.workflow.Name)

			start := time.Now()
			a.published("run_started", a.tel.Events.PublishRunStarted(a.runID, "run_all"))
			state, err := a.engine.RunAll(ctx)
			switch {
			case err != nil:
				a.published("run_failed", a.tel.Events.PublishRunFailed(a.runID, err.Error()))
			case state.Error != nil:
				a.published("run_failed", a.tel.Events.PublishRunFailed(a.runID, state.Error.Message))
			default:
				a.published("run_completed", a.tel.Events.PublishRunCompleted(a.runID, time.Since(start)))
			}
			return a.finish(cmd, "", state, err)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "record commands instead of executing them; state is not saved")

	return cmd
}

// finish prints the outcome of a run and turns a failed phase into an error.
// When phase is set, only a failure of that phase fails the command.
func (a *app) finish(cmd *cobra.Command, phase string, state *engine.ProvisioningState, runErr error) error {
	out := cmd.OutOrStdout()

	if runErr != nil {
		if engine.IsPreconditionNotMet(runErr) && !jsonOutput {
			fmt.Fprintf(out, "Cannot run yet: %v\n", runErr)
		}
		return runErr
	}

	if a.dryRun != nil && !jsonOutput {
		fmt.Fprintln(out, "Commands (dry run):")
		for _, c := range a.dryRun.Commands() {
			fmt.Fprintf(out, "  %s\n", strings.Join(c, " "))
		}
		fmt.Fprintln(out)
	}

	report := buildReport(a.workflow.Name, a.engine.Graph(), state, true)
	if jsonOutput {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}

	if state.Error != nil && (phase == "" || state.Error.Phase == phase) {
		return fmt.Errorf("%w: %w", errPhaseFailed, state.Error.Err())
	}
	return nil
}
