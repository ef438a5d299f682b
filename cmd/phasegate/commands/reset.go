package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/phasegate/pkg/engine"
)

func newResetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <phase>",
		Short: "Reset a phase and everything that depends on it",
		Long: `Return a phase and every phase that transitively depends on it to pending.
Their results and produced values are discarded. Nothing is deleted from the
provider; the next run finds existing resources through the exists checks.`,
		Example: `  # Re-run infra and secrets after changing roles
  phasegate reset infra`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{engine: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			name := args[0]
			affected := append([]string{name}, a.engine.Graph().Dependents(name)...)
			state, err := a.engine.Reset(ctx, name)
			if err != nil {
				return err
			}
			a.audit(ctx, "phase.reset", name)

			return a.printReset(cmd, affected, state)
		},
	}

	return cmd
}

func newResetAllCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-all",
		Short: "Reset every phase to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{engine: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			state, err := a.engine.ResetAll(ctx)
			if err != nil {
				return err
			}
			a.audit(ctx, "phase.reset_all", a.workflow.Name)

			return a.printReset(cmd, a.engine.Graph().Order(), state)
		},
	}

	return cmd
}

func newClearErrorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-error",
		Short: "Clear the recorded error",
		Long: `Clear the persisted error after fixing its cause. Phase statuses are not
changed; a failed phase stays failed until it is run again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{engine: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			previous := a.engine.GetState().Error
			state, err := a.engine.ClearError(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if previous == nil {
				if jsonOutput {
					return writeJSON(out, map[string]interface{}{"cleared": false})
				}
				fmt.Fprintln(out, "No error recorded")
				return nil
			}
			a.audit(ctx, "error.clear", previous.Phase)

			if jsonOutput {
				return writeJSON(out, map[string]interface{}{"cleared": true, "error": previous, "state": state})
			}
			fmt.Fprintf(out, "✓ Cleared error of phase %s (%s)\n", previous.Phase, previous.Code)
			return nil
		},
	}

	return cmd
}

func (a *app) printReset(cmd *cobra.Command, affected []string, state *engine.ProvisioningState) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, map[string]interface{}{"reset": affected, "state": state})
	}
	for _, name := range affected {
		fmt.Fprintf(out, "✓ Reset %s to %s\n", name, statusOf(state, name))
	}
	return nil
}
