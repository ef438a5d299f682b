package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/phasegate/pkg/engine"
	"github.com/openfroyo/phasegate/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		watch    bool
		detailed bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show phase status and progress",
		Long: `Show the status of every phase in execution order, the overall progress,
values produced so far and the last error with guidance.

With --watch the file state backend is watched and the report is printed
again every time another phasegate process saves state.`,
		Example: `  # Show status
  phasegate status

  # Include per-reconciler results
  phasegate status --detail

  # Follow a run started in another terminal
  phasegate status --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{engine: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			graph := a.engine.Graph()
			show := func(state *engine.ProvisioningState) error {
				report := buildReport(a.workflow.Name, graph, state, detailed)
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				printReport(cmd.OutOrStdout(), report)
				return nil
			}

			if err := show(a.engine.GetState()); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			fs, ok := a.store.(*stores.FileStore)
			if !ok {
				return fmt.Errorf("--watch requires the file state backend, got %s", a.cfg.State.Backend)
			}
			a.logger.Info().Str("path", fs.Path()).Msg("Watching state, press Ctrl-C to stop")
			return fs.Watch(ctx, 200*time.Millisecond, func(state *engine.ProvisioningState) {
				state.ProducedValues = producedValues(graph, state)
				fmt.Fprintln(cmd.OutOrStdout())
				if err := show(state); err != nil {
					a.logger.Warn().Err(err).Msg("Failed to print status")
				}
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "print status again whenever the state file changes")
	cmd.Flags().BoolVar(&detailed, "detail", false, "include per-reconciler results")

	return cmd
}

// producedValues unions produced values of complete phases in execution order.
func producedValues(graph *engine.PhaseGraph, state *engine.ProvisioningState) map[string]string {
	values := map[string]string{}
	for _, name := range graph.Order() {
		ps, ok := state.Phases[name]
		if !ok || ps.Status != engine.PhaseStatusComplete {
			continue
		}
		for k, v := range ps.ProducedValues {
			values[k] = v
		}
	}
	return values
}
