package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/phasegate/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var (
		outFile  string
		noStatus bool
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the phase graph in Graphviz DOT format",
		Long: `Print the phase dependency graph in Graphviz DOT format. Phases are grouped
by dependency depth and coloured by their current status.`,
		Example: `  phasegate graph | dot -Tsvg > phases.svg
  phasegate graph --out phases.dot --no-status`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{engine: !noStatus, dryRun: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			var (
				graph    *engine.PhaseGraph
				statuses map[string]engine.PhaseStatus
			)
			if a.engine != nil {
				graph = a.engine.Graph()
				state := a.engine.GetState()
				statuses = make(map[string]engine.PhaseStatus, len(state.Phases))
				for name, ps := range state.Phases {
					statuses[name] = ps.Status
				}
			} else if graph, err = engine.NewPhaseGraph(a.specs); err != nil {
				return err
			}

			dot := graph.ToDOT(statuses)
			if outFile == "" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), dot)
				return err
			}
			if err := os.WriteFile(outFile, []byte(dot), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", outFile, err)
			}
			a.logger.Info().Str("path", outFile).Msg("Graph written")
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the graph to a file instead of stdout")
	cmd.Flags().BoolVar(&noStatus, "no-status", false, "do not read state; all phases are shown pending")

	return cmd
}
