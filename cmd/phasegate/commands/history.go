package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/phasegate/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		phase  string
		runID  string
		level  string
		limit  int
		audits bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show phase event history",
		Long: `Show the append-only history of phase transitions, reconcile outcomes and
error clears, newest first. With --audit the operator audit log (run, reset,
clear-error) is shown instead.

History is kept by the sqlite state backend only.`,
		Example: `  phasegate history --state .phasegate/state.db
  phasegate history --phase infra --level error
  phasegate history --audit --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{engine: true, dryRun: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if a.history == nil {
				return fmt.Errorf("history requires the sqlite state backend, got %s", a.cfg.State.Backend)
			}

			out := cmd.OutOrStdout()
			if audits {
				entries, err := a.history.ListAuditEntries(ctx, nil, nil, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, entries)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tACTOR\tACTION\tTARGET")
				for _, e := range entries {
					target := ""
					if e.Target != nil {
						target = *e.Target
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Actor, e.Action, target)
				}
				return tw.Flush()
			}

			events, err := a.history.ListEvents(ctx, stores.EventFilter{
				Phase: phase,
				RunID: runID,
				Level: stores.EventLevel(level),
				Limit: limit,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, events)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tRUN\tPHASE\tEVENT\tLEVEL\tMESSAGE")
			for _, e := range events {
				run := e.RunID
				if len(run) > 8 {
					run = run[:8]
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), run, e.Phase, e.Type, e.Level, truncate(e.Message, 80))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&phase, "phase", "", "only events of this phase")
	cmd.Flags().StringVar(&runID, "run-id", "", "only events of this run")
	cmd.Flags().StringVar(&level, "level", "", "only events of this level (info, warning, error)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries")
	cmd.Flags().BoolVar(&audits, "audit", false, "show the operator audit log")

	return cmd
}
