package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/phasegate/pkg/engine"
	"github.com/openfroyo/phasegate/pkg/policy"
)

// planReport is the --json form of `phasegate plan`.
type planReport struct {
	Workflow string                    `json:"workflow"`
	Steps    []engine.PlannedReconcile `json:"steps"`
	Findings []policy.PlanFinding      `json:"findings,omitempty"`
	Blocked  bool                      `json:"blocked"`
}

func newPlanCommand() *cobra.Command {
	var (
		pendingOnly bool
		phase       string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Render the commands every reconciler would run",
		Long: `Render each reconciler against the current inputs and produced values
without executing anything. Values that later phases produce are shown as
<name> placeholders and secret values are masked.

When policies are enabled every rendered resource is evaluated and blocking
findings make the command exit with code 1.`,
		Example: `  # Full plan
  phasegate plan --input project=my-project --input repo=acme/web

  # Only phases that still have to run
  phasegate plan --pending`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{engine: true, dryRun: true})
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if phase != "" && !a.engine.Graph().Has(phase) {
				return engine.NewUnknownPhaseError(phase)
			}

			var steps []engine.PlannedReconcile
			for _, step := range a.engine.Plan() {
				if pendingOnly && step.PhaseStatus == engine.PhaseStatusComplete {
					continue
				}
				if phase != "" && step.Phase != phase {
					continue
				}
				steps = append(steps, step)
			}

			report := planReport{Workflow: a.workflow.Name, Steps: steps}
			if a.guard != nil {
				if report.Findings, err = a.guard.EvaluatePlan(ctx, steps); err != nil {
					return err
				}
			}
			for _, f := range report.Findings {
				if !f.Result.Allowed {
					report.Blocked = true
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				printPlan(out, report)
			}

			if report.Blocked {
				return fmt.Errorf("plan is blocked by policy")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "skip phases that are already complete")
	cmd.Flags().StringVar(&phase, "phase", "", "limit the plan to one phase")

	return cmd
}

func printPlan(w io.Writer, r planReport) {
	current := ""
	for _, s := range r.Steps {
		if s.Phase != current {
			current = s.Phase
			fmt.Fprintf(w, "\n%s %s (%s)\n", statusSymbol(s.PhaseStatus), s.Phase, s.PhaseStatus)
		}
		fmt.Fprintf(w, "  %s  %s %s\n", s.Reconciler, s.Resource.Kind, s.Resource.Key)
		if s.Error != "" {
			fmt.Fprintf(w, "      not renderable yet: %s\n", s.Error)
			continue
		}
		for _, c := range []struct {
			label string
			cmd   *engine.PlannedCommand
		}{{"exists", s.Exists}, {"create", s.Create}, {"verify", s.Verify}} {
			if c.cmd == nil {
				continue
			}
			line := c.cmd.String()
			if c.cmd.PresenceMarker != "" {
				line += "  [expects " + c.cmd.PresenceMarker + "]"
			}
			fmt.Fprintf(w, "      %-6s %s\n", c.label, line)
		}
		if len(s.Produces) > 0 {
			fmt.Fprintf(w, "      yields %s\n", strings.Join(s.Produces, ", "))
		}
	}

	if len(r.Findings) == 0 {
		return
	}
	fmt.Fprintln(w, "\nPolicy findings:")
	for _, f := range r.Findings {
		for _, v := range f.Result.Violations {
			fmt.Fprintf(w, "  ✗ %s/%s %s: %s\n", f.Phase, f.Reconciler, v.Policy, v.Message)
		}
		for _, v := range f.Result.Warnings {
			fmt.Fprintf(w, "  ! %s/%s %s: %s\n", f.Phase, f.Reconciler, v.Policy, v.Message)
		}
	}
}
