package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/phasegate/pkg/config"
	"github.com/openfroyo/phasegate/pkg/policy"
)

type validateReport struct {
	Workflow    string                   `json:"workflow"`
	Source      string                   `json:"source"`
	Phases      int                      `json:"phases"`
	Reconcilers int                      `json:"reconcilers"`
	Inputs      []string                 `json:"inputs"`
	Policies    []string                 `json:"policies,omitempty"`
	Errors      []config.ValidationError `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [workflow]",
		Short: "Validate the configuration, workflow and policies",
		Long: `Validate without running anything:
  - the config file (phasegate.yaml) against its schema
  - the workflow against the CUE schema, kind parameter schemas and templates
  - the phase graph (unknown dependencies, cycles)
  - custom policy files, which must compile

The workflow argument overrides --workflow and the config file.`,
		Example: `  # Validate the configured workflow
  phasegate validate

  # Validate a workflow file
  phasegate validate ./workflows/deploy.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) > 0 {
				workflowPath = args[0]
			}

			out := cmd.OutOrStdout()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				var verrs config.ValidationErrors
				if jsonOutput && errors.As(err, &verrs) {
					if werr := writeJSON(out, validateReport{Source: workflowPath, Errors: verrs}); werr != nil {
						return werr
					}
				}
				return err
			}
			defer a.Close(ctx)

			report := validateReport{
				Workflow: a.workflow.Name,
				Source:   a.cfg.Workflow,
				Phases:   len(a.workflow.Phases),
				Inputs:   config.InputKeys(a.inputs),
			}
			if report.Source == "" {
				report.Source = "profile " + a.cfg.Profile
			}
			for _, p := range a.workflow.Phases {
				report.Reconcilers += len(p.Reconcilers)
			}

			loader, err := config.NewWorkflowLoader()
			if err != nil {
				return err
			}
			report.Errors = loader.Validate(a.workflow)

			if a.cfg.Policy.Enabled {
				guard, err := policy.NewEngine(a.logger)
				if err != nil {
					return err
				}
				if len(a.cfg.Policy.Paths) > 0 {
					if err := guard.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
						report.Errors = append(report.Errors, config.ValidationError{Path: "policy.paths", Message: err.Error()})
					}
				}
				for _, p := range guard.ListPolicies() {
					report.Policies = append(report.Policies, p.Name)
				}
			}

			if jsonOutput {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				for _, e := range report.Errors {
					fmt.Fprintf(out, "✗ %s\n", e.String())
				}
				if len(report.Errors) == 0 {
					fmt.Fprintf(out, "✓ Workflow %s (%s) is valid: %d phases, %d reconcilers\n",
						report.Workflow, report.Source, report.Phases, report.Reconcilers)
					fmt.Fprintf(out, "  inputs: %v\n", report.Inputs)
					if len(report.Policies) > 0 {
						fmt.Fprintf(out, "  policies: %v\n", report.Policies)
					}
				}
			}

			if len(report.Errors) > 0 {
				return config.ValidationErrors(report.Errors)
			}
			return nil
		},
	}

	return cmd
}
