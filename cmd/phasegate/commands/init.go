package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/phasegate/pkg/config"
	"github.com/openfroyo/phasegate/pkg/profiles/gcp"
	"github.com/openfroyo/phasegate/pkg/stores"
)

const defaultConfigTemplate = `# phasegate configuration

# Built-in workflow. Set workflow: to a YAML/CUE file or directory instead.
profile: gcp
%s
# Caller inputs; --input key=value overrides them.
inputs:
%s
state:
  backend: %s
  path: %s

runner:
  defaultTimeout: 30s

verify:
  max_attempts: 6
  initial_interval: 2s
  multiplier: 2
  max_interval: 30s

policy:
  enabled: true
  deniedRoles: [roles/owner, roles/editor]

telemetry:
  logging:
    level: info
    format: console
  metrics:
    enabled: true
    textfile_path: ""
`

func newInitCommand() *cobra.Command {
	var (
		backend      string
		force        bool
		emitWorkflow string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a phasegate.yaml in the current directory",
		Long: `Create a configuration file for the built-in gcp profile and the state
directory. Inputs given with --input are written to the file.

With --emit-workflow the profile is also written as a workflow file that can
be edited and referenced from workflow:.`,
		Example: `  # Initialize with inputs
  phasegate init --input project=my-project --input repo=acme/web

  # Keep state and history in SQLite
  phasegate init --backend sqlite

  # Start from an editable copy of the profile
  phasegate init --emit-workflow workflow.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			path := configPath
			if path == "" {
				path = config.DefaultConfigFile
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			inputs, err := config.ParseInputs(inputFlags)
			if err != nil {
				return err
			}

			state := statePath
			if state == "" {
				state = ".phasegate/state.json"
				if backend == config.BackendSQLite {
					state = ".phasegate/state.db"
				}
			}

			log.Info().Str("config", path).Str("backend", backend).Str("state", state).Msg("Initializing workspace")

			workflowLine := ""
			if emitWorkflow != "" {
				if err := writeWorkflow(emitWorkflow, force); err != nil {
					return err
				}
				workflowLine = fmt.Sprintf("workflow: %s\n", emitWorkflow)
				fmt.Fprintf(out, "✓ Wrote workflow: %s\n", emitWorkflow)
			}

			content := fmt.Sprintf(defaultConfigTemplate, workflowLine, renderInputs(inputs), backend, state)

			// Never write a file that phasegate itself would reject.
			if err := config.DecodeAppConfig([]byte(content), config.DefaultAppConfig()); err != nil {
				return fmt.Errorf("generated config is invalid: %w", err)
			}

			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(out, "✓ Created config file: %s\n", path)

			if err := initState(ctx, backend, state); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Prepared %s state: %s\n", backend, state)

			fmt.Fprintf(out, "\nNext steps:\n")
			if err := gcp.CheckInputs(gcp.Workflow(gcp.DefaultOptions()).MergeInputs(inputs)); err != nil && emitWorkflow == "" {
				fmt.Fprintf(out, "  1. Fix inputs: %v\n", err)
			} else {
				fmt.Fprintf(out, "  1. Review %s\n", path)
			}
			fmt.Fprintf(out, "  2. Preview:    phasegate plan\n")
			fmt.Fprintf(out, "  3. Provision:  phasegate run-all\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&backend, "backend", config.BackendFile, "state backend (file, sqlite)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	cmd.Flags().StringVar(&emitWorkflow, "emit-workflow", "", "also write the gcp profile as an editable workflow file")

	return cmd
}

func renderInputs(inputs map[string]string) string {
	if len(inputs) == 0 {
		return "  # project: my-project\n  # repo: owner/name\n"
	}
	data, err := yaml.Marshal(inputs)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	return "  " + strings.Join(lines, "\n  ") + "\n"
}

func writeWorkflow(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	data, err := yaml.Marshal(gcp.Workflow(gcp.DefaultOptions()))
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}
	header := []byte("# Generated from the built-in gcp profile.\n")
	return os.WriteFile(path, append(header, data...), 0o644)
}

func initState(ctx context.Context, backend, path string) error {
	switch backend {
	case config.BackendFile:
		return ensureDir(path)
	case config.BackendSQLite:
		if err := ensureDir(path); err != nil {
			return err
		}
		store, err := stores.OpenSQLiteStore(ctx, stores.Config{Path: path})
		if err != nil {
			return err
		}
		return store.Close()
	default:
		return errors.New("init supports the file and sqlite backends; configure sftp by hand")
	}
}
