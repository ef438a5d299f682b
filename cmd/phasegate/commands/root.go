package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/phasegate/pkg/engine"
)

var (
	// Global flags
	configPath   string
	verbose      bool
	jsonOutput   bool
	statePath    string
	workflowPath string
	inputFlags   []string
	remoteTarget string
)

// Exit codes.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitPrecondition = 2
)

// ExitCode maps a command error onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if engine.IsPreconditionNotMet(err) {
		return ExitPrecondition
	}
	return ExitFailure
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "phasegate",
		Short: "Phase-gated infrastructure bootstrap",
		Long: `phasegate converges infrastructure through ordered phases of idempotent
reconcilers. Each reconciler checks whether its resource exists, creates it
when missing and waits until the provider reports it visible.

Progress is persisted after every phase transition, so an interrupted or
failed run resumes where it stopped. The built-in gcp profile sets up keyless
deployment from GitHub Actions to Google Cloud.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file path (default phasegate.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVar(&jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&statePath, "state", "", "state file path (overrides state.path)")
	flags.StringVar(&workflowPath, "workflow", "", "workflow file or CUE directory (overrides the profile)")
	flags.StringArrayVar(&inputFlags, "input", nil, "caller input key=value (repeatable)")
	flags.StringVar(&remoteTarget, "remote", "", "run commands on user@host[:port] over SSH")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRunAllCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newResetAllCommand())
	rootCmd.AddCommand(newClearErrorCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// errPhaseFailed is wrapped by commands whose run ended in a failed phase.
var errPhaseFailed = errors.New("phase failed")
