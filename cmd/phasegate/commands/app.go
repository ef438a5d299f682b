package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/phasegate/pkg/config"
	"github.com/openfroyo/phasegate/pkg/engine"
	"github.com/openfroyo/phasegate/pkg/policy"
	"github.com/openfroyo/phasegate/pkg/profiles/gcp"
	"github.com/openfroyo/phasegate/pkg/runner"
	"github.com/openfroyo/phasegate/pkg/stores"
	"github.com/openfroyo/phasegate/pkg/telemetry"
	"github.com/openfroyo/phasegate/pkg/transports/ssh"
)

// sshPasswordEnv holds the password for password authentication; it is
// never read from the config file.
const sshPasswordEnv = "PHASEGATE_SSH_PASSWORD"

// newLocalRunner builds the runner for local execution. Tests replace it.
var newLocalRunner = func(cfg config.RunnerConfig, logger zerolog.Logger) engine.CommandRunner {
	r := runner.NewLocalRunner(logger)
	r.WorkDir = cfg.WorkDir
	r.Env = cfg.Env
	return r
}

// appOptions selects which parts of the application a command needs.
type appOptions struct {
	// engine builds the state store, runner and engine.
	engine bool

	// requireInputs checks the profile's required inputs.
	requireInputs bool

	// dryRun forces the recording runner.
	dryRun bool
}

// app is the wired application for one command invocation.
type app struct {
	cfg      *config.AppConfig
	workflow *config.Workflow
	specs    []engine.PhaseSpec
	inputs   map[string]string
	runID    string

	tel    *telemetry.Telemetry
	logger zerolog.Logger

	remote  *ssh.Client
	store   stores.Store
	history stores.HistoryStore
	dryRun  *runner.DryRunRunner
	guard   *policy.Engine
	engine  *engine.Engine
}

// newApp loads configuration and the workflow and, when asked, wires the
// engine with its store, runner, guard and observers.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		runID:  uuid.New().String(),
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}

	if err := a.loadWorkflow(opts.requireInputs); err != nil {
		a.Close(ctx)
		return nil, err
	}

	if !opts.engine {
		return a, nil
	}

	if err := a.wire(ctx, opts.dryRun || cfg.Runner.DryRun); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// loadConfig reads the config file and applies global flag overrides.
func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.LoadAppConfig(configPath)
	if err != nil {
		return nil, err
	}

	if statePath != "" {
		cfg.State.Path = statePath
		switch strings.ToLower(filepath.Ext(statePath)) {
		case ".db", ".sqlite", ".sqlite3":
			cfg.State.Backend = config.BackendSQLite
		case ".json":
			if cfg.State.Backend == config.BackendSQLite {
				cfg.State.Backend = config.BackendFile
			}
		}
	}
	if workflowPath != "" {
		cfg.Workflow = workflowPath
	}
	if remoteTarget != "" {
		cfg.Remote.Target = remoteTarget
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.State.Backend == config.BackendSFTP && cfg.Remote.Target == "" {
		return nil, fmt.Errorf("state backend sftp requires remote.target or --remote")
	}
	return cfg, nil
}

func (a *app) loadWorkflow(requireInputs bool) error {
	flagInputs, err := config.ParseInputs(inputFlags)
	if err != nil {
		return err
	}

	if a.cfg.Workflow != "" {
		loader, err := config.NewWorkflowLoader()
		if err != nil {
			return err
		}
		if a.workflow, err = loader.Load(a.cfg.Workflow); err != nil {
			return err
		}
	} else {
		a.workflow = gcp.Workflow(gcp.DefaultOptions())
	}

	a.inputs = a.workflow.MergeInputs(a.cfg.Inputs, flagInputs)
	if requireInputs && a.cfg.Workflow == "" {
		if err := gcp.CheckInputs(a.inputs); err != nil {
			return err
		}
	}

	a.specs, err = a.workflow.PhaseSpecs()
	return err
}

func (a *app) wire(ctx context.Context, dryRun bool) error {
	if a.cfg.Remote.Target != "" {
		if err := a.dial(ctx); err != nil {
			return err
		}
	}

	if err := a.openStore(ctx); err != nil {
		return err
	}

	var cmdRunner engine.CommandRunner
	switch {
	case dryRun:
		a.dryRun = runner.NewDryRunRunner(a.logger)
		cmdRunner = a.dryRun
	case a.remote != nil:
		r := runner.NewSSHRunner(a.remote, a.logger)
		r.WorkDir = a.cfg.Runner.WorkDir
		r.Env = a.cfg.Runner.Env
		cmdRunner = r
	default:
		cmdRunner = newLocalRunner(a.cfg.Runner, a.logger)
	}
	cmdRunner = telemetry.InstrumentRunner(cmdRunner, a.tel)

	var store engine.StateStore = a.store
	observers := engine.MultiObserver{telemetry.NewObserver(a.tel, a.runID)}
	switch {
	case dryRun:
		store = readOnlyStore{a.store}
	case a.history != nil:
		observers = append(observers, stores.NewHistoryRecorder(a.history, a.runID, a.logger))
	}

	engineOpts := []engine.Option{
		engine.WithStore(store),
		engine.WithInputs(a.inputs),
		engine.WithLogger(a.logger.With().Str("run_id", a.runID).Logger()),
		engine.WithObserver(observers),
		engine.WithReconcilerOptions(
			engine.WithVerifyPolicy(a.cfg.Verify),
			engine.WithDefaultTimeout(a.cfg.Runner.DefaultTimeout),
		),
	}

	if a.cfg.Policy.Enabled {
		var policyOpts []policy.Option
		if len(a.cfg.Policy.DeniedRoles) > 0 {
			policyOpts = append(policyOpts, policy.WithDeniedRoles(a.cfg.Policy.DeniedRoles...))
		}
		guard, err := policy.NewEngine(a.logger, policyOpts...)
		if err != nil {
			return err
		}
		if len(a.cfg.Policy.Paths) > 0 {
			if err := guard.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
				return err
			}
		}
		a.guard = guard
		engineOpts = append(engineOpts, engine.WithGuard(guard))
	}

	eng, err := engine.New(ctx, a.specs, cmdRunner, engineOpts...)
	if err != nil {
		return err
	}
	a.engine = eng
	return nil
}

func (a *app) dial(ctx context.Context) error {
	rc := a.cfg.Remote
	sshCfg, err := ssh.ParseTarget(rc.Target)
	if err != nil {
		return err
	}
	if rc.AuthMethod != "" {
		sshCfg.AuthMethod = ssh.AuthMethod(rc.AuthMethod)
	}
	sshCfg.Password = os.Getenv(sshPasswordEnv)
	if rc.KeyPath != "" {
		sshCfg.PrivateKeyPath = rc.KeyPath
		if rc.AuthMethod == "" {
			sshCfg.AuthMethod = ssh.AuthMethodKey
		}
	}
	if rc.KnownHosts != "" {
		sshCfg.KnownHostsPath = rc.KnownHosts
	}
	if rc.Insecure {
		sshCfg.StrictHostKeyChecking = false
	}
	if rc.ConnectTimeout > 0 {
		sshCfg.ConnectionTimeout = rc.ConnectTimeout
	}
	sshCfg.KeepAliveInterval = rc.KeepAlive

	client, err := ssh.Dial(ctx, sshCfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", rc.Target, err)
	}
	a.remote = client
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	path := a.cfg.State.Path

	switch a.cfg.State.Backend {
	case config.BackendSQLite:
		if err := ensureDir(path); err != nil {
			return err
		}
		store, err := stores.OpenSQLiteStore(ctx, stores.Config{Path: path})
		if err != nil {
			return err
		}
		a.store = store
		a.history = store

	case config.BackendSFTP:
		if a.remote == nil {
			return fmt.Errorf("state backend sftp requires a remote target")
		}
		store, err := stores.NewSFTPStore(a.remote, path, a.logger)
		if err != nil {
			return err
		}
		a.store = store

	default:
		store, err := stores.NewFileStore(path, a.logger)
		if err != nil {
			return err
		}
		a.store = store
	}
	return nil
}

// readOnlyStore starts from the stored state and discards saves, so a dry
// run never marks phases complete.
type readOnlyStore struct {
	engine.StateStore
}

func (readOnlyStore) Save(context.Context, *engine.ProvisioningState) error {
	return nil
}

// audit records an operator action when the backend keeps an audit log.
func (a *app) audit(ctx context.Context, action, target string) {
	if a.history == nil || a.dryRun != nil {
		return
	}
	details := fmt.Sprintf(`{"run_id":%q}`, a.runID)
	entry := &stores.AuditEntry{
		Action:  action,
		Actor:   actor(),
		Target:  &target,
		Details: &details,
	}
	if err := a.history.CreateAuditEntry(ctx, entry); err != nil {
		a.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

// published logs a run event the publisher rejected.
func (a *app) published(event string, err error) {
	if err != nil {
		a.logger.Debug().Err(err).Str("event", event).Msg("Failed to publish run event")
	}
}

// Close releases the store, the SSH connection and telemetry.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.remote != nil {
		errs = append(errs, a.remote.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(context.WithoutCancel(ctx)))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
}

func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func ensureDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return nil
}
