package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/phasegate/pkg/engine"
	"github.com/openfroyo/phasegate/pkg/telemetry"
)

// DefaultConfigFile is read when --config is not given.
const DefaultConfigFile = "phasegate.yaml"

// State backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendSFTP   = "sftp"
)

// AppConfig is the application configuration file.
type AppConfig struct {
	// Workflow is a workflow file or CUE package directory. Empty selects
	// the built-in Profile.
	Workflow string `yaml:"workflow"`

	// Profile names a built-in workflow used when Workflow is empty.
	Profile string `yaml:"profile" validate:"omitempty,oneof=gcp"`

	// Inputs are caller inputs. --input flags override them.
	Inputs map[string]string `yaml:"inputs"`

	State     StateConfig         `yaml:"state"`
	Remote    RemoteConfig        `yaml:"remote"`
	Runner    RunnerConfig        `yaml:"runner"`
	Verify    engine.VerifyPolicy `yaml:"verify"`
	Policy    PolicyConfig        `yaml:"policy"`
	Telemetry telemetry.Config    `yaml:"telemetry"`
}

// StateConfig selects where the provisioning state lives.
type StateConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=file sqlite sftp"`

	// Path is a local file for file and sqlite, a remote path for sftp.
	Path string `yaml:"path" validate:"required"`
}

// RemoteConfig runs commands on a bastion host over SSH.
type RemoteConfig struct {
	// Target is user@host[:port]. Empty runs commands locally.
	Target     string `yaml:"target"`
	AuthMethod string `yaml:"auth" validate:"omitempty,oneof=password key agent"`
	KeyPath    string `yaml:"privateKey"`
	KnownHosts string `yaml:"knownHosts"`

	// Insecure accepts any host key.
	Insecure bool `yaml:"insecure"`

	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	KeepAlive      time.Duration `yaml:"keepAlive"`
}

// RunnerConfig tunes command execution.
type RunnerConfig struct {
	DefaultTimeout time.Duration     `yaml:"defaultTimeout"`
	WorkDir        string            `yaml:"workDir"`
	Env            map[string]string `yaml:"env"`
	DryRun         bool              `yaml:"dryRun"`
}

// PolicyConfig enables the pre-execution guard.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths are additional .rego files or directories.
	Paths []string `yaml:"paths"`

	// DeniedRoles replaces the built-in list of roles that may not be granted.
	DeniedRoles []string `yaml:"deniedRoles"`
}

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	tel := telemetry.DefaultConfig()
	tel.Metrics.ListenAddress = ""

	return &AppConfig{
		Profile: "gcp",
		Inputs:  map[string]string{},
		State: StateConfig{
			Backend: BackendFile,
			Path:    ".phasegate/state.json",
		},
		Runner: RunnerConfig{
			DefaultTimeout: 30 * time.Second,
		},
		Verify: engine.DefaultVerifyPolicy(),
		Policy: PolicyConfig{
			Enabled: true,
		},
		Telemetry: *tel,
	}
}

// LoadAppConfig reads path over the defaults. A missing file is not an error
// when path is the default file name.
func LoadAppConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if path == "" {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultConfigFile {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := DecodeAppConfig(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DecodeAppConfig decodes YAML onto cfg and validates the result. Unknown
// keys are rejected.
func DecodeAppConfig(data []byte, cfg *AppConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return cfg.Validate()
}

// Validate checks field rules and the nested verify and telemetry settings.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Workflow == "" && c.Profile == "" {
		return fmt.Errorf("either workflow or profile is required")
	}
	if c.Runner.DefaultTimeout < 0 {
		return fmt.Errorf("runner default timeout must not be negative")
	}
	if err := c.Verify.Validate(); err != nil {
		return err
	}
	return c.Telemetry.Validate()
}
