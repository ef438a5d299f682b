package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds SSH connection configuration for the bastion host that runs
// provisioning commands.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `yaml:"host" validate:"required"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// User is the SSH username
	User string `yaml:"user" validate:"required"`

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod `yaml:"auth" validate:"oneof=password key agent"`

	// Password for password-based authentication
	Password string `yaml:"-"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `yaml:"privateKey"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `yaml:"-"`

	// AgentSocket overrides SSH_AUTH_SOCK for agent authentication
	AgentSocket string `yaml:"agentSocket"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `yaml:"knownHosts"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	StrictHostKeyChecking bool `yaml:"strictHostKeyChecking"`

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration `yaml:"connectTimeout"`

	// KeepAliveInterval is the interval for sending keep-alive messages.
	// Set to 0 to disable keep-alive.
	KeepAliveInterval time.Duration `yaml:"keepAlive"`

	// MaxKeepAliveRetries is the number of failed keep-alives tolerated
	MaxKeepAliveRetries int `yaml:"keepAliveRetries"`

	// ProxyHost is the hostname of a jump host (optional)
	ProxyHost string `yaml:"proxyHost"`

	// ProxyPort is the port of the jump host
	ProxyPort int `yaml:"proxyPort"`

	// ProxyUser is the username for the jump host
	ProxyUser string `yaml:"proxyUser"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodAgent,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		KeepAliveInterval:     0,
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

// ParseTarget builds a default Config from "user@host" or "user@host:port".
// The user defaults to $USER.
func ParseTarget(target string) (*Config, error) {
	user := os.Getenv("USER")
	hostPort := target
	if i := strings.LastIndex(target, "@"); i >= 0 {
		user = target[:i]
		hostPort = target[i+1:]
	}

	host, port := hostPort, 22
	if h, p, err := net.SplitHostPort(hostPort); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q: %w", target, err)
		}
		host, port = h, n
	}

	if host == "" {
		return nil, fmt.Errorf("invalid remote target %q: host is required", target)
	}

	cfg := DefaultConfig(host, user)
	cfg.Port = port
	return cfg, nil
}

// Validate checks if the configuration is valid. For key authentication
// without a key path, the first default key found under ~/.ssh is selected.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			homeDir := os.Getenv("HOME")
			for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
				keyPath := filepath.Join(homeDir, ".ssh", name)
				if _, err := os.Stat(keyPath); err == nil {
					c.PrivateKeyPath = keyPath
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if c.agentSocket() == "" {
			return fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

func (c *Config) agentSocket() string {
	if c.AgentSocket != "" {
		return c.AgentSocket
	}
	return os.Getenv("SSH_AUTH_SOCK")
}

// authMethods returns the ssh.AuthMethod list for the configured method. The
// returned closer releases the agent connection, if any.
func (c *Config) authMethods() ([]ssh.AuthMethod, func() error, error) {
	noop := func() error { return nil }

	switch c.AuthMethod {
	case AuthMethodPassword:
		return []ssh.AuthMethod{
			ssh.Password(c.Password),
			// Many servers only prompt through keyboard-interactive.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			}),
		}, noop, nil

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case AuthMethodAgent:
		method, closer, err := agentAuth(c.agentSocket())
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{method}, closer, nil
	}

	return nil, nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}

// hostKeyCallback verifies against known_hosts when strict checking is on.
func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath == "" || !c.StrictHostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return callback, nil
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config. The
// returned closer must be called once the connection is closed.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, func() error, error) {
	auth, closer, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		_ = closer()
		return nil, nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, closer, nil
}

// proxyConfig returns the jump host configuration. It shares the target's
// credentials and host key policy.
func (c *Config) proxyConfig() *Config {
	proxy := *c
	proxy.Host = c.ProxyHost
	proxy.Port = c.ProxyPort
	proxy.User = c.ProxyUser
	proxy.ProxyHost = ""
	return &proxy
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}

// String returns user@host:port.
func (c *Config) String() string {
	return fmt.Sprintf("%s@%s", c.User, c.Address())
}
