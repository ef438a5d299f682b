// Package ssh runs provisioning commands and stores state on a remote host.
package ssh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a single SSH connection shared by the runner and the SFTP store.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.Mutex
	client      *ssh.Client
	proxy       *ssh.Client
	closers     []func() error
	sftp        *sftp.Client
	connectedAt time.Time
	done        chan struct{}
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "sftp")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Dial validates config and connects, through the jump host when one is set.
func Dial(ctx context.Context, config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
		done:   make(chan struct{}),
	}

	var err error
	if config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx)
	} else {
		err = c.connectDirect(ctx)
	}
	if err != nil {
		c.release()
		return nil, err
	}

	c.connectedAt = time.Now()
	if config.KeepAliveInterval > 0 {
		go c.keepAlive(c.client)
	}

	c.logger.Info().Str("address", config.Address()).Bool("proxy", config.IsProxyEnabled()).Msg("SSH connection established")
	return c, nil
}

func (c *Client) clientConfig(cfg *Config) (*ssh.ClientConfig, error) {
	clientConfig, closer, err := cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	c.closers = append(c.closers, closer)
	return clientConfig, nil
}

// dial opens a TCP connection honouring ctx and performs the SSH handshake.
func (c *Client) dial(ctx context.Context, address string, clientConfig *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: true}
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(ncc, chans, reqs), nil
}

func (c *Client) connectDirect(ctx context.Context) error {
	clientConfig, err := c.clientConfig(c.config)
	if err != nil {
		return err
	}

	c.logger.Debug().Str("address", c.config.Address()).Msg("Establishing SSH connection")
	client, err := c.dial(ctx, c.config.Address(), clientConfig)
	if err != nil {
		return err
	}
	c.client = client
	return nil
}

func (c *Client) connectViaProxy(ctx context.Context) error {
	proxyConfig := c.config.proxyConfig()
	proxyClientConfig, err := c.clientConfig(proxyConfig)
	if err != nil {
		return err
	}

	c.logger.Debug().Str("proxy", proxyConfig.Address()).Msg("Connecting to jump host")
	proxy, err := c.dial(ctx, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return err
	}
	c.proxy = proxy

	targetConfig, err := c.clientConfig(c.config)
	if err != nil {
		return err
	}

	address := c.config.Address()
	conn, err := proxy.Dial("tcp", address)
	if err != nil {
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, targetConfig)
	if err != nil {
		_ = conn.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsAuthError: true}
	}
	c.client = ssh.NewClient(ncc, chans, reqs)
	return nil
}

// keepAlive sends periodic keep-alive requests until the client is closed or
// too many requests fail in a row.
func (c *Client) keepAlive(client *ssh.Client) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
	}
}

// Config returns the connection configuration.
func (c *Client) Config() *Config {
	return c.config
}

// ConnectedAt returns when the connection was established.
func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

// NewSession opens a session on the shared connection.
func (c *Client) NewSession() (*ssh.Session, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	return session, nil
}

// SFTP returns the lazily opened SFTP client of the connection.
func (c *Client) SFTP() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("not connected")}
	}
	if c.sftp == nil {
		client, err := sftp.NewClient(c.client)
		if err != nil {
			return nil, &TransportError{Op: "sftp", Err: err, IsTemporary: true}
		}
		c.sftp = client
	}
	return c.sftp, nil
}

// Close closes the SFTP client, the connection and the jump host connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	close(c.done)
	c.logger.Debug().Msg("Closing SSH connection")

	var firstErr error
	if c.sftp != nil {
		firstErr = c.sftp.Close()
		c.sftp = nil
	}
	if err := c.client.Close(); err != nil && firstErr == nil {
		firstErr = &TransportError{Op: "disconnect", Err: err}
	}
	c.client = nil
	c.release()
	return firstErr
}

// release closes the jump host and agent connections.
func (c *Client) release() {
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	for _, closer := range c.closers {
		_ = closer()
	}
	c.closers = nil
}
