package ssh

import (
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// agentAuth connects to the agent at socket and offers its keys.
func agentAuth(socket string) (ssh.AuthMethod, func() error, error) {
	if socket == "" {
		return nil, nil, fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
	}

	client := agent.NewClient(conn)
	signers, err := client.Signers()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to list agent keys: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("SSH agent holds no keys")
	}

	return ssh.PublicKeysCallback(client.Signers), conn.Close, nil
}
