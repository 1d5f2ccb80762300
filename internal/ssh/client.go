// Package ssh verifies the SSH credentials issued to a running session and
// runs short probe commands on the rented node.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gpu-rental/rentalctl/pkg/models"
)

const (
	// DefaultConnectTimeout is the timeout for establishing one SSH connection
	DefaultConnectTimeout = 30 * time.Second

	// DefaultCommandTimeout bounds a single remote command when ctx has no deadline
	DefaultCommandTimeout = 60 * time.Second
)

// ErrAuthFailed is returned when the node rejects the issued credentials
var ErrAuthFailed = errors.New("ssh authentication failed")

// ValidateCredentials checks that the credentials have all required fields
func ValidateCredentials(c models.SSHCredentials) error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if c.Password == "" {
		return fmt.Errorf("password cannot be empty")
	}
	return nil
}

// ClientConfig builds a password-authenticated client config. Nodes answer
// keyboard-interactive prompts with the same password.
func ClientConfig(c models.SSHCredentials, timeout time.Duration, hostKey ssh.HostKeyCallback) *ssh.ClientConfig {
	if hostKey == nil {
		// session hosts are re-imaged between rentals
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	password := c.Password
	return &ssh.ClientConfig{
		User: c.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}
}

// Dial connects to the node with ctx-aware dialing
func Dial(ctx context.Context, c models.SSHCredentials, timeout time.Duration, hostKey ssh.HostKeyCallback) (*ssh.Client, error) {
	if err := ValidateCredentials(c); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	addr := c.Address()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, ClientConfig(c, timeout, hostKey))
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Run executes cmd on an open client and returns trimmed stdout
func Run(ctx context.Context, client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCommandTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err := <-done:
		if err != nil {
			return strings.TrimSpace(stdout.String()),
				fmt.Errorf("command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}
		return strings.TrimSpace(stdout.String()), nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("command cancelled: %w", ctx.Err())
	}
}

// RunCommand connects with the credentials, runs one command and disconnects
func RunCommand(ctx context.Context, c models.SSHCredentials, cmd string) (string, error) {
	client, err := Dial(ctx, c, DefaultConnectTimeout, nil)
	if err != nil {
		return "", err
	}
	defer client.Close()

	return Run(ctx, client, cmd)
}
