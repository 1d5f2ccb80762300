package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gpu-rental/rentalctl/pkg/models"
)

const (
	// DefaultVerifyTimeout is how long to keep retrying a freshly provisioned node
	DefaultVerifyTimeout = 2 * time.Minute

	// DefaultCheckInterval is how often to retry the connection
	DefaultCheckInterval = 10 * time.Second

	// VerifyCommand is the command run to verify SSH access
	VerifyCommand = "echo ok"
)

// VerifyResult contains the result of SSH verification
type VerifyResult struct {
	Success   bool
	Duration  time.Duration
	Attempts  int
	LastError string
}

// Verifier checks that issued credentials actually log in
type Verifier struct {
	verifyTimeout  time.Duration
	checkInterval  time.Duration
	connectTimeout time.Duration
	hostKey        ssh.HostKeyCallback
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures the Verifier
type Option func(*Verifier)

// WithVerifyTimeout sets the total verification timeout
func WithVerifyTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		v.verifyTimeout = d
	}
}

// WithCheckInterval sets the interval between connection attempts
func WithCheckInterval(d time.Duration) Option {
	return func(v *Verifier) {
		v.checkInterval = d
	}
}

// WithConnectTimeout sets the timeout for each connection attempt
func WithConnectTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		v.connectTimeout = d
	}
}

// WithHostKeyCallback pins the node host key instead of accepting any
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(v *Verifier) {
		v.hostKey = cb
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// NewVerifier creates a new SSH verifier
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		verifyTimeout:  DefaultVerifyTimeout,
		checkInterval:  DefaultCheckInterval,
		connectTimeout: DefaultConnectTimeout,
		logger:         slog.Default(),
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Verify connects and runs "echo ok", retrying at checkInterval until
// verifyTimeout. Rejected credentials are not retried.
func (v *Verifier) Verify(ctx context.Context, creds models.SSHCredentials) (*VerifyResult, error) {
	if err := ValidateCredentials(creds); err != nil {
		return nil, err
	}

	start := v.now()
	deadline := start.Add(v.verifyTimeout)
	result := &VerifyResult{}

	for {
		result.Attempts++

		err := v.VerifyOnce(ctx, creds)
		result.Duration = v.now().Sub(start)
		if err == nil {
			result.Success = true
			result.LastError = ""
			return result, nil
		}
		result.LastError = err.Error()

		if errors.Is(err, ErrAuthFailed) {
			return result, err
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		wait := v.checkInterval
		left := deadline.Sub(v.now())
		if left <= 0 {
			return result, fmt.Errorf("SSH verification timeout after %d attempts: %w", result.Attempts, err)
		}
		if wait > left {
			wait = left
		}

		v.logger.DebugContext(ctx, "ssh not reachable yet",
			slog.String("addr", creds.Address()),
			slog.Int("attempt", result.Attempts),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err().Error()
			return result, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// VerifyOnce attempts a single connection and verify command
func (v *Verifier) VerifyOnce(ctx context.Context, creds models.SSHCredentials) error {
	client, err := Dial(ctx, creds, v.connectTimeout, v.hostKey)
	if err != nil {
		return err
	}
	defer client.Close()

	out, err := Run(ctx, client, VerifyCommand)
	if err != nil {
		return fmt.Errorf("verify command failed: %w", err)
	}
	if out != "ok" {
		return fmt.Errorf("unexpected verify output: %q", out)
	}
	return nil
}

// Probe logs in and lists the GPUs visible on the node
func (v *Verifier) Probe(ctx context.Context, creds models.SSHCredentials) ([]GPUStatus, error) {
	client, err := Dial(ctx, creds, v.connectTimeout, v.hostKey)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	out, err := Run(ctx, client, NvidiaSMIQuery)
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi failed: %w", err)
	}
	return ParseMultiGPUNvidiaSMI(out)
}
