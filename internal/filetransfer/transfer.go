// Package filetransfer copies files to and from a running session over SFTP.
package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"

	nodessh "github.com/gpu-rental/rentalctl/internal/ssh"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

// ErrSessionNotRunning is returned for sessions that carry no SSH credentials
var ErrSessionNotRunning = errors.New("session has no SSH access")

// Transfer handles file transfers for one session
type Transfer struct {
	creds          models.SSHCredentials
	connectTimeout time.Duration
}

// Option configures a Transfer instance
type Option func(*Transfer)

// WithConnectTimeout sets the connection timeout
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transfer) {
		t.connectTimeout = d
	}
}

// New creates a Transfer with the session's credentials
func New(creds models.SSHCredentials, opts ...Option) *Transfer {
	t := &Transfer{
		creds:          creds,
		connectTimeout: nodessh.DefaultConnectTimeout,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// ForSession creates a Transfer for a running session
func ForSession(session models.RentalSession, opts ...Option) (*Transfer, error) {
	if session.State != models.StateRunning || session.SSH == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotRunning, session.ID, session.State)
	}
	return New(*session.SSH, opts...), nil
}

// Upload copies a local file to the session and returns the bytes written
func (t *Transfer) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	if localPath == "" {
		return 0, fmt.Errorf("local path cannot be empty")
	}
	if remotePath == "" {
		return 0, fmt.Errorf("remote path cannot be empty")
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat local file: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("local path is a directory, not a file")
	}

	var written int64
	err = t.withClient(ctx, func(client *sftp.Client) error {
		localFile, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("failed to open local file: %w", err)
		}
		defer localFile.Close()

		// remote paths are always slash-separated
		if dir := path.Dir(remotePath); dir != "." && dir != "/" {
			_ = client.MkdirAll(dir)
		}

		remoteFile, err := client.Create(remotePath)
		if err != nil {
			return fmt.Errorf("failed to create remote file: %w", err)
		}
		defer remoteFile.Close()

		written, err = copyContext(ctx, remoteFile, localFile)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		return nil
	})
	return written, err
}

// Download copies a remote file to the local filesystem. A partial local
// file is removed on failure.
func (t *Transfer) Download(ctx context.Context, remotePath, localPath string) (int64, error) {
	if remotePath == "" {
		return 0, fmt.Errorf("remote path cannot be empty")
	}
	if localPath == "" {
		return 0, fmt.Errorf("local path cannot be empty")
	}

	var written int64
	err := t.withClient(ctx, func(client *sftp.Client) error {
		remoteFile, err := client.Open(remotePath)
		if err != nil {
			return fmt.Errorf("failed to open remote file: %w", err)
		}
		defer remoteFile.Close()

		if dir := filepath.Dir(localPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create local directory: %w", err)
			}
		}

		localFile, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("failed to create local file: %w", err)
		}

		written, err = copyContext(ctx, localFile, remoteFile)
		localFile.Close()
		if err != nil {
			os.Remove(localPath)
			return fmt.Errorf("download: %w", err)
		}
		return nil
	})
	return written, err
}

// ListRemoteDir lists files in a remote directory
func (t *Transfer) ListRemoteDir(ctx context.Context, remotePath string) ([]os.FileInfo, error) {
	if remotePath == "" {
		return nil, fmt.Errorf("remote path cannot be empty")
	}

	var files []os.FileInfo
	err := t.withClient(ctx, func(client *sftp.Client) error {
		var err error
		files, err = client.ReadDir(remotePath)
		if err != nil {
			return fmt.Errorf("failed to read remote directory: %w", err)
		}
		return nil
	})
	return files, err
}

// RemoteFileExists checks if a file exists on the session
func (t *Transfer) RemoteFileExists(ctx context.Context, remotePath string) (bool, error) {
	if remotePath == "" {
		return false, fmt.Errorf("remote path cannot be empty")
	}

	exists := false
	err := t.withClient(ctx, func(client *sftp.Client) error {
		_, err := client.Stat(remotePath)
		switch {
		case err == nil:
			exists = true
		case errors.Is(err, os.ErrNotExist):
		default:
			return fmt.Errorf("failed to stat remote file: %w", err)
		}
		return nil
	})
	return exists, err
}

func (t *Transfer) withClient(ctx context.Context, fn func(*sftp.Client) error) error {
	conn, err := nodessh.Dial(ctx, t.creds, t.connectTimeout, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer client.Close()

	return fn(client)
}

// copyContext copies until EOF or until ctx is done
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := io.Copy(dst, src)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-ctx.Done():
		return 0, fmt.Errorf("cancelled: %w", ctx.Err())
	}
}
