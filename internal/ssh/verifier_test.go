package ssh

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpu-rental/rentalctl/internal/ssh/sshtest"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

func TestNewVerifier(t *testing.T) {
	v := NewVerifier()

	assert.Equal(t, DefaultVerifyTimeout, v.verifyTimeout)
	assert.Equal(t, DefaultCheckInterval, v.checkInterval)
	assert.Equal(t, DefaultConnectTimeout, v.connectTimeout)

	v = NewVerifier(
		WithVerifyTimeout(time.Minute),
		WithCheckInterval(5*time.Second),
		WithConnectTimeout(10*time.Second),
	)
	assert.Equal(t, time.Minute, v.verifyTimeout)
	assert.Equal(t, 5*time.Second, v.checkInterval)
	assert.Equal(t, 10*time.Second, v.connectTimeout)
}

func TestValidateCredentials(t *testing.T) {
	valid := models.SSHCredentials{Host: "10.0.0.5", Port: 22, Username: "renter", Password: "s3cret"}

	tests := []struct {
		name    string
		mutate  func(*models.SSHCredentials)
		wantErr string
	}{
		{"valid", func(*models.SSHCredentials) {}, ""},
		{"empty host", func(c *models.SSHCredentials) { c.Host = "" }, "host cannot be empty"},
		{"zero port", func(c *models.SSHCredentials) { c.Port = 0 }, "port must be between 1 and 65535"},
		{"port too high", func(c *models.SSHCredentials) { c.Port = 70000 }, "port must be between 1 and 65535"},
		{"empty username", func(c *models.SSHCredentials) { c.Username = "" }, "username cannot be empty"},
		{"empty password", func(c *models.SSHCredentials) { c.Password = "" }, "password cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := valid
			tt.mutate(&creds)
			err := ValidateCredentials(creds)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestVerify_Success(t *testing.T) {
	server := sshtest.NewServer(t, "renter", "s3cret")
	v := NewVerifier(WithConnectTimeout(2 * time.Second))

	result, err := v.Verify(context.Background(), server.Credentials())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, []string{VerifyCommand}, server.Commands())
}

func TestVerify_WrongPasswordNotRetried(t *testing.T) {
	server := sshtest.NewServer(t, "renter", "s3cret")
	creds := server.Credentials()
	creds.Password = "wrong"

	v := NewVerifier(WithVerifyTimeout(5*time.Second), WithCheckInterval(10*time.Millisecond))
	result, err := v.Verify(context.Background(), creds)

	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, server.Commands())
}

func TestVerify_UnexpectedOutput(t *testing.T) {
	server := sshtest.NewServer(t, "renter", "s3cret")
	server.Handle(VerifyCommand, sshtest.Reply{Stdout: "motd banner\n"})

	err := NewVerifier().VerifyOnce(context.Background(), server.Credentials())
	assert.ErrorContains(t, err, "unexpected verify output")
}

func TestVerify_TimesOutOnClosedPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	v := NewVerifier(
		WithVerifyTimeout(50*time.Millisecond),
		WithCheckInterval(10*time.Millisecond),
		WithConnectTimeout(20*time.Millisecond),
	)
	result, err := v.Verify(context.Background(), models.SSHCredentials{
		Host: "127.0.0.1", Port: port, Username: "renter", Password: "s3cret",
	})

	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Greater(t, result.Attempts, 1)
	assert.NotEmpty(t, result.LastError)
}

func TestVerify_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := NewVerifier()
	_, err := v.Verify(ctx, models.SSHCredentials{Host: "127.0.0.1", Port: 1, Username: "u", Password: "p"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunCommand(t *testing.T) {
	server := sshtest.NewServer(t, "renter", "s3cret")
	server.Handle("hostname", sshtest.Reply{Stdout: "node-7\n"})
	server.Handle("false", sshtest.Reply{Stderr: "nope", Status: 1})

	out, err := RunCommand(context.Background(), server.Credentials(), "hostname")
	require.NoError(t, err)
	assert.Equal(t, "node-7", out)

	_, err = RunCommand(context.Background(), server.Credentials(), "false")
	assert.ErrorContains(t, err, "nope")
}
