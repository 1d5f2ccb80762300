// Package sshtest runs an in-process password-authenticated SSH server with
// scripted exec replies and an in-memory SFTP subsystem.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gpu-rental/rentalctl/pkg/models"
)

// Reply is the scripted answer to one exec command
type Reply struct {
	Stdout string
	Stderr string
	Status uint32
}

// Server is a test SSH server bound to a loopback port
type Server struct {
	user     string
	password string
	listener net.Listener
	config   *ssh.ServerConfig
	files    sftp.Handlers

	mu       sync.Mutex
	replies  map[string]Reply
	commands []string
	conns    []net.Conn
	wg       sync.WaitGroup
}

// NewServer starts a server that accepts user/password and closes it with t
func NewServer(t testing.TB, user, password string) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	s := &Server{
		user:     user,
		password: password,
		files:    sftp.InMemHandler(),
		replies: map[string]Reply{
			"echo ok": {Stdout: "ok\n"},
		},
	}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == s.user && string(pass) == s.password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", meta.User())
		},
	}
	s.config.AddHostKey(signer)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Credentials returns credentials that log in to the server
func (s *Server) Credentials() models.SSHCredentials {
	addr := s.listener.Addr().(*net.TCPAddr)
	return models.SSHCredentials{
		Host:     addr.IP.String(),
		Port:     addr.Port,
		Username: s.user,
		Password: s.password,
	}
}

// Handle scripts the reply to cmd
func (s *Server) Handle(cmd string, reply Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[cmd] = reply
}

// Commands returns the exec commands received so far
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops accepting and drops open connections
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only session channels")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.exec(ch, payload.Command)
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			server := sftp.NewRequestServer(ch, s.files)
			server.Serve()
			server.Close()
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) exec(ch ssh.Channel, cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	reply, ok := s.replies[cmd]
	s.mu.Unlock()

	if !ok {
		reply = Reply{Stderr: cmd + ": command not found\n", Status: 127}
	}
	ch.Write([]byte(reply.Stdout))
	ch.Stderr().Write([]byte(reply.Stderr))
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{reply.Status}))
}
