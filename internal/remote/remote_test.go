package remote

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/schaermu/beam/internal/config"
)

// testServer is a minimal in-process SSH server that executes nothing and
// echoes the received command line back.
type testServer struct {
	addr    string
	hostKey ssh.Signer

	mu       sync.Mutex
	commands []string
}

func (s *testServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func newSigner(t *testing.T) (ssh.Signer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer, priv
}

func startServer(t *testing.T, authorized ssh.PublicKey) *testServer {
	t.Helper()

	hostKey, _ := newSigner(t)
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ln.Close()
	})

	srv := &testServer{addr: ln.Addr().String(), hostKey: hostKey}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handle(conn, cfg)
		}
	}()
	return srv
}

func (s *testServer) handle(conn net.Conn, cfg *ssh.ServerConfig) {
	defer func() {
		_ = conn.Close()
	}()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go s.session(ch, requests)
	}
}

func (s *testServer) session(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer func() {
		_ = ch.Close()
	}()
	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		if strings.HasSuffix(payload.Command, "hang") {
			_, _ = io.Copy(io.Discard, ch)
			return
		}

		status := uint32(0)
		if strings.HasSuffix(payload.Command, "fail") {
			status = 3
			_, _ = fmt.Fprint(ch.Stderr(), "migration failed")
		} else {
			_, _ = fmt.Fprintf(ch, "ran: %s", payload.Command)
		}
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

type fixture struct {
	server   *testServer
	dir      string
	executor *Executor
}

// newFixture writes an ssh config with a "web" host pointing at an in-process
// server and a matching known_hosts file.
func newFixture(t *testing.T, extra string) *fixture {
	t.Helper()

	clientSigner, clientKey := newSigner(t)
	srv := startServer(t, clientSigner.PublicKey())

	dir := t.TempDir()
	block, err := ssh.MarshalPrivateKey(clientKey, "")
	require.NoError(t, err)
	keyPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600))

	host, port, err := net.SplitHostPort(srv.addr)
	require.NoError(t, err)

	sshConfig := fmt.Sprintf("Host web\n  HostName %s\n  Port %s\n  User deploy\n  IdentityFile %s\n%s", host, port, keyPath, extra)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), []byte(sshConfig), 0600))

	line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, srv.hostKey.PublicKey())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "known_hosts"), []byte(line+"\n"), 0600))

	return &fixture{
		server: srv,
		dir:    dir,
		executor: NewExecutor(
			WithSSHConfig(filepath.Join(dir, "config")),
			WithKnownHosts(filepath.Join(dir, "known_hosts")),
			WithAgentSocket(""),
			WithConnectTimeout(5*time.Second),
		),
	}
}

func webServer() config.Server {
	return config.Server{ID: "live", Host: "web", Webroot: "/var/www/site"}
}

func TestRun_Success(t *testing.T) {
	f := newFixture(t, "")

	var out bytes.Buffer
	err := f.executor.Run(context.Background(), webServer(), "./bin/migrate", &out)
	require.NoError(t, err)

	assert.Equal(t, []string{"cd /var/www/site && ./bin/migrate"}, f.server.received())
	assert.Equal(t, "ran: cd /var/www/site && ./bin/migrate", out.String())
}

func TestRun_QuotesWebroot(t *testing.T) {
	f := newFixture(t, "")
	server := webServer()
	server.Webroot = "/var/www/it's a $site"

	require.NoError(t, f.executor.Run(context.Background(), server, "ls", io.Discard))
	received := f.server.received()
	require.Len(t, received, 1)

	words, err := shellquote.Split(received[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"cd", "/var/www/it's a $site", "&&", "ls"}, words)
}

func TestRun_ExitStatus(t *testing.T) {
	f := newFixture(t, "")

	err := f.executor.Run(context.Background(), webServer(), "fail", nil)
	require.Error(t, err)

	var exitErr *ssh.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitStatus())
	assert.Contains(t, err.Error(), "migration failed")
	assert.NotErrorIs(t, err, ErrAuthFailed)
}

func TestRun_AuthFailure(t *testing.T) {
	f := newFixture(t, "")

	// Replace the identity with a key the server does not accept
	_, otherKey := newSigner(t)
	block, err := ssh.MarshalPrivateKey(otherKey, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "id_ed25519"), pem.EncodeToMemory(block), 0600))

	err = f.executor.Run(context.Background(), webServer(), "ls", nil)
	require.ErrorIs(t, err, ErrAuthFailed)

	var hostErr *HostError
	require.ErrorAs(t, err, &hostErr)
	assert.Equal(t, "web", hostErr.Host)
	assert.Contains(t, err.Error(), "public key authentication is required")
	assert.Empty(t, f.server.received())
}

func TestRun_MissingHostEntry(t *testing.T) {
	f := newFixture(t, "Host *\n  ServerAliveInterval 30\n")
	server := webServer()
	server.Host = "unknown.example.com"

	err := f.executor.Run(context.Background(), server, "ls", nil)
	require.ErrorIs(t, err, ErrHostLookup)
	assert.Contains(t, err.Error(), `couldn't find host matching "unknown.example.com"`)
}

func TestRun_MissingConfigFile(t *testing.T) {
	e := NewExecutor(WithSSHConfig(filepath.Join(t.TempDir(), "nope")), WithAgentSocket(""))
	err := e.Run(context.Background(), webServer(), "ls", nil)
	require.ErrorIs(t, err, ErrHostLookup)
}

func TestRun_UnknownHostKey(t *testing.T) {
	f := newFixture(t, "")

	other, _ := newSigner(t)
	line := knownhosts.Line([]string{knownhosts.Normalize(f.server.addr)}, other.PublicKey())
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "known_hosts"), []byte(line+"\n"), 0600))

	err := f.executor.Run(context.Background(), webServer(), "ls", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthFailed)
	assert.NotErrorIs(t, err, ErrHostLookup)
	assert.Empty(t, f.server.received())
}

func TestRun_StrictHostKeyCheckingDisabled(t *testing.T) {
	f := newFixture(t, "  StrictHostKeyChecking no\n")
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "known_hosts"), nil, 0600))

	require.NoError(t, f.executor.Run(context.Background(), webServer(), "ls", io.Discard))
}

func TestRun_ContextCancel(t *testing.T) {
	f := newFixture(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(f.server.received()) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	err := f.executor.Run(ctx, webServer(), "hang", nil)
	require.ErrorIs(t, err, context.Canceled)
}
