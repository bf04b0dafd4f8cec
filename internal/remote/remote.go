// Package remote runs target commands over SSH, resolving hosts and
// credentials from the operator's OpenSSH configuration.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/schaermu/beam/internal/config"
)

var (
	// ErrHostLookup means no usable host entry or credentials were found
	ErrHostLookup = errors.New("ssh host lookup failed")
	// ErrAuthFailed means the target rejected every offered credential
	ErrAuthFailed = errors.New("ssh authentication failed")
)

// HostError attaches the configured host to a lookup or authentication failure
type HostError struct {
	Host string
	Err  error
}

func (e *HostError) Error() string {
	switch {
	case errors.Is(e.Err, ErrAuthFailed):
		return fmt.Sprintf("failed to authenticate over SSH to run a command on %q: this could be caused by a partial "+
			"definition for %q in your ssh config file (public key authentication is required to run commands on a target): %v",
			e.Host, e.Host, e.Err)
	case errors.Is(e.Err, ErrHostLookup):
		return fmt.Sprintf("couldn't find host matching %q in SSH config file (public key authentication is required "+
			"to run commands on a target): %v", e.Host, e.Err)
	default:
		return fmt.Sprintf("ssh %s: %v", e.Host, e.Err)
	}
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// Executor runs one command per SSH connection
type Executor struct {
	sshConfigPath  string
	knownHostsPath string
	agentSocket    string
	connectTimeout time.Duration
	logger         *slog.Logger
}

// Option configures an Executor
type Option func(*Executor)

// WithSSHConfig overrides the ssh config file, ~/.ssh/config by default
func WithSSHConfig(path string) Option {
	return func(e *Executor) {
		e.sshConfigPath = path
	}
}

// WithKnownHosts overrides the known hosts file, ~/.ssh/known_hosts by default
func WithKnownHosts(path string) Option {
	return func(e *Executor) {
		e.knownHostsPath = path
	}
}

// WithAgentSocket sets the ssh-agent socket; empty disables the agent
func WithAgentSocket(path string) Option {
	return func(e *Executor) {
		e.agentSocket = path
	}
}

// WithConnectTimeout bounds dialing and the SSH handshake
func WithConnectTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.connectTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor using the current user's OpenSSH files
func NewExecutor(opts ...Option) *Executor {
	home, _ := os.UserHomeDir()
	e := &Executor{
		sshConfigPath:  filepath.Join(home, ".ssh", "config"),
		knownHostsPath: filepath.Join(home, ".ssh", "known_hosts"),
		agentSocket:    os.Getenv("SSH_AUTH_SOCK"),
		connectTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes command inside the server webroot. Output is streamed to out
// when it is non-nil and attached to the error otherwise. A non-zero remote
// exit status is reported as *ssh.ExitError.
func (e *Executor) Run(ctx context.Context, server config.Server, command string, out io.Writer) error {
	target, err := e.resolve(server)
	if err != nil {
		return &HostError{Host: server.Host, Err: err}
	}

	defer target.close()

	client, stop, err := e.dial(ctx, target)
	if err != nil {
		return err
	}
	defer stop()
	defer func() {
		_ = client.Close()
	}()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	var captured bytes.Buffer
	if out == nil {
		out = &captured
	}
	session.Stdout = out
	session.Stderr = out

	line := fmt.Sprintf("cd %s && %s", shellquote.Join(server.Webroot), command)
	e.logger.Debug("running target command", "host", target.addr, "user", target.user, "command", line)

	if err := session.Run(line); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("target command %q interrupted: %w", command, ctxErr)
		}
		if captured.Len() > 0 {
			return fmt.Errorf("target command %q failed: %w: %s", command, err, strings.TrimSpace(captured.String()))
		}
		return fmt.Errorf("target command %q failed: %w", command, err)
	}
	return nil
}

// target is a host resolved against the ssh config
type target struct {
	host            string
	addr            string
	user            string
	auth            []ssh.AuthMethod
	hostKeyCallback ssh.HostKeyCallback
	closers         []io.Closer
}

func (t *target) close() {
	for _, c := range t.closers {
		_ = c.Close()
	}
}

// resolve looks the server host up in the ssh config and gathers credentials
func (e *Executor) resolve(server config.Server) (*target, error) {
	f, err := os.Open(e.sshConfigPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostLookup, err)
	}
	defer func() {
		_ = f.Close()
	}()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrHostLookup, e.sshConfigPath, err)
	}
	if !hasHostBlock(cfg, server.Host) {
		return nil, fmt.Errorf("%w: no Host entry in %s", ErrHostLookup, e.sshConfigPath)
	}

	hostname := get(cfg, server.Host, "HostName", server.Host)

	port := server.Port
	if port == 0 {
		p, err := strconv.Atoi(get(cfg, server.Host, "Port", "22"))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid Port: %v", ErrHostLookup, err)
		}
		port = p
	}

	user := server.User
	if user == "" {
		user = get(cfg, server.Host, "User", "")
	}
	if user == "" {
		return nil, fmt.Errorf("%w: no user configured", ErrHostLookup)
	}

	t := &target{
		host: server.Host,
		addr: net.JoinHostPort(hostname, strconv.Itoa(port)),
		user: user,
	}

	if identity := get(cfg, server.Host, "IdentityFile", ""); identity != "" {
		signer, err := loadSigner(expandHome(identity))
		if err != nil {
			e.logger.Warn("skipping identity file", "path", identity, "error", err)
		} else {
			t.auth = append(t.auth, ssh.PublicKeys(signer))
		}
	}
	if e.agentSocket != "" {
		conn, err := net.Dial("unix", e.agentSocket)
		if err != nil {
			e.logger.Warn("ssh agent unavailable", "socket", e.agentSocket, "error", err)
		} else {
			t.auth = append(t.auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			t.closers = append(t.closers, conn)
		}
	}
	if len(t.auth) == 0 {
		t.close()
		return nil, fmt.Errorf("%w: no identity file or ssh agent available", ErrHostLookup)
	}

	if strings.EqualFold(get(cfg, server.Host, "StrictHostKeyChecking", ""), "no") {
		t.hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		cb, err := knownhosts.New(e.knownHostsPath)
		if err != nil {
			t.close()
			return nil, fmt.Errorf("%w: failed to read known hosts: %v", ErrHostLookup, err)
		}
		t.hostKeyCallback = cb
	}

	return t, nil
}

// dial connects and authenticates, classifying authentication failures.
// The returned stop func detaches the connection from ctx; until then a
// cancellation closes it, unblocking the handshake or a running session.
func (e *Executor) dial(ctx context.Context, t *target) (*ssh.Client, func() bool, error) {
	dialer := net.Dialer{Timeout: e.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial %s: %w", t.addr, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	if e.connectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(e.connectTimeout))
	}
	cfg := &ssh.ClientConfig{
		User:            t.user,
		Auth:            t.auth,
		HostKeyCallback: t.hostKeyCallback,
		Timeout:         e.connectTimeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.addr, cfg)
	if err != nil {
		stop()
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, nil, &HostError{Host: t.host, Err: fmt.Errorf("%w: %v", ErrAuthFailed, err)}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, fmt.Errorf("ssh handshake with %s: %w", t.addr, ctxErr)
		}
		return nil, nil, fmt.Errorf("ssh handshake with %s: %w", t.addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), stop, nil
}

// hasHostBlock reports whether a Host block other than a bare wildcard matches alias
func hasHostBlock(cfg *ssh_config.Config, alias string) bool {
	for _, h := range cfg.Hosts {
		if !h.Matches(alias) {
			continue
		}
		for _, p := range h.Patterns {
			if p.String() != "*" {
				return true
			}
		}
	}
	return false
}

func get(cfg *ssh_config.Config, alias, key, fallback string) string {
	v, err := cfg.Get(alias, key)
	if err != nil || v == "" {
		return fallback
	}
	return v
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}
	return signer, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
