// Package shell runs operator commands on the local machine.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// DefaultTimeout bounds a single local command
const DefaultTimeout = 300 * time.Second

// Runner executes a shell command line in a working directory
type Runner interface {
	// Run executes command with sh -c in dir, streaming output to out
	Run(ctx context.Context, dir, command string, out io.Writer) error
}

// Client implements Runner by shelling out to /bin/sh
type Client struct {
	shell   string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithTimeout overrides the per-command timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithShell overrides the shell binary
func WithShell(path string) Option {
	return func(c *Client) {
		c.shell = path
	}
}

// WithLogger sets the logger used for command tracing
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new local shell client
func NewClient(opts ...Option) *Client {
	c := &Client{
		shell:   "/bin/sh",
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes command in dir. Output goes to out when non-nil; otherwise it
// is captured and attached to the returned error on failure.
func (c *Client) Run(ctx context.Context, dir, command string, out io.Writer) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.logger.Debug("running local command", "dir", dir, "command", command)

	cmd := exec.CommandContext(ctx, c.shell, "-c", command)
	cmd.Dir = dir
	// Background children may hold the output pipe open after a kill
	cmd.WaitDelay = time.Second

	if out == nil {
		output, err := cmd.CombinedOutput()
		if err != nil {
			return c.wrap(ctx, command, err, output)
		}
		return nil
	}

	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return c.wrap(ctx, command, err, nil)
	}
	return nil
}

func (c *Client) wrap(ctx context.Context, command string, err error, output []byte) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("command %q timed out after %s: %w", command, c.timeout, ctx.Err())
	}
	if len(output) > 0 {
		return fmt.Errorf("command %q failed: %w: %s", command, err, string(output))
	}
	return fmt.Errorf("command %q failed: %w", command, err)
}

// ExitCode extracts the exit status of a failed command, or -1 when err does
// not carry one.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
