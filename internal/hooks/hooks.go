// Package hooks selects and runs the operator's command hooks around a
// deployment.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/schaermu/beam/internal/config"
)

// ErrHookFailed matches every *Error
var ErrHookFailed = errors.New("command hook failed")

// Error reports a hook that failed and aborted the run
type Error struct {
	Command config.Command
	Err     error
}

func (e *Error) Error() string {
	if e.Command.Required {
		return fmt.Sprintf("required %s command %q failed: %v", e.Command.Location, e.Command.Command, e.Err)
	}
	return fmt.Sprintf("%s command %q failed: %v", e.Command.Location, e.Command.Command, e.Err)
}

func (e *Error) Is(target error) bool {
	return target == ErrHookFailed
}

func (e *Error) Unwrap() error {
	return e.Err
}

// LocalRunner runs a command on this machine
type LocalRunner interface {
	Run(ctx context.Context, dir, command string, out io.Writer) error
}

// TargetRunner runs a command inside the webroot of a server
type TargetRunner interface {
	Run(ctx context.Context, server config.Server, command string, out io.Writer) error
}

// ApprovalPrompt decides whether an optional hook runs
type ApprovalPrompt interface {
	Approve(ctx context.Context, cmd config.Command) (bool, error)
}

// FailurePrompt decides whether to continue after an optional hook failed
type FailurePrompt interface {
	Continue(ctx context.Context, cmd config.Command, err error) (bool, error)
}

// OutputSink announces hooks and receives their output
type OutputSink interface {
	// Command is called before cmd runs. The returned writer receives its
	// combined output; nil keeps the output for the error message instead.
	// A writer that is also an io.Closer is closed once the command finished.
	Command(cmd config.Command) io.Writer
}

// ApproveAll runs every selected optional hook
type ApproveAll struct{}

// Approve always approves
func (ApproveAll) Approve(context.Context, config.Command) (bool, error) { return true, nil }

// AbortOnFailure stops at the first failed optional hook
type AbortOnFailure struct{}

// Continue always declines
func (AbortOnFailure) Continue(context.Context, config.Command, error) (bool, error) { return false, nil }

// NopOutput discards announcements
type NopOutput struct{}

// Command returns nil
func (NopOutput) Command(config.Command) io.Writer { return nil }

// Scheduler filters the configured hooks for one target and runs them
type Scheduler struct {
	Commands []config.Command
	Server   config.Server
	Tags     []string

	Local    LocalRunner
	Target   TargetRunner
	Approval ApprovalPrompt
	Failure  FailurePrompt
	Output   OutputSink
	Logger   *slog.Logger
}

// Select returns the hooks for phase and location in declaration order.
// Required hooks only need to match phase, location and server. Optional
// hooks must also carry no tag or a tag matched by one of the requested
// tags, and be approved by the approval prompt.
func (s *Scheduler) Select(ctx context.Context, phase config.Phase, location config.Location) ([]config.Command, error) {
	var selected []config.Command
	for _, cmd := range s.Commands {
		if cmd.Phase != phase || cmd.Location != location || !cmd.AppliesTo(s.Server.ID) {
			continue
		}
		if !cmd.Required {
			if cmd.Tag != "" && !MatchTag(s.Tags, cmd.Tag) {
				continue
			}
			ok, err := s.approval().Approve(ctx, cmd)
			if err != nil {
				return nil, fmt.Errorf("failed to confirm command %q: %w", cmd.Command, err)
			}
			if !ok {
				continue
			}
		}
		selected = append(selected, cmd)
	}
	return selected, nil
}

// Run selects and executes the hooks for phase and location. Local hooks run
// in dir. The first failing required hook, or a failing optional hook the
// failure prompt declines to skip, stops the batch.
func (s *Scheduler) Run(ctx context.Context, phase config.Phase, location config.Location, dir string) error {
	commands, err := s.Select(ctx, phase, location)
	if err != nil {
		return err
	}

	for _, cmd := range commands {
		s.logger().Info("running command", "phase", phase, "location", location, "command", cmd.Command, "required", cmd.Required)

		err := s.exec(ctx, cmd, dir)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if cmd.Required {
			return &Error{Command: cmd, Err: err}
		}

		cont, promptErr := s.failure().Continue(ctx, cmd, err)
		if promptErr != nil {
			return fmt.Errorf("failed to confirm continuation: %w", promptErr)
		}
		if !cont {
			return &Error{Command: cmd, Err: err}
		}
		s.logger().Warn("optional command failed, continuing", "command", cmd.Command, "error", err)
	}
	return nil
}

func (s *Scheduler) exec(ctx context.Context, cmd config.Command, dir string) error {
	out := s.output().Command(cmd)
	if c, ok := out.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				s.logger().Warn("failed to flush command output", "command", cmd.Command, "error", err)
			}
		}()
	}
	switch cmd.Location {
	case config.LocationLocal:
		if s.Local == nil {
			return errors.New("no local command runner configured")
		}
		return s.Local.Run(ctx, dir, cmd.Command, out)
	case config.LocationTarget:
		if s.Target == nil {
			return errors.New("no target command runner configured")
		}
		return s.Target.Run(ctx, s.Server, cmd.Command, out)
	default:
		return fmt.Errorf("unknown command location %q", cmd.Location)
	}
}

func (s *Scheduler) approval() ApprovalPrompt {
	if s.Approval == nil {
		return ApproveAll{}
	}
	return s.Approval
}

func (s *Scheduler) failure() FailurePrompt {
	if s.Failure == nil {
		return AbortOnFailure{}
	}
	return s.Failure
}

func (s *Scheduler) output() OutputSink {
	if s.Output == nil {
		return NopOutput{}
	}
	return s.Output
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// MatchTag reports whether tag is named by one of the requested tags.
// Requested tags may be shell patterns such as "db*".
func MatchTag(requested []string, tag string) bool {
	for _, pattern := range requested {
		if pattern == tag {
			return true
		}
		if ok, err := path.Match(pattern, tag); err == nil && ok {
			return true
		}
	}
	return false
}
