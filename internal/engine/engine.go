// Package engine drives a single deployment: it resolves options against the
// configuration, prepares the local tree, previews the change set, runs the
// command hooks and applies exactly the previewed changes.
package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/sys/unix"

	"github.com/schaermu/beam/internal/config"
	"github.com/schaermu/beam/internal/deployment"
	"github.com/schaermu/beam/internal/hooks"
	"github.com/schaermu/beam/internal/remote"
	"github.com/schaermu/beam/internal/shell"
)

// LogFile is written into the prepared local path and deployed with it
const LogFile = ".beamlog"

// Engine orchestrates one deployment. It is not safe for concurrent use.
type Engine struct {
	cfg      *config.Config
	raw      RawOptions
	opts     Options
	prepared bool

	progress deployment.ProgressSink
	approval hooks.ApprovalPrompt
	failure  hooks.FailurePrompt
	output   hooks.OutputSink
	local    hooks.LocalRunner
	target   hooks.TargetRunner
	logger   *slog.Logger
	tempDir  string
	writable func(dir string) error
}

// Option configures an Engine
type Option func(*Engine)

// WithProgress receives one call per applied change record
func WithProgress(p deployment.ProgressSink) Option {
	return func(e *Engine) {
		e.progress = p
	}
}

// WithApproval decides which optional command hooks run
func WithApproval(a hooks.ApprovalPrompt) Option {
	return func(e *Engine) {
		e.approval = a
	}
}

// WithFailurePrompt decides whether to continue after an optional hook failed
func WithFailurePrompt(f hooks.FailurePrompt) Option {
	return func(e *Engine) {
		e.failure = f
	}
}

// WithCommandOutput receives command hook output
func WithCommandOutput(o hooks.OutputSink) Option {
	return func(e *Engine) {
		e.output = o
	}
}

// WithLocalRunner overrides the runner for local command hooks
func WithLocalRunner(r hooks.LocalRunner) Option {
	return func(e *Engine) {
		e.local = r
	}
}

// WithTargetRunner overrides the runner for target command hooks. A nil
// runner makes configurations with target commands invalid.
func WithTargetRunner(r hooks.TargetRunner) Option {
	return func(e *Engine) {
		e.target = r
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTempDir sets the directory branches are exported below
func WithTempDir(dir string) Option {
	return func(e *Engine) {
		e.tempDir = dir
	}
}

// New creates an engine for cfg and resolves raw
func New(ctx context.Context, cfg *config.Config, raw RawOptions, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		progress: deployment.NopProgress{},
		approval: hooks.ApproveAll{},
		failure:  hooks.AbortOnFailure{},
		output:   hooks.NopOutput{},
		local:    shell.NewClient(),
		target:   remote.NewExecutor(),
		logger:   slog.Default(),
		tempDir:  os.TempDir(),
		writable: accessWritable,
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.Setup(ctx, raw); err != nil {
		return nil, err
	}
	return e, nil
}

// Setup resolves raw and validates the result against the configuration.
// It may be called repeatedly; the engine keeps its previous options when
// Setup fails.
func (e *Engine) Setup(ctx context.Context, raw RawOptions) error {
	opts, err := resolveOptions(e.cfg, raw)
	if err != nil {
		return err
	}
	server := e.cfg.Servers[opts.Target]

	if !opts.WorkingCopy && !opts.VCS.Exists(ctx) {
		return fmt.Errorf("%w: you can't use beam without a vcs", ErrConfiguration)
	}

	if !opts.WorkingCopy && opts.Branch == "" {
		if server.Locked() {
			opts.Branch = server.Branch
		} else {
			branch, err := opts.VCS.CurrentBranch(ctx)
			if err != nil {
				return fmt.Errorf("failed to determine current branch: %w", err)
			}
			opts.Branch = branch
		}
	}

	if err := e.validate(ctx, opts, server); err != nil {
		return err
	}

	// The prepared tree depends on the export and on the local pre hooks,
	// which are selected by target and tags
	if opts.Branch != e.opts.Branch || opts.SrcDir != e.opts.SrcDir ||
		opts.Target != e.opts.Target || !slices.Equal(opts.CommandTags, e.opts.CommandTags) {
		e.prepared = false
	}
	e.raw = raw.clone()
	e.opts = opts
	return nil
}

// validate checks what the option schema cannot: branch locking, working
// copy constraints and the ability to run target commands
func (e *Engine) validate(ctx context.Context, opts Options, server config.Server) error {
	if opts.Branch != "" {
		if server.Locked() && opts.Branch != server.Branch {
			return fmt.Errorf("%w: specified branch %q doesn't match the locked branch %q",
				ErrConfiguration, opts.Branch, server.Branch)
		}

		branches, err := opts.VCS.AvailableBranches(ctx)
		if err != nil {
			return fmt.Errorf("failed to list branches: %w", err)
		}
		if !contains(branches, opts.Branch) {
			return fmt.Errorf("%w: invalid branch %q, valid options are: %s",
				ErrConfiguration, opts.Branch, config.FormatOptions(branches))
		}
	}

	if opts.WorkingCopy {
		if server.Locked() && opts.VCS.IsRemote(server.Branch) {
			return fmt.Errorf("%w: working copy can't be used with a locked remote branch", ErrConfiguration)
		}
	} else {
		dir := filepath.Dir(opts.SrcDir)
		if err := e.writable(dir); err != nil {
			return fmt.Errorf("%w: the local path %q is not writable: %v", ErrConfiguration, dir, err)
		}
	}

	if e.cfg.HasTargetCommands() {
		if deployment.HasLimitation(opts.Deployment, deployment.LimitationRemoteCommand) {
			return fmt.Errorf("%w: commands are defined for the location %q but the selected deployment provider cannot execute remote commands",
				ErrConfiguration, config.LocationTarget)
		}
		if e.target == nil {
			return fmt.Errorf("%w: commands are defined for the location %q but no remote command executor is available",
				ErrConfiguration, config.LocationTarget)
		}
	}
	return nil
}

// SetOption merges key into the raw options and runs Setup again
func (e *Engine) SetOption(ctx context.Context, key string, value any) error {
	raw := e.raw.clone()
	raw[key] = value
	return e.Setup(ctx, raw)
}

// DoDryrun computes the change set without touching the target
func (e *Engine) DoDryrun(ctx context.Context) (*deployment.Result, error) {
	if e.opts.Direction == DirectionDown {
		result, err := e.opts.Deployment.Down(ctx, e.deploymentTarget(), e.progress, true, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to compute changes from %s: %w", e.opts.Target, err)
		}
		return result, nil
	}

	if err := e.prepareLocalPath(ctx); err != nil {
		return nil, err
	}
	result, err := e.opts.Deployment.Up(ctx, e.deploymentTarget(), e.progress, true, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compute changes for %s: %w", e.opts.Target, err)
	}
	return result, nil
}

// DoRun performs the deployment. A non-nil previous result, normally the
// one returned by DoDryrun, is applied as-is instead of being recomputed.
// With the dry-run option set DoRun behaves like DoDryrun.
func (e *Engine) DoRun(ctx context.Context, previous *deployment.Result) (*deployment.Result, error) {
	if e.opts.DryRun {
		return e.DoDryrun(ctx)
	}

	// Downloads never run hooks
	if e.opts.Direction == DirectionDown {
		result, err := e.opts.Deployment.Down(ctx, e.deploymentTarget(), e.progress, false, previous)
		if err != nil {
			return nil, fmt.Errorf("failed to deploy from %s: %w", e.opts.Target, err)
		}
		return result, nil
	}

	if err := e.prepareLocalPath(ctx); err != nil {
		return nil, err
	}

	sched := e.scheduler()
	if err := e.runHooks(ctx, sched, config.PhasePre, config.LocationTarget); err != nil {
		return nil, err
	}

	e.logger.Info("deploying", "target", e.opts.Target, "path", e.TargetPath())
	result, err := e.opts.Deployment.Up(ctx, e.deploymentTarget(), e.progress, false, previous)
	if err != nil {
		return nil, fmt.Errorf("failed to deploy to %s: %w", e.opts.Target, err)
	}

	if !e.opts.WorkingCopy {
		if err := e.runHooks(ctx, sched, config.PhasePost, config.LocationLocal); err != nil {
			return nil, err
		}
	}
	if err := e.runHooks(ctx, sched, config.PhasePost, config.LocationTarget); err != nil {
		return nil, err
	}
	return result, nil
}

// prepareLocalPath exports the branch into the local path once per engine.
// The path only counts as prepared once the local pre hooks and the log
// succeeded, so a failed attempt is repeated in full.
func (e *Engine) prepareLocalPath(ctx context.Context) error {
	if e.prepared || e.opts.WorkingCopy || e.opts.Direction == DirectionDown {
		return nil
	}

	e.logger.Info("preparing local deploy path", "path", e.LocalPath())

	server := e.Server()
	if server.Locked() && e.opts.VCS.IsRemote(server.Branch) {
		e.logger.Info("updating remote branch", "branch", e.opts.Branch)
		if err := e.opts.VCS.UpdateBranch(ctx, e.opts.Branch); err != nil {
			return fmt.Errorf("failed to update branch %s: %w", e.opts.Branch, err)
		}
	}

	e.logger.Info("exporting branch", "branch", e.opts.Branch)
	if err := e.opts.VCS.ExportBranch(ctx, e.opts.Branch, e.LocalPath()); err != nil {
		return fmt.Errorf("failed to export branch %s: %w", e.opts.Branch, err)
	}

	if err := e.runHooks(ctx, e.scheduler(), config.PhasePre, config.LocationLocal); err != nil {
		return err
	}
	if err := e.writeLog(ctx); err != nil {
		return err
	}
	e.prepared = true
	return nil
}

func (e *Engine) writeLog(ctx context.Context) error {
	log, err := e.opts.VCS.Log(ctx, e.opts.Branch)
	if err != nil {
		return fmt.Errorf("failed to read log for %s: %w", e.opts.Branch, err)
	}
	if err := os.WriteFile(filepath.Join(e.LocalPath(), LogFile), []byte(log), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", LogFile, err)
	}
	return nil
}

func (e *Engine) runHooks(ctx context.Context, sched *hooks.Scheduler, phase config.Phase, location config.Location) error {
	e.logger.Debug("running command hooks", "phase", phase, "location", location)
	return sched.Run(ctx, phase, location, e.LocalPath())
}

func (e *Engine) scheduler() *hooks.Scheduler {
	return &hooks.Scheduler{
		Commands: e.cfg.Commands,
		Server:   e.Server(),
		Tags:     e.opts.CommandTags,
		Local:    e.local,
		Target:   e.target,
		Approval: e.approval,
		Failure:  e.failure,
		Output:   e.output,
		Logger:   e.logger,
	}
}

func (e *Engine) deploymentTarget() deployment.Target {
	return deployment.Target{
		Server:    e.Server(),
		LocalPath: e.LocalPath(),
		ExtraPath: e.opts.Path,
		Exclude:   append([]string(nil), e.cfg.Exclude...),
	}
}

// LocalPath is the directory deployed from, or into for downloads. Exports
// live in a directory derived from the source directory so that repeated
// runs reuse it.
func (e *Engine) LocalPath() string {
	if e.opts.WorkingCopy || e.opts.Direction == DirectionDown {
		return e.opts.SrcDir
	}
	sum := md5.Sum([]byte(e.opts.SrcDir))
	return filepath.Join(e.tempDir, "beam-"+hex.EncodeToString(sum[:]))
}

// TargetPath is the provider destination including the extra path
func (e *Engine) TargetPath() string {
	t := e.deploymentTarget()
	return t.Combine(e.opts.Deployment.TargetPath(t))
}

// Server returns the target server definition
func (e *Engine) Server() config.Server {
	return e.cfg.Servers[e.opts.Target]
}

// Options returns a copy of the resolved options
func (e *Engine) Options() Options {
	o := e.opts
	o.CommandTags = append([]string(nil), o.CommandTags...)
	return o
}

// Prepared reports whether the local path has been exported
func (e *Engine) Prepared() bool {
	return e.prepared
}

// Option returns the resolved value of a raw option key
func (e *Engine) Option(key string) (any, error) {
	v, ok := e.opts.value(key)
	if !ok {
		return nil, fmt.Errorf("%w: option %q doesn't exist", ErrNotFound, key)
	}
	return v, nil
}

// Config returns a top-level configuration section
func (e *Engine) Config(key string) (any, error) {
	switch key {
	case "servers":
		return e.cfg.Servers, nil
	case "commands":
		return e.cfg.Commands, nil
	case "exclude":
		return e.cfg.Exclude, nil
	}
	return nil, fmt.Errorf("%w: config %q doesn't exist", ErrNotFound, key)
}

func accessWritable(dir string) error {
	return unix.Access(dir, unix.W_OK)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
