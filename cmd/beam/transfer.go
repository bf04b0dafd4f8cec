package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/schaermu/beam/internal/deployment"
	"github.com/schaermu/beam/internal/engine"
	"github.com/schaermu/beam/internal/hooks"
	"github.com/schaermu/beam/internal/remote"
	"github.com/schaermu/beam/internal/shell"
)

// transferFlags are shared by up and down
type transferFlags struct {
	ref           string
	path          string
	dryRun        bool
	noPrompt      bool
	workingCopy   bool
	commandPrompt bool
	tags          []string
}

var transferOpts transferFlags

var upCmd = &cobra.Command{
	Use:   "up <target>",
	Short: "Deploy a branch to a target",
	Long: `Up exports the branch into a temporary directory, previews the files that
will change on the target and transfers them after confirmation.

Local and target commands configured for the pre and post phases run around
the transfer.`,
	Args: cobra.ExactArgs(1),
	RunE: runTransfer(engine.DirectionUp),
}

var downCmd = &cobra.Command{
	Use:   "down <target>",
	Short: "Pull the files of a target into the working copy",
	Args:  cobra.ExactArgs(1),
	RunE:  runTransfer(engine.DirectionDown),
}

func addTransferFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&transferOpts.ref, "ref", "r", "", "branch to deploy (default is the current or locked branch)")
	cmd.Flags().StringVarP(&transferOpts.path, "path", "p", "", "only transfer this path below the root")
	cmd.Flags().BoolVarP(&transferOpts.dryRun, "dry-run", "d", false, "show what would be transferred without making changes")
	cmd.Flags().BoolVar(&transferOpts.noPrompt, "no-prompt", false, "skip the preview and confirmation")
	cmd.Flags().BoolVar(&transferOpts.workingCopy, "working-copy", false, "transfer the working copy instead of an exported branch")
	cmd.Flags().BoolVar(&transferOpts.commandPrompt, "command-prompt", false, "ask before running commands that are not required")
	cmd.Flags().StringSliceVarP(&transferOpts.tags, "tags", "t", nil, "run optional commands with these tags (wildcards supported)")
}

// rawOptions maps the command line onto engine options
func (f transferFlags) rawOptions(direction engine.Direction, target, srcDir string) engine.RawOptions {
	raw := engine.RawOptions{
		engine.OptDirection:          string(direction),
		engine.OptTarget:             target,
		engine.OptSrcDir:             srcDir,
		engine.OptDeploymentProvider: providers.Factory(),
		engine.OptDryRun:             f.dryRun,
		engine.OptWorkingCopy:        f.workingCopy,
	}
	if f.ref != "" {
		raw[engine.OptBranch] = f.ref
	}
	if f.path != "" {
		raw[engine.OptPath] = f.path
	}
	if len(f.tags) > 0 {
		raw[engine.OptCommandTags] = f.tags
	}
	return raw
}

func runTransfer(direction engine.Direction) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := setupSignalHandler()
		defer cancel()

		logger := setupLogger()
		return transfer(ctx, cmd, logger, direction, args[0], transferOpts)
	}
}

func transfer(ctx context.Context, cmd *cobra.Command, logger *slog.Logger, direction engine.Direction, target string, flags transferFlags) error {
	out := cmd.OutOrStdout()

	cfg, srcDir, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	prompt := newPrompter(cmd.InOrStdin(), out, isTerminal(os.Stdin))
	bar := &progressBar{out: out}

	var failure hooks.FailurePrompt = hooks.AbortOnFailure{}
	if !flags.noPrompt {
		failure = prompt
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithLocalRunner(shell.NewClient(shell.WithLogger(logger))),
		engine.WithTargetRunner(remote.NewExecutor(remote.WithLogger(logger))),
		engine.WithFailurePrompt(failure),
		engine.WithProgress(bar),
	}
	if flags.commandPrompt {
		opts = append(opts, engine.WithApproval(prompt))
	}
	if logLevel == "debug" {
		opts = append(opts, engine.WithCommandOutput(commandOutput{out: out}))
	}

	e, err := engine.New(ctx, cfg, flags.rawOptions(direction, target, srcDir), opts...)
	if err != nil {
		return err
	}

	printTransferSummary(out, e)

	if flags.noPrompt {
		var result *deployment.Result
		if flags.dryRun {
			result, err = e.DoDryrun(ctx)
		} else {
			result, err = e.DoRun(ctx, nil)
		}
		if err != nil {
			return err
		}
		printChanges(out, result)
		printChangesSummary(out, result)
		return nil
	}

	printSection(out, infoColor, "info", "Determining list of files that will be modified...")
	preview, err := e.DoDryrun(ctx)
	if err != nil {
		return err
	}
	if preview.Len() == 0 {
		printSection(out, warnColor, "warn", "No changed files")
		return nil
	}

	printChanges(out, preview)
	printChangesSummary(out, preview)

	if flags.dryRun {
		return nil
	}

	ok, err := prompt.confirm("Is this okay?", true)
	if err != nil {
		return err
	}
	if !ok {
		return errCancelled
	}

	if deletes := preview.UpdateCount(deployment.UpdateDeleted); deletes > 0 {
		verb := "files are"
		if deletes == 1 {
			verb = "file is"
		}
		question := fmt.Sprintf("%d %s going to be deleted in this deployment, are you sure this is okay?", deletes, verb)
		ok, err := prompt.confirm(question, false)
		if err != nil {
			return err
		}
		if !ok {
			return errCancelled
		}
	}

	if isTerminal(os.Stdout) {
		if err := bar.start(preview.Len()); err != nil {
			logger.Warn("failed to start progress bar", "error", err)
		}
	}
	result, err := e.DoRun(ctx, preview)
	bar.stop()
	if err != nil {
		return handleProviderFailure(out, prompt, err)
	}

	printChangesSummary(out, result)
	return nil
}

// handleProviderFailure reports a failed transfer and asks whether to
// carry on. Declining returns the original error. Failed required hooks
// and interrupts are not offered a choice.
func handleProviderFailure(out io.Writer, prompt *prompter, err error) error {
	printError(out, err)
	if errors.Is(err, hooks.ErrHookFailed) || errors.Is(err, context.Canceled) {
		return err
	}
	ok, promptErr := prompt.confirm("The deployment provider threw an exception. Do you want to continue?", false)
	if promptErr != nil || !ok {
		return err
	}
	printSection(out, warnColor, "warn", "Continuing after a failed transfer")
	return nil
}

// printTransferSummary shows where files come from and where they go
func printTransferSummary(out io.Writer, e *engine.Engine) {
	opts := e.Options()

	action := "You're about to sync files between:"
	if opts.DryRun {
		action = "You're about to do a " + warnColor.Sprint("dry run") + " between:"
	}

	var from, to string
	if opts.Direction == engine.DirectionUp {
		from = "SOURCE: " + e.LocalPath()
		if !opts.WorkingCopy {
			from += " @ " + infoColor.Sprint(opts.Branch)
		}
		to = "TARGET: " + e.TargetPath()
	} else {
		from = "SOURCE: " + e.TargetPath()
		to = "TARGET: " + e.LocalPath()
	}

	printSection(out, warnColor, "warn", action)
	printSection(out, warnColor, "warn", from)
	printSection(out, warnColor, "warn", to)
	if opts.Path != "" {
		printSection(out, warnColor, "warn", "PATH: "+opts.Path)
	}
}
