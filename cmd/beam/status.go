package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schaermu/beam/internal/config"
	"github.com/schaermu/beam/internal/deployment"
	"github.com/schaermu/beam/internal/vcs"
)

var statusCmd = &cobra.Command{
	Use:   "status [target...]",
	Short: "Display information about targets",
	Long: `Status prints where each target deploys to and, for targets locked to a
branch, how the checked out branch relates to the locked one.

Without arguments every configured target is shown.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, srcDir, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	targets, err := statusTargets(cfg, args)
	if err != nil {
		return err
	}

	var info branchInfo
	if git := vcs.NewGit(srcDir); git.Exists(ctx) {
		info = git
	}

	out := cmd.OutOrStdout()
	for _, id := range targets {
		if err := printStatus(ctx, out, logger, cfg.Servers[id], info); err != nil {
			return err
		}
	}
	return nil
}

// statusTargets validates the requested targets, defaulting to all of them
func statusTargets(cfg *config.Config, args []string) ([]string, error) {
	if len(args) == 0 {
		return cfg.ServerIDs(), nil
	}

	seen := make(map[string]bool, len(args))
	var targets []string
	for _, id := range args {
		if _, ok := cfg.Servers[id]; !ok {
			return nil, fmt.Errorf("unknown target %q, must be one of \"%s\"", id, strings.Join(cfg.ServerIDs(), `", "`))
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		targets = append(targets, id)
	}
	return targets, nil
}

type branchInfo interface {
	vcs.InformationProvider
	CurrentBranch(ctx context.Context) (string, error)
}

func printStatus(ctx context.Context, out io.Writer, logger *slog.Logger, server config.Server, info branchInfo) error {
	provider, err := providers.Factory()(server)
	if err != nil {
		return fmt.Errorf("target %s: %w", server.ID, err)
	}
	t := deployment.Target{Server: server}

	fmt.Fprintln(out, infoColor.Sprint(server.ID))
	fmt.Fprintf(out, "  type:    %s\n", server.Type)
	fmt.Fprintf(out, "  target:  %s\n", provider.TargetPath(t))
	if deployment.HasLimitation(provider, deployment.LimitationRemoteCommand) {
		fmt.Fprintf(out, "  commands: %s\n", dimColor.Sprint("not supported"))
	}

	if !server.Locked() {
		fmt.Fprintf(out, "  branch:  %s\n", dimColor.Sprint("any"))
		return nil
	}
	fmt.Fprintf(out, "  branch:  %s (locked)\n", server.Branch)

	if info == nil {
		return nil
	}
	current, err := info.CurrentBranch(ctx)
	if err != nil {
		logger.Warn("failed to determine current branch", "error", err)
		return nil
	}
	behind, err := info.Distance(ctx, current, server.Branch)
	if err != nil {
		logger.Warn("failed to compare branches", "target", server.ID, "error", err)
		return nil
	}
	containing, err := info.BranchesContaining(ctx, current)
	if err != nil {
		logger.Warn("failed to list branches", "target", server.ID, "error", err)
		return nil
	}

	deployed := false
	for _, b := range containing {
		if b == server.Branch {
			deployed = true
			break
		}
	}

	fmt.Fprintf(out, "  %s is %d commit(s) behind %s\n", current, behind, server.Branch)
	if deployed {
		fmt.Fprintf(out, "  %s\n", infoColor.Sprintf("%s is contained in %s", current, server.Branch))
	} else {
		fmt.Fprintf(out, "  %s\n", warnColor.Sprintf("%s has commits not in %s", current, server.Branch))
	}
	return nil
}
