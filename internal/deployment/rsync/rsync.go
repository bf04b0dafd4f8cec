// Package rsync deploys by shelling out to rsync and reading its itemized
// change list.
package rsync

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/schaermu/beam/internal/config"
	"github.com/schaermu/beam/internal/deployment"
)

// Provider implements deployment.Provider on top of the rsync binary
type Provider struct {
	server config.Server
	binary string
	run    func(ctx context.Context, args []string, onLine func(string)) error
	logger *slog.Logger
}

// New creates an rsync provider for server
func New(server config.Server) (deployment.Provider, error) {
	p := &Provider{
		server: server,
		binary: "rsync",
		logger: slog.Default().With("provider", config.TypeRsync),
	}
	p.run = p.exec
	return p, nil
}

// Limitations returns nothing: rsync targets are reachable over ssh
func (p *Provider) Limitations() []deployment.Limitation {
	return nil
}

// TargetPath returns the rsync destination, e.g. deploy@example.com:/var/www
func (p *Provider) TargetPath(t deployment.Target) string {
	s := t.Server
	switch {
	case s.Host == "":
		return s.Webroot
	case s.User == "":
		return s.Host + ":" + s.Webroot
	default:
		return s.User + "@" + s.Host + ":" + s.Webroot
	}
}

// RemotePath returns the webroot on the target
func (p *Provider) RemotePath(t deployment.Target) string {
	return t.Server.Webroot
}

// Up sends the local path to the target
func (p *Provider) Up(ctx context.Context, t deployment.Target, progress deployment.ProgressSink, dryRun bool, previous *deployment.Result) (*deployment.Result, error) {
	src := dir(t.Combine(t.LocalPath))
	dst := dir(t.Combine(p.TargetPath(t)))
	return p.transfer(ctx, t, src, dst, progress, dryRun, previous)
}

// Down fetches the target into the local path
func (p *Provider) Down(ctx context.Context, t deployment.Target, progress deployment.ProgressSink, dryRun bool, previous *deployment.Result) (*deployment.Result, error) {
	src := dir(t.Combine(p.TargetPath(t)))
	dst := dir(t.Combine(t.LocalPath))
	return p.transfer(ctx, t, src, dst, progress, dryRun, previous)
}

func (p *Provider) transfer(ctx context.Context, t deployment.Target, src, dst string, progress deployment.ProgressSink, dryRun bool, previous *deployment.Result) (*deployment.Result, error) {
	if progress == nil || dryRun {
		progress = deployment.NopProgress{}
	}

	var filesFrom string
	if previous != nil {
		if previous.Len() == 0 {
			return previous, nil
		}
		f, err := writeFileList(previous)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = os.Remove(f)
		}()
		filesFrom = f
	}

	args := p.buildArgs(t, dryRun, filesFrom, previous.UpdateCount(deployment.UpdateDeleted) > 0)
	args = append(args, src, dst)

	p.logger.Info("running rsync", "src", src, "dst", dst, "dry_run", dryRun, "files_from", filesFrom != "")

	var records []deployment.ChangeRecord
	var parseErr error
	err := p.run(ctx, args, func(line string) {
		rec, ok, err := ParseLine(line)
		if err != nil {
			if parseErr == nil {
				parseErr = err
			}
			return
		}
		if !ok {
			return
		}
		records = append(records, rec)
		progress.Advance(rec)
	})
	if err != nil {
		return nil, fmt.Errorf("rsync failed: %w", err)
	}
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse rsync output: %w", parseErr)
	}

	if previous != nil {
		return previous, nil
	}
	return deployment.NewResult(records)
}

// buildArgs assembles the rsync flags for the server configuration
func (p *Provider) buildArgs(t deployment.Target, dryRun bool, filesFrom string, deletions bool) []string {
	args := []string{"--archive", "--itemize-changes"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	if p.server.Checksum {
		args = append(args, "--checksum")
	}
	if p.server.Compress {
		args = append(args, "--compress")
	}
	if filesFrom != "" {
		// --delete needs recursion, which --files-from turns off
		args = append(args, "--files-from="+filesFrom)
		if deletions {
			args = append(args, "--delete-missing-args")
		}
	} else if p.server.Delete {
		args = append(args, "--delete")
	}
	for _, pattern := range t.Exclude {
		args = append(args, "--exclude="+pattern)
	}
	if p.server.Host != "" && p.server.Port != 0 {
		args = append(args, "-e", shellquote.Join("ssh", "-p", strconv.Itoa(p.server.Port)))
	}
	return args
}

// exec runs rsync and feeds every stdout line to onLine
func (p *Provider) exec(ctx context.Context, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, p.binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return scanner.Err()
}

// writeFileList stores the filenames of result in a temporary --files-from list
func writeFileList(result *deployment.Result) (string, error) {
	f, err := os.CreateTemp("", "beam-files-from-*")
	if err != nil {
		return "", fmt.Errorf("failed to create file list: %w", err)
	}
	for _, name := range result.Filenames() {
		if _, err := fmt.Fprintln(f, name); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return "", fmt.Errorf("failed to write file list: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write file list: %w", err)
	}
	return f.Name(), nil
}

// dir ensures rsync copies the contents of p rather than p itself
func dir(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
