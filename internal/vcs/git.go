package vcs

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const remotePrefix = "remotes/"

// Git implements Provider by shelling out to the git command
type Git struct {
	dir string
}

// NewGit creates a git provider for the repository containing dir
func NewGit(dir string) *Git {
	return &Git{dir: dir}
}

// Dir returns the source directory the provider is bound to
func (g *Git) Dir() string {
	return g.dir
}

// Exists reports whether dir is inside a git work tree
func (g *Git) Exists(ctx context.Context) bool {
	out, err := g.output(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the short name of HEAD
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	branch, err := g.output(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return branch, nil
}

// AvailableBranches lists local branches by name and remote-tracking
// branches as remotes/<remote>/<name>. Symbolic HEAD refs are skipped.
func (g *Git) AvailableBranches(ctx context.Context) ([]string, error) {
	out, err := g.output(ctx, "for-each-ref", "--format=%(refname)", "refs/heads", "refs/remotes")
	if err != nil {
		return nil, fmt.Errorf("git for-each-ref failed: %w", err)
	}

	var branches []string
	for _, line := range strings.Split(out, "\n") {
		ref := strings.TrimSpace(line)
		switch {
		case ref == "":
			continue
		case strings.HasPrefix(ref, "refs/heads/"):
			branches = append(branches, strings.TrimPrefix(ref, "refs/heads/"))
		case strings.HasPrefix(ref, "refs/remotes/"):
			if strings.HasSuffix(ref, "/HEAD") {
				continue
			}
			branches = append(branches, remotePrefix+strings.TrimPrefix(ref, "refs/remotes/"))
		}
	}
	return branches, nil
}

// IsRemote reports whether branch is a remote-tracking branch
func (g *Git) IsRemote(branch string) bool {
	return strings.HasPrefix(branch, remotePrefix)
}

// UpdateBranch fetches the remote a remote-tracking branch belongs to
func (g *Git) UpdateBranch(ctx context.Context, branch string) error {
	if !g.IsRemote(branch) {
		return nil
	}
	remote, _, ok := strings.Cut(strings.TrimPrefix(branch, remotePrefix), "/")
	if !ok || remote == "" {
		return fmt.Errorf("cannot determine remote for branch %q", branch)
	}

	cmd := g.command(ctx, "fetch", "--prune", remote)
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	return nil
}

// ExportBranch replaces dest with the tree of branch, without git metadata
func (g *Git) ExportBranch(ctx context.Context, branch, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to clear export directory: %w", err)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	cmd := g.command(ctx, "archive", "--format=tar", branch)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("git archive failed: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("git archive failed: %w", err)
	}

	extractErr := extractTar(stdout, dest)
	// Drain so git does not block on a full pipe after an extraction error
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("git archive failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if extractErr != nil {
		return fmt.Errorf("failed to extract %s: %w", branch, extractErr)
	}
	return nil
}

// Log describes who deploys which commit of branch
func (g *Git) Log(ctx context.Context, branch string) (string, error) {
	name, _ := g.output(ctx, "config", "user.name")
	email, _ := g.output(ctx, "config", "user.email")

	log, err := g.output(ctx, "log", "-1", "--format=medium", branch)
	if err != nil {
		return "", fmt.Errorf("git log failed: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Deployer: %s <%s>\n", name, email)
	fmt.Fprintf(&b, "Branch: %s\n", branch)
	b.WriteString(log)
	b.WriteString("\n")
	return b.String(), nil
}

// BranchesContaining returns the local and remote branches containing ref
func (g *Git) BranchesContaining(ctx context.Context, ref string) ([]string, error) {
	out, err := g.output(ctx, "branch", "-a", "--format=%(refname)", "--contains", ref)
	if err != nil {
		return nil, fmt.Errorf("git branch --contains failed: %w", err)
	}

	var branches []string
	for _, line := range strings.Split(out, "\n") {
		ref := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(ref, "refs/heads/"):
			branches = append(branches, strings.TrimPrefix(ref, "refs/heads/"))
		case strings.HasPrefix(ref, "refs/remotes/") && !strings.HasSuffix(ref, "/HEAD"):
			branches = append(branches, remotePrefix+strings.TrimPrefix(ref, "refs/remotes/"))
		}
	}
	return branches, nil
}

// Distance counts the commits reachable from other but not from ref
func (g *Git) Distance(ctx context.Context, ref, other string) (int, error) {
	out, err := g.output(ctx, "rev-list", "--count", ref+".."+other)
	if err != nil {
		return 0, fmt.Errorf("git rev-list failed: %w", err)
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", out, err)
	}
	return n, nil
}

func (g *Git) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.dir}, args...)...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd
}

// output runs git and returns trimmed stdout
func (g *Git) output(ctx context.Context, args ...string) (string, error) {
	cmd := g.command(ctx, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// runCommand executes a command and returns an error with its output on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// extractTar writes the entries of a tar stream below dest
func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// git archive also emits a pax global header carrying the commit id
		}
	}
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// safeJoin joins name below dest, rejecting entries that escape it
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes export directory", name)
	}
	return target, nil
}
