//go:build integration

package integration

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/beam/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the beam binary and drives it against a scratch repository
type Harness struct {
	t      *testing.T
	binary string
	Repo   string
}

// NewHarness builds beam into a temporary directory and creates an empty
// git repository for the test
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()

	for _, tool := range []string{"go", "git"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	h := &Harness{
		t:      t,
		binary: filepath.Join(t.TempDir(), "beam"),
		Repo:   filepath.Join(t.TempDir(), "site"),
	}

	t.Logf("Building %s", h.binary)
	build := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/beam")
	build.Dir = projectRoot
	build.Stdout = &testWriter{t: t, prefix: "[build] "}
	build.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := build.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	h.Git(ctx, "init", "-b", "main", h.Repo)
	h.Git(ctx, "-C", h.Repo, "config", "user.email", "deploy@example.com")
	h.Git(ctx, "-C", h.Repo, "config", "user.name", "Deployer")
	return h
}

// Git runs git and fails the test on error
func (h *Harness) Git(ctx context.Context, args ...string) string {
	h.t.Helper()
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		h.t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return string(out)
}

// Commit writes files into the repository and commits them. A nil content
// removes the file.
func (h *Harness) Commit(ctx context.Context, msg string, files map[string]*string) {
	h.t.Helper()
	for name, content := range files {
		path := filepath.Join(h.Repo, name)
		if content == nil {
			h.Git(ctx, "-C", h.Repo, "rm", "-q", name)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			h.t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(*content), 0644); err != nil {
			h.t.Fatalf("write %s: %v", name, err)
		}
		h.Git(ctx, "-C", h.Repo, "add", name)
	}
	h.Git(ctx, "-C", h.Repo, "commit", "-q", "-m", msg)
}

// Beam runs the binary in the repository and returns stdout, stderr and
// the exit code
func (h *Harness) Beam(ctx context.Context, args ...string) (string, string, int) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.Repo
	cmd.Env = append(os.Environ(), "NO_COLOR=1", "BEAM_LOG_LEVEL=debug")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, &testWriter{t: h.t, prefix: "[beam] "})
	cmd.Stderr = io.MultiWriter(&stderr, &testWriter{t: h.t, prefix: "[beam:err] "})

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.t.Fatalf("run beam: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode
}

// MustBeam runs the binary and fails the test on a non-zero exit code
func (h *Harness) MustBeam(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode := h.Beam(ctx, args...)
	if exitCode != 0 {
		h.t.Fatalf("beam %v failed with exit code %d\nstdout: %s\nstderr: %s", args, exitCode, stdout, stderr)
	}
	return stdout
}

// WriteConfig writes beam.yml into the repository without committing it
func (h *Harness) WriteConfig(content string) {
	h.t.Helper()
	if err := os.WriteFile(filepath.Join(h.Repo, "beam.yml"), []byte(content), 0644); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

func ptr(s string) *string { return &s }

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
