package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// RequireTool skips the test when name is not on PATH
func RequireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

// Git runs git in dir and fails the test on error
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return string(out)
}

// InitRepo creates a repository in dir with a single commit of index.php
// on branch
func InitRepo(t *testing.T, dir, branch string) {
	t.Helper()
	RequireTool(t, "git")
	if out, err := exec.Command("git", "init", "-q", "-b", branch, dir).CombinedOutput(); err != nil {
		t.Fatalf("git init: %v: %s", err, out)
	}
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	CommitFile(t, dir, "index.php", "<?php echo 'v1';\n", "Initial commit")
}

// CommitFile creates or overwrites a file and commits it
func CommitFile(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	Git(t, dir, "add", name)
	Git(t, dir, "commit", "-q", "-m", msg)
}

// Clone clones origin into a new temporary directory
func Clone(t *testing.T, origin string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "clone")
	if out, err := exec.Command("git", "clone", "-q", origin, dir).CombinedOutput(); err != nil {
		t.Fatalf("git clone: %v: %s", err, out)
	}
	return dir
}
