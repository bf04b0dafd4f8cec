package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "go.mod"))
	assert.DirExists(t, filepath.Join(root, "cmd", "beam"))
}

func TestInitRepo(t *testing.T) {
	dir := t.TempDir()
	InitRepo(t, dir, "main")

	assert.Contains(t, Git(t, dir, "log", "--oneline"), "Initial commit")
	assert.Equal(t, "main\n", Git(t, dir, "rev-parse", "--abbrev-ref", "HEAD"))

	clone := Clone(t, dir)
	data, err := os.ReadFile(filepath.Join(clone, "index.php"))
	require.NoError(t, err)
	assert.Equal(t, "<?php echo 'v1';\n", string(data))
}
