package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/beam/internal/config"
	"github.com/schaermu/beam/internal/deployment"
	"github.com/schaermu/beam/internal/engine"
	"github.com/schaermu/beam/internal/hooks"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
		debug     bool
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text", debug: true},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			require.NotNil(t, logger)
			assert.Equal(t, tc.debug, logger.Enabled(context.Background(), slog.LevelDebug))
		})
	}
}

func TestResolveGlobals_Environment(t *testing.T) {
	origCfg, origLevel, origFormat := cfgFile, logLevel, logFormat
	t.Cleanup(func() {
		cfgFile, logLevel, logFormat = origCfg, origLevel, origFormat
	})

	t.Setenv("BEAM_LOG_LEVEL", "debug")
	t.Setenv("BEAM_CONFIG", "/srv/site/beam.yml")

	resolveGlobals()
	assert.Equal(t, "debug", logLevel)
	assert.Equal(t, "/srv/site/beam.yml", cfgFile)
	assert.Equal(t, "text", logFormat)
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, config.DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	tmpDir := t.TempDir()
	cfgFile = writeConfig(t, tmpDir, `servers:
  live:
    host: example.com
    webroot: /var/www
`)

	cfg, srcDir, err := loadConfig(discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, cfg.ServerIDs())
	assert.Equal(t, tmpDir, srcDir)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yml")

	_, _, err := loadConfig(discardLogger())
	assert.Error(t, err)
}

func TestStatusTargets(t *testing.T) {
	cfg := &config.Config{Servers: map[string]config.Server{
		"live":    {ID: "live"},
		"staging": {ID: "staging"},
	}}

	all, err := statusTargets(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"live", "staging"}, all)

	some, err := statusTargets(cfg, []string{"staging", "staging"})
	require.NoError(t, err)
	assert.Equal(t, []string{"staging"}, some)

	_, err = statusTargets(cfg, []string{"prod"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown target "prod", must be one of "live", "staging"`)
}

type stubInfo struct {
	current    string
	distance   int
	containing []string
}

func (s stubInfo) CurrentBranch(context.Context) (string, error) { return s.current, nil }

func (s stubInfo) BranchesContaining(context.Context, string) ([]string, error) {
	return s.containing, nil
}

func (s stubInfo) Distance(context.Context, string, string) (int, error) { return s.distance, nil }

func TestPrintStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("unlocked", func(t *testing.T) {
		var out bytes.Buffer
		server := config.Server{ID: "staging", Type: config.TypeRsync, Host: "example.com", User: "deploy", Webroot: "/var/www"}
		require.NoError(t, printStatus(ctx, &out, discardLogger(), server, nil))
		assert.Contains(t, out.String(), "deploy@example.com:/var/www")
		assert.Contains(t, out.String(), "branch:  any")
	})

	t.Run("locked and behind", func(t *testing.T) {
		var out bytes.Buffer
		server := config.Server{ID: "live", Type: config.TypeLocal, Webroot: "/srv/live", Branch: "remotes/origin/main"}
		info := stubInfo{current: "feature", distance: 3, containing: []string{"feature"}}
		require.NoError(t, printStatus(ctx, &out, discardLogger(), server, info))
		assert.Contains(t, out.String(), "commands: not supported")
		assert.Contains(t, out.String(), "remotes/origin/main (locked)")
		assert.Contains(t, out.String(), "feature is 3 commit(s) behind remotes/origin/main")
		assert.Contains(t, out.String(), "feature has commits not in remotes/origin/main")
	})

	t.Run("locked and contained", func(t *testing.T) {
		var out bytes.Buffer
		server := config.Server{ID: "live", Type: config.TypeRsync, Host: "example.com", Webroot: "/var/www", Branch: "main"}
		info := stubInfo{current: "main", containing: []string{"main", "remotes/origin/main"}}
		require.NoError(t, printStatus(ctx, &out, discardLogger(), server, info))
		assert.Contains(t, out.String(), "main is contained in main")
	})
}

func mustResult(t *testing.T, records ...deployment.ChangeRecord) *deployment.Result {
	t.Helper()
	result, err := deployment.NewResult(records)
	require.NoError(t, err)
	return result
}

func TestPrintChanges(t *testing.T) {
	result := mustResult(t,
		deployment.ChangeRecord{Filename: "old.php", FileType: deployment.FileTypeFile, Update: deployment.UpdateDeleted, Reasons: []deployment.Reason{deployment.ReasonMissing}},
		deployment.ChangeRecord{Filename: "index.php", FileType: deployment.FileTypeFile, Update: deployment.UpdateSent, Reasons: []deployment.Reason{deployment.ReasonChecksum, deployment.ReasonTime}},
	)

	var out bytes.Buffer
	printChanges(&out, result)
	assert.Equal(t, "deleted    old.php (missing)\nsent       index.php (checksum, time)\n", out.String())

	assert.Equal(t, "2 files changed: 1 deleted, 1 sent", changesSummary(result))
	assert.Equal(t, "0 files changed", changesSummary(nil))
	assert.Equal(t, "1 file changed: 1 deleted", changesSummary(mustResult(t, result.At(0))))
}

func TestPrompter_Confirm(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
		def   bool
		want  bool
	}{
		{name: "yes", input: "y\n", want: true},
		{name: "long yes", input: "YES\n", want: true},
		{name: "no", input: "n\n", def: true, want: false},
		{name: "empty takes default yes", input: "\n", def: true, want: true},
		{name: "empty takes default no", input: "\n", def: false, want: false},
		{name: "anything else is no", input: "sure\n", def: true, want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			p := newPrompter(strings.NewReader(tc.input), &out, true)
			got, err := p.confirm("Is this okay?", tc.def)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Contains(t, out.String(), "Is this okay?")
		})
	}
}

func TestPrompter_ClosedInputCancels(t *testing.T) {
	p := newPrompter(strings.NewReader(""), io.Discard, true)
	_, err := p.confirm("Is this okay?", true)
	assert.ErrorIs(t, err, errCancelled)
}

func TestPrompter_RequiresTerminal(t *testing.T) {
	p := newPrompter(strings.NewReader("y\n"), io.Discard, false)
	_, err := p.Approve(context.Background(), config.Command{Command: "make"})
	assert.ErrorIs(t, err, errNotInteractive)
}

func TestPrompter_Continue(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("\n"), &out, true)

	ok, err := p.Continue(context.Background(), config.Command{Command: "npm test"}, errors.New("exit status 1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "[error] exit status 1")
	assert.Contains(t, out.String(), "Error running: npm test")
}

func TestCommandOutput_PrefixesLines(t *testing.T) {
	var out bytes.Buffer
	w := commandOutput{out: &out}.Command(config.Command{Command: "composer install"})

	_, err := io.WriteString(w, "Loading composer")
	require.NoError(t, err)
	assert.Empty(t, out.String())

	_, err = io.WriteString(w, " repositories\nDone\n")
	require.NoError(t, err)
	assert.Equal(t, "[composer install] Loading composer repositories\n[composer install] Done\n", out.String())
}

func TestCommandOutput_CloseWritesTrailingLine(t *testing.T) {
	var out bytes.Buffer
	w := commandOutput{out: &out}.Command(config.Command{Command: "npm run build"})

	_, err := io.WriteString(w, "built\n99% done")
	require.NoError(t, err)
	assert.Equal(t, "[npm run build] built\n", out.String())

	c, ok := w.(io.Closer)
	require.True(t, ok)
	require.NoError(t, c.Close())
	assert.Equal(t, "[npm run build] built\n[npm run build] 99% done\n", out.String())

	require.NoError(t, c.Close())
	assert.Equal(t, "[npm run build] built\n[npm run build] 99% done\n", out.String())
}

func TestRawOptions(t *testing.T) {
	raw := transferFlags{ref: "main", tags: []string{"db"}, dryRun: true}.rawOptions(engine.DirectionUp, "live", "/src")
	assert.Equal(t, "up", raw[engine.OptDirection])
	assert.Equal(t, "live", raw[engine.OptTarget])
	assert.Equal(t, "main", raw[engine.OptBranch])
	assert.Equal(t, []string{"db"}, raw[engine.OptCommandTags])
	assert.Equal(t, true, raw[engine.OptDryRun])
	assert.NotContains(t, raw, engine.OptPath)
	assert.NotNil(t, raw[engine.OptDeploymentProvider])
}

// site creates a working copy with a beam.yml deploying to a local webroot
func site(t *testing.T, extra string) (webroot string) {
	t.Helper()

	src := t.TempDir()
	webroot = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "index.php"), []byte("<?php echo 'v1';\n"), 0o644))

	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	cfgFile = writeConfig(t, src, `servers:
  site:
    type: local
    webroot: `+webroot+`
`+extra+`
exclude:
  - beam.yml
`)
	return webroot
}

func runTransferCmd(t *testing.T, input string, flags transferFlags) (string, error) {
	t.Helper()

	origTerminal := isTerminal
	t.Cleanup(func() { isTerminal = origTerminal })
	isTerminal = func(f *os.File) bool { return f == os.Stdin }

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(input))

	err := transfer(context.Background(), cmd, discardLogger(), engine.DirectionUp, "site", flags)
	return out.String(), err
}

func TestTransfer_NoPrompt(t *testing.T) {
	webroot := site(t, "")

	out, err := runTransferCmd(t, "", transferFlags{workingCopy: true, noPrompt: true})
	require.NoError(t, err)
	assert.Contains(t, out, "You're about to sync files between:")
	assert.Contains(t, out, "sent       index.php (new)")
	assert.Contains(t, out, "1 file changed: 1 sent")
	assert.FileExists(t, filepath.Join(webroot, "index.php"))
	assert.NoFileExists(t, filepath.Join(webroot, config.DefaultFile))
}

func TestTransfer_DryRunStopsAfterPreview(t *testing.T) {
	webroot := site(t, "")

	out, err := runTransferCmd(t, "", transferFlags{workingCopy: true, dryRun: true})
	require.NoError(t, err)
	assert.Contains(t, out, "dry run")
	assert.Contains(t, out, "sent       index.php (new)")
	assert.NotContains(t, out, "[prompt]")
	assert.NoFileExists(t, filepath.Join(webroot, "index.php"))
}

func TestTransfer_ConfirmAndApply(t *testing.T) {
	webroot := site(t, "")

	out, err := runTransferCmd(t, "y\n", transferFlags{workingCopy: true})
	require.NoError(t, err)
	assert.Contains(t, out, "Is this okay?")
	assert.FileExists(t, filepath.Join(webroot, "index.php"))

	out, err = runTransferCmd(t, "", transferFlags{workingCopy: true})
	require.NoError(t, err)
	assert.Contains(t, out, "No changed files")
}

func TestTransfer_UserCancels(t *testing.T) {
	webroot := site(t, "")

	_, err := runTransferCmd(t, "n\n", transferFlags{workingCopy: true})
	assert.ErrorIs(t, err, errCancelled)
	assert.NoFileExists(t, filepath.Join(webroot, "index.php"))
}

func TestTransfer_DeletionsNeedSecondConfirmation(t *testing.T) {
	webroot := site(t, "    delete: true")
	require.NoError(t, os.WriteFile(filepath.Join(webroot, "stale.php"), []byte("old"), 0o644))

	out, err := runTransferCmd(t, "y\n\n", transferFlags{workingCopy: true})
	assert.ErrorIs(t, err, errCancelled)
	assert.Contains(t, out, "1 file is going to be deleted in this deployment, are you sure this is okay? [y/N]")
	assert.FileExists(t, filepath.Join(webroot, "stale.php"))
	assert.NoFileExists(t, filepath.Join(webroot, "index.php"))

	_, err = runTransferCmd(t, "y\ny\n", transferFlags{workingCopy: true})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(webroot, "stale.php"))
	assert.FileExists(t, filepath.Join(webroot, "index.php"))
}

func TestTransfer_UnknownTarget(t *testing.T) {
	site(t, "")

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	err := transfer(context.Background(), cmd, discardLogger(), engine.DirectionUp, "prod", transferFlags{workingCopy: true, noPrompt: true})
	assert.ErrorIs(t, err, engine.ErrInvalidOption)
}

func TestHandleProviderFailure(t *testing.T) {
	failure := errors.New("rsync failed: exit status 23")

	var out bytes.Buffer
	err := handleProviderFailure(&out, newPrompter(strings.NewReader("\n"), &out, true), failure)
	assert.ErrorIs(t, err, failure)
	assert.Contains(t, out.String(), "[error] rsync failed: exit status 23")

	out.Reset()
	err = handleProviderFailure(&out, newPrompter(strings.NewReader("y\n"), &out, true), failure)
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "Continuing after a failed transfer")
}

func TestHandleProviderFailure_RequiredHookIsFatal(t *testing.T) {
	failure := fmt.Errorf("post target hooks: %w", &hooks.Error{
		Command: config.Command{Command: "./bin/migrate", Required: true},
		Err:     errors.New("exit status 1"),
	})

	var out bytes.Buffer
	err := handleProviderFailure(&out, newPrompter(strings.NewReader("y\n"), &out, true), failure)
	assert.ErrorIs(t, err, hooks.ErrHookFailed)
	assert.NotContains(t, out.String(), "Do you want to continue?")
	assert.NotContains(t, out.String(), "Continuing after a failed transfer")

	out.Reset()
	err = handleProviderFailure(&out, newPrompter(strings.NewReader("y\n"), &out, true), context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, out.String(), "Do you want to continue?")
}
