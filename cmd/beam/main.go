package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schaermu/beam/internal/config"
	"github.com/schaermu/beam/internal/deployment"
	"github.com/schaermu/beam/internal/deployment/local"
	"github.com/schaermu/beam/internal/deployment/rsync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// settings binds the global flags to BEAM_* environment variables
	settings = viper.New()

	// providers maps server types to deployment providers
	providers = deployment.Registry{
		config.TypeRsync: rsync.New,
		config.TypeLocal: local.New,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "beam",
	Short: "Deploy a branch of a repository to a server",
	Long: `beam exports a branch of your repository, shows which files will change on
the target and transfers exactly those files.

Targets are defined in beam.yml next to the repository. Commands can be run
locally or on the target before and after the transfer.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		resolveGlobals()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "beam %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultFile, "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	settings.SetEnvPrefix("BEAM")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	for _, name := range []string{"config", "log-level", "log-format"} {
		_ = settings.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	addTransferFlags(upCmd)
	addTransferFlags(downCmd)

	// Add commands
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(downCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolveGlobals applies flag and environment precedence to the globals
func resolveGlobals() {
	cfgFile = settings.GetString("config")
	logLevel = settings.GetString("log-level")
	logFormat = settings.GetString("log-format")
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Stdout carries the change list, logs go to stderr
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler).With("run_id", uuid.NewString())
}

func loadConfig(logger *slog.Logger) (*config.Config, string, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultFile
	}
	configPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve config path: %w", err)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}

	logger.Debug("configuration loaded",
		"servers", cfg.ServerIDs(),
		"commands", len(cfg.Commands),
		"exclude", cfg.Exclude)

	// The repository is the directory holding the config file
	return cfg, filepath.Dir(configPath), nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
