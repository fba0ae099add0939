package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sarth-shah20/stasis/internal/config"
	"github.com/sarth-shah20/stasis/internal/docker"
	"github.com/sarth-shah20/stasis/internal/engine"
	"github.com/sarth-shah20/stasis/internal/orchestrator"
	"github.com/sarth-shah20/stasis/internal/stack"
)

var (
	// settings and logger are loaded by PersistentPreRunE before any command runs.
	settings *config.Settings
	logger   *slog.Logger

	settingsFile string
	vp           = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           "stasis",
	Short:         "Stasis: Local environment management",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(vp, settingsFile)
		if err != nil {
			return err
		}
		settings = loaded
		logger = SetupLogger(settings.Log)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps an error returned by Execute onto the process exit code.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return orchestrator.Classify(err).ExitCode()
}

// exitError passes a command's own exit status through (exec, run).
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&settingsFile, "settings", "", "orchestrator settings file (default "+config.DefaultSettingsFile+" if present)")
	flags.StringP("file", "f", "", "stack descriptor (default stasis.yaml)")
	flags.String("env-file", "", "environment source (default .env)")
	flags.StringP("project", "p", "", "project name (default: descriptor name, then directory name)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("docker-host", "", "container engine endpoint (default DOCKER_HOST)")

	for key, flag := range map[string]string{
		"file":        "file",
		"env_file":    "env-file",
		"project":     "project",
		"log.level":   "log-level",
		"log.format":  "log-format",
		"docker.host": "docker-host",
	} {
		_ = vp.BindPFlag(key, flags.Lookup(flag))
	}
}

// SetupLogger creates a logger with the configured level and format. Logs
// go to stderr so stdout carries service output only.
func SetupLogger(cfg config.LogSettings) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// loadStack reads the environment source and the descriptor named by the
// settings. Relative paths in the descriptor resolve against its directory.
func loadStack() (*stack.Stack, *config.EnvSource, error) {
	// a missing .env is fine unless it was asked for by name
	optional := !rootCmd.PersistentFlags().Changed("env-file") && !vp.InConfig("env_file")
	env, err := config.LoadEnvFile(settings.EnvFile, optional)
	if err != nil {
		return nil, nil, err
	}

	path, err := filepath.Abs(settings.File)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", stack.ErrInvalidDescriptor, err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", stack.ErrInvalidDescriptor, err)
	}

	st, err := stack.Parse(content, env, stack.ParseOptions{
		WorkingDir:  filepath.Dir(path),
		ProjectName: settings.Project,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("loaded stack", "project", st.Name, "file", path, "services", len(st.Services))
	return st, env, nil
}

// newEngine connects to the container engine, or returns an in-memory
// engine for a dry run.
func newEngine(ctx context.Context, dryRun bool) (engine.Engine, error) {
	if dryRun {
		logger.Info("dry run: no containers will be touched")
		return engine.NewMemory(), nil
	}

	mgr, err := docker.NewManager(settings.Docker.Host)
	if err != nil {
		return nil, err
	}
	if err := mgr.Ping(ctx); err != nil {
		mgr.Close()
		return nil, err
	}
	return mgr, nil
}

// newOrchestrator builds an orchestrator from the loaded settings.
func newOrchestrator(eng engine.Engine, configure func(*orchestrator.Config)) *orchestrator.Orchestrator {
	cfg := orchestrator.ConfigFromSettings(settings)
	if configure != nil {
		configure(&cfg)
	}
	return orchestrator.New(eng, cfg, logger)
}
