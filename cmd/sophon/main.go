package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ligustah/sophon/internal/config"
	"github.com/ligustah/sophon/internal/engine"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitCancelled        = 3
	ExitUpdateRequired   = 4
	ExitUpToDate         = 5
	ExitStorageError     = 6
	ExitValidationFailed = 7
)

var (
	version = "dev"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

// exitError carries a specific exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, engine.ErrCancelled), errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.Is(err, engine.ErrUpdateRequired):
		return ExitUpdateRequired
	case errors.Is(err, engine.ErrUpToDate):
		return ExitUpToDate
	case errors.Is(err, engine.ErrInvalidRequest):
		return ExitInvalidArgs
	case errors.Is(err, engine.ErrVerify):
		return ExitValidationFailed
	default:
		return ExitGeneralError
	}
}

var rootCmd = &cobra.Command{
	Use:   "sophon",
	Short: "Install, update and repair games from Sophon chunk manifests",
	Long: `sophon keeps a local game installation in sync with the Sophon content
delivery system: chunked installs, diff-based updates and integrity repairs.

It runs one operation from the command line or serves a local HTTP API with
per-task event streams for a launcher.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sophon %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	rootCmd.AddCommand(installCmd, updateCmd, repairCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infoCmd, onlineCmd)
	rootCmd.AddCommand(manifestCmd, mirrorCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig layers defaults, the config file, the environment and the
// global flags.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		var err error
		cfg, err = config.LoadFromFile(cfgFile)
		if err != nil {
			return config.Config{}, withExitCode(ExitInvalidArgs, err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, withExitCode(ExitInvalidArgs, err)
	}
	cfg = cfg.Merge(config.Config{LogLevel: logLevel, LogFormat: logFormat})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, withExitCode(ExitInvalidArgs, err)
	}
	return cfg, nil
}

// setupLogger writes to stderr so stdout stays free for command output.
func setupLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[sophon] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
