package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/maxsu/zotero/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// CLIFlags holds the global persistent flags shared by every command.
type CLIFlags struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries the resolved configuration, the logger, and the global
// flags to every command. Built by PersistentPreRunE and stored on the
// command context, so commands stay free of package-level state.
type CLIContext struct {
	Cfg    *config.Resolved
	Logger *slog.Logger
	Flags  CLIFlags
}

// ctxKey is the private context key type for CLIContext values.
type ctxKey struct{}

// withCLIContext returns a copy of ctx carrying cc.
func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, cc)
}

// mustCLIContext retrieves the CLIContext stored by the root pre-run.
// Panics when absent: that is a wiring bug, not a user error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(ctxKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:   "zotero",
		Short: "Zotero sync client",
		Long: `A fast, safe Zotero sync client for Linux and macOS.

Mirrors item data, attachment files, and full-text content from the
personal library and accessible group libraries into a local SQLite
database and storage directory.`,
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		// PersistentPreRunE resolves configuration and builds the logger for
		// every command. Resolution succeeds with no config file and no
		// credentials, so no command needs to opt out; commands that require
		// a key check for it themselves.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := buildCLIContext(cmd, flags)
			if err != nil {
				return err
			}

			cmd.SetContext(withCLIContext(cmd.Context(), cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flags.DataDir, "data-dir", "", "data directory for the database and attachment storage")
	cmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	// Register subcommands.
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newLibrariesCmd())
	cmd.AddCommand(newSkipCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// buildCLIContext resolves the effective configuration from the four-layer
// override chain and builds the logger shared by every command.
func buildCLIContext(cmd *cobra.Command, flags *CLIFlags) (*CLIContext, error) {
	cli := config.CLIOverrides{
		ConfigPath: flags.ConfigPath,
		LogLevel:   flags.LogLevel,
	}

	// Only pass --data-dir to the resolver if the user explicitly set it.
	if cmd.Flags().Changed("data-dir") {
		cli.DataDir = &flags.DataDir
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := buildLogger(resolved, flags)
	if err != nil {
		return nil, err
	}

	return &CLIContext{Cfg: resolved, Logger: logger, Flags: *flags}, nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. The config file provides the baseline level; --verbose and
// --quiet override it because CLI flags always win. Format "auto" selects
// the text handler on a terminal and JSON everywhere else, log files
// included.
func buildLogger(cfg *config.Resolved, flags *CLIFlags) (*slog.Logger, error) {
	level := slog.LevelInfo

	switch cfg.Config.Logging.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	// CLI flags override config (highest priority).
	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	w := io.Writer(os.Stderr)
	toTerminal := isatty.IsTerminal(os.Stderr.Fd())

	if path := cfg.Config.Logging.LogFile; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}

		// The handle lives as long as the process; exit closes it.
		w = f
		toTerminal = false
	}

	format := cfg.Config.Logging.LogFormat
	if format == "auto" {
		if toTerminal {
			format = "text"
		} else {
			format = "json"
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}

	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// logFilePermissions is the mode for log files created by buildLogger.
const logFilePermissions = 0o644

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
