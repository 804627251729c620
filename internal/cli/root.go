package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/ava/internal/config"
	"github.com/roach88/ava/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the Ava CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ava",
		Short: "Ava - voice assistant client",
		Long: `Command-line client for the Ava voice assistant backend.

Syncs call history into a local SQLite database, follows the realtime
event stream and rolls calls up into per-caller contacts.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")

	cmd.AddCommand(NewContactsCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig resolves configuration and installs the default logger.
// Logs go to the command's stderr so JSON output on stdout stays clean.
func loadConfig(opts *RootOptions, cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, nil, fail(cmd, opts, ExitCommandError, ErrCodeConfig, "failed to load config", err, "")
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	logger := cfg.Logger(cmd.ErrOrStderr())
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openExistingStore opens a database that must already exist. Read-only
// commands use it so a mistyped path is reported rather than created.
func openExistingStore(cmd *cobra.Command, opts *RootOptions, path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fail(cmd, opts, ExitCommandError, ErrCodeNotFound, fmt.Sprintf("database not found: %s", path), nil, "")
		}
		return nil, fail(cmd, opts, ExitCommandError, ErrCodeStore, "failed to access database", err, "")
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fail(cmd, opts, ExitCommandError, ErrCodeStore, "failed to open database", err, "")
	}
	return st, nil
}

// closeStore closes st, logging any error.
func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
