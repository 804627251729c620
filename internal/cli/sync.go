package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ava/internal/action"
	"github.com/roach88/ava/internal/backend"
	"github.com/roach88/ava/internal/calls"
	"github.com/roach88/ava/internal/config"
	"github.com/roach88/ava/internal/store"
)

// syncLabel is the metrics label of the guarded fetch.
const syncLabel = "calls.sync"

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Database string
	Limit    int
	Status   string
}

// SyncResult is the JSON payload of the sync command.
type SyncResult struct {
	Fetched    int                   `json:"fetched"`
	Reported   int                   `json:"reported"`
	Stored     int                   `json:"stored"`
	TotalCalls int                   `json:"total_calls"`
	Metrics    *action.ActionMetrics `json:"metrics,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch call history from the backend into the local database",
		Long: `Fetch the call listing from the backend and upsert every call into the
local database. The database is created if it does not exist.

Credentials come from AVA_TOKEN and AVA_REFRESH_TOKEN. An expired access
token is refreshed once and the request retried.

Exit codes:
  0 - Calls synced
  1 - Backend unavailable or session expired
  2 - Command error (config, database, rejected request)

Examples:
  ava sync
  ava sync --db ./ava.db --limit 100 --status ended
  ava sync --config ava.yaml --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to store.path)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum calls to fetch (0 = server default)")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only fetch calls with this status")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}

	counters := action.NewCounters(nil)
	client, err := newBackendClient(cfg, counters, logger)
	if err != nil {
		return fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeConfig, "failed to create backend client", err, "")
	}

	fetch := action.New(
		func(ctx context.Context, o backend.ListOptions) (calls.ListResponse, error) {
			return client.ListCalls(backend.WithDedupeKey(ctx, syncLabel), o)
		},
		action.WithMetrics[calls.ListResponse](syncLabel, counters),
		action.WithLogger[calls.ListResponse](logger),
	)
	defer fetch.Close()

	logger.Info("fetching calls", "backend", cfg.Backend.URL, "limit", opts.Limit, "status", opts.Status)
	resp, err := fetch.Run(ctx, backend.ListOptions{Limit: opts.Limit, Status: opts.Status})
	if err != nil {
		return backendFailure(cmd, opts.RootOptions, "failed to fetch calls", err)
	}

	st, err := store.Open(cfg.Store.Path, store.WithLogger(logger))
	if err != nil {
		return fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeStore, "failed to open database", err, "")
	}
	defer closeStore(st)

	stored, err := st.UpsertCalls(ctx, resp.Calls)
	if err != nil {
		return fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeStore, "failed to store calls", err, "")
	}
	total, err := st.CountCalls(ctx)
	if err != nil {
		return fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeStore, "failed to count calls", err, "")
	}

	result := SyncResult{
		Fetched:    len(resp.Calls),
		Reported:   resp.Total,
		Stored:     stored,
		TotalCalls: total,
	}
	if m, ok := counters.Snapshot(syncLabel); ok {
		result.Metrics = &m
	}
	logger.Info("calls synced", "fetched", result.Fetched, "stored", stored, "db", cfg.Store.Path)

	if opts.Format == "json" {
		return writeJSON(cmd, result)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Fetched %d of %d calls\n", result.Fetched, result.Reported)
	fmt.Fprintf(w, "Stored %d (database now holds %d)\n", result.Stored, result.TotalCalls)
	if result.Metrics != nil {
		fmt.Fprintf(w, "%s: runs=%d last=%s\n", syncLabel, result.Metrics.Runs,
			result.Metrics.LastDuration.Round(time.Millisecond))
	}
	return nil
}

// newBackendClient builds an API client from the resolved config.
func newBackendClient(cfg config.Config, metrics action.MetricsSink, logger *slog.Logger) (*backend.Client, error) {
	return backend.New(backend.Config{
		BaseURL: cfg.Backend.URL,
		Timeout: cfg.Backend.Timeout,
		Credentials: backend.Credentials{
			AccessToken:  cfg.Auth.Token,
			RefreshToken: cfg.Auth.RefreshToken,
		},
		Metrics: metrics,
		Logger:  logger,
	})
}

// backendFailure maps a backend error to an exit code and error code.
func backendFailure(cmd *cobra.Command, opts *RootOptions, message string, err error) error {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, backend.ErrSessionExpired):
		return fail(cmd, opts, ExitFailure, ErrCodeSession, message, err, requestID(err))
	case errors.Is(err, backend.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return fail(cmd, opts, ExitFailure, ErrCodeUnavailable, message, err, "")
	case errors.As(err, &apiErr):
		if apiErr.Status >= 500 {
			return fail(cmd, opts, ExitFailure, ErrCodeUnavailable, message, err, apiErr.RequestID)
		}
		return fail(cmd, opts, ExitCommandError, ErrCodeAPI, message, err, apiErr.RequestID)
	}
	return fail(cmd, opts, ExitFailure, ErrCodeGeneric, message, err, "")
}

func requestID(err error) string {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		return apiErr.RequestID
	}
	return ""
}
