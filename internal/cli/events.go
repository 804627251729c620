package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ava/internal/store"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Database string
	After    int64
	Limit    int
}

// EventsResult is the JSON payload of the events command.
type EventsResult struct {
	Events  []store.StoredEvent `json:"events"`
	LastSeq int64               `json:"last_seq"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List realtime events stored by watch",
		Long: `List events from the local event log in arrival order.

Use --after with the last seq you have seen to page through the log.

Examples:
  ava events --db ./ava.db
  ava events --after 120 --limit 50
  ava events --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to store.path)")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events with seq greater than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum events to list (0 = all)")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	dbPath := opts.Database
	if dbPath == "" {
		cfg, _, err := loadConfig(opts.RootOptions, cmd)
		if err != nil {
			return err
		}
		dbPath = cfg.Store.Path
	}

	st, err := openExistingStore(cmd, opts.RootOptions, dbPath)
	if err != nil {
		return err
	}
	defer closeStore(st)

	events, err := st.ListEvents(ctx, opts.After, opts.Limit)
	if err != nil {
		return fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeStore, "failed to list events", err, "")
	}
	last, err := st.LastSeq(ctx)
	if err != nil {
		return fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeStore, "failed to read last seq", err, "")
	}

	if opts.Format == "json" {
		return writeJSON(cmd, EventsResult{Events: events, LastSeq: last})
	}

	w := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return nil
	}

	fmt.Fprintf(w, "%6s  %-24s  %-25s  %s\n", "SEQ", "TYPE", "TIMESTAMP", "CALL")
	for _, e := range events {
		callID := e.CallID
		if callID == "" {
			callID = "-"
		}
		fmt.Fprintf(w, "%6d  %-24s  %-25s  %s\n", e.Seq, e.Type, e.Timestamp, callID)
		if opts.Verbose {
			fmt.Fprintf(w, "        %s\n", e.Payload)
		}
	}
	fmt.Fprintf(w, "\n%d events (last seq %d)\n", len(events), last)
	return nil
}
