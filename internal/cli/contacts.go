package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ava/internal/calls"
	"github.com/roach88/ava/internal/contacts"
	"github.com/roach88/ava/internal/store"
)

// ContactsOptions holds flags for the contacts command.
type ContactsOptions struct {
	*RootOptions
	Database string
	File     string
	Sort     string
	Limit    int
}

// ContactsResult is the JSON payload of the contacts command.
type ContactsResult struct {
	Sort     contacts.SortKey   `json:"sort"`
	Total    int                `json:"total"`
	Calls    int                `json:"calls"`
	Contacts []contacts.Contact `json:"contacts"`
}

// NewContactsCommand creates the contacts command.
func NewContactsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ContactsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Group calls into contacts by caller number",
		Long: `Roll call records up into one contact per normalized caller number.

Calls are read from the local database, or from a JSON file holding either
an array of calls or a call listing response. Calls without a number are
grouped under "unknown".

Sort keys:
  recent   - most recent call first (default)
  frequent - most calls first
  oldest   - earliest first call first

Examples:
  ava contacts --db ./ava.db
  ava contacts --file calls.json --sort frequent --limit 10
  ava contacts --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContacts(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (defaults to store.path)")
	cmd.Flags().StringVar(&opts.File, "file", "", "read calls from a JSON file instead of the database")
	cmd.Flags().StringVar(&opts.Sort, "sort", string(contacts.SortRecent), "sort key (recent|frequent|oldest)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "show at most this many contacts (0 = all)")
	cmd.MarkFlagsMutuallyExclusive("db", "file")

	return cmd
}

func runContacts(opts *ContactsOptions, cmd *cobra.Command) error {
	key, err := contacts.ParseSortKey(opts.Sort)
	if err != nil {
		return fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeInput, "invalid sort key", err, "")
	}
	if opts.Limit < 0 {
		return fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeInput, "--limit must not be negative", nil, "")
	}

	records, err := loadContactCalls(opts, cmd)
	if err != nil {
		return err
	}

	grouped := contacts.Sort(contacts.Group(records), key)
	total := len(grouped)
	if opts.Limit > 0 && len(grouped) > opts.Limit {
		grouped = grouped[:opts.Limit]
	}

	result := ContactsResult{
		Sort:     key,
		Total:    total,
		Calls:    len(records),
		Contacts: grouped,
	}

	if opts.Format == "json" {
		return writeJSON(cmd, result)
	}
	return outputContactsText(cmd, result, opts.Verbose)
}

// loadContactCalls reads calls from --file, or from the database.
func loadContactCalls(opts *ContactsOptions, cmd *cobra.Command) ([]calls.Call, error) {
	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return nil, fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeInput, "failed to read calls file", err, "")
		}
		records, err := decodeCalls(data)
		if err != nil {
			return nil, fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeInput,
				fmt.Sprintf("invalid calls file %s", opts.File), err, "")
		}
		newFormatter(cmd, opts.RootOptions).VerboseLog("loaded %d calls from %s", len(records), opts.File)
		return records, nil
	}

	dbPath := opts.Database
	if dbPath == "" {
		cfg, _, err := loadConfig(opts.RootOptions, cmd)
		if err != nil {
			return nil, err
		}
		dbPath = cfg.Store.Path
	}

	st, err := openExistingStore(cmd, opts.RootOptions, dbPath)
	if err != nil {
		return nil, err
	}
	defer closeStore(st)

	records, err := st.ListCalls(context.Background(), store.Filter{})
	if err != nil {
		return nil, fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeStore, "failed to list calls", err, "")
	}
	newFormatter(cmd, opts.RootOptions).VerboseLog("loaded %d calls from %s", len(records), dbPath)
	return records, nil
}

// decodeCalls accepts a JSON array of calls or a listing response object.
func decodeCalls(data []byte) ([]calls.Call, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []calls.Call
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var resp calls.ListResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, err
	}
	return resp.Calls, nil
}

const (
	contactsHeaderFormat = "%-18s %5s %10s %10s  %-20s  %s\n"
	contactsRowFormat    = "%-18s %5d %10s %10s  %-20s  %s\n"
)

func outputContactsText(cmd *cobra.Command, result ContactsResult, verbose bool) error {
	w := cmd.OutOrStdout()

	if result.Total == 0 {
		fmt.Fprintln(w, "No calls found.")
		return nil
	}

	fmt.Fprintf(w, "Contacts: %d (sorted by %s)\n\n", result.Total, result.Sort)
	fmt.Fprintf(w, contactsHeaderFormat, "CONTACT", "CALLS", "TOTAL", "AVG", "LAST CALL", "FIRST CALL")
	for _, c := range result.Contacts {
		fmt.Fprintf(w, contactsRowFormat,
			c.ID,
			c.CallCount,
			formatSeconds(c.TotalDurationSeconds),
			formatSeconds(c.AverageDurationSeconds),
			c.LastCallAt,
			c.FirstCallAt,
		)
		if verbose {
			for _, rc := range c.RecentCalls {
				fmt.Fprintf(w, "    %-20s  %-12s %8s  %s\n",
					rc.Start(), rc.Status, formatSeconds(rc.Duration()), rc.ID)
			}
		}
	}

	if len(result.Contacts) < result.Total {
		fmt.Fprintf(w, "\n(%d more not shown)\n", result.Total-len(result.Contacts))
	}
	return nil
}

// formatSeconds renders a duration in seconds rounded to the second.
func formatSeconds(s float64) string {
	return time.Duration(s * float64(time.Second)).Round(time.Second).String()
}
