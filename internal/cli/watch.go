package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/ava/internal/calls"
	"github.com/roach88/ava/internal/realtime"
	"github.com/roach88/ava/internal/store"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Database string
	URL      string
	Count    int
}

// WatchResult is the JSON payload of the watch command.
type WatchResult struct {
	Received int `json:"received"`
	Stored   int `json:"stored"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the realtime event stream",
		Long: `Connect to the realtime event stream and print each event as it arrives.

The connection is re-established with exponential backoff after a drop
unless realtime.reconnect is false. With --db every event is appended to
the local event log and call lifecycle events update the stored calls.

Stops on SIGINT/SIGTERM, or after --count events.

Examples:
  ava watch --url ws://localhost:8000/ws
  ava watch --db ./ava.db
  ava watch --count 10 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "apply events to this SQLite database")
	cmd.Flags().StringVar(&opts.URL, "url", "", "realtime endpoint (defaults to realtime.url)")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many events (0 = until interrupted)")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	cfg, logger, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	endpoint := opts.URL
	if endpoint == "" {
		endpoint = cfg.Realtime.URL
	}
	if endpoint == "" {
		return fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeConfig,
			"no realtime endpoint: set --url, realtime.url or AVA_REALTIME_URL", nil, "")
	}
	if opts.Count < 0 {
		return fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeInput, "--count must not be negative", nil, "")
	}

	var st *store.Store
	if opts.Database != "" {
		st, err = store.Open(opts.Database, store.WithLogger(logger))
		if err != nil {
			return fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeStore, "failed to open database", err, "")
		}
		defer closeStore(st)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	var (
		received atomic.Int64
		stored   atomic.Int64
		done     = make(chan struct{})
	)
	w := cmd.OutOrStdout()
	jsonOut := opts.Format == "json"

	handler := func(ev realtime.Event) {
		n := received.Add(1)
		if opts.Count > 0 && n > int64(opts.Count) {
			return
		}
		if st != nil {
			// Stored even when the watch is interrupted mid-event.
			if _, err := st.ApplyEvent(context.WithoutCancel(ctx), ev); err != nil {
				logger.Error("failed to store event", "type", ev.Type, "error", err)
			} else {
				stored.Add(1)
			}
		}
		if !jsonOut {
			printEvent(w, ev)
		}
		if opts.Count > 0 && n == int64(opts.Count) {
			close(done)
		}
	}

	header := http.Header{}
	if cfg.Auth.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Auth.Token)
	}

	client, err := realtime.NewClient(realtime.Config{
		URL:         endpoint,
		Header:      header,
		NoReconnect: !cfg.Realtime.Reconnect,
		Backoff: realtime.Backoff{
			Base: cfg.Realtime.BaseDelay,
			Max:  cfg.Realtime.MaxDelay,
		},
		SendRate:  cfg.Realtime.SendRate,
		SendBurst: cfg.Realtime.SendBurst,
		Handler:   handler,
		OnStatus: func(s realtime.Status) {
			logger.Info("realtime status", "status", s, "url", endpoint)
		},
		Logger: logger,
	})
	if err != nil {
		return fail(cmd, opts.RootOptions, ExitCommandError, ErrCodeConfig, "failed to create realtime client", err, "")
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	client.Connect()
	select {
	case <-ctx.Done():
	case <-done:
	}
	client.Disconnect()
	client.Wait()

	result := WatchResult{
		Received: int(received.Load()),
		Stored:   int(stored.Load()),
	}
	if opts.Count > 0 && result.Received > opts.Count {
		result.Received = opts.Count
	}
	logger.Info("watch stopped", "received", result.Received, "stored", result.Stored)

	if jsonOut {
		return writeJSON(cmd, result)
	}
	if st != nil {
		fmt.Fprintf(w, "Received %d events (%d stored)\n", result.Received, result.Stored)
	} else {
		fmt.Fprintf(w, "Received %d events\n", result.Received)
	}
	return nil
}

// printEvent writes one event line: timestamp, type and a summary.
func printEvent(w io.Writer, ev realtime.Event) {
	ts := ev.Timestamp
	if ts == "" {
		ts = "-"
	}
	fmt.Fprintf(w, "%s  %-24s  %s\n", ts, ev.Type, describeEvent(ev))
}

// describeEvent summarizes the typed payload of ev.
func describeEvent(ev realtime.Event) string {
	payload, err := ev.Decode()
	if err != nil {
		if !ev.Type.Known() {
			return string(ev.Payload)
		}
		return "(undecodable payload)"
	}
	switch p := payload.(type) {
	case realtime.CallStarted:
		return fmt.Sprintf("call %s started (assistant %s)", p.CallID, p.AssistantID)
	case realtime.CallUpdated:
		if p.DurationSeconds != nil {
			return fmt.Sprintf("call %s %s (%s)", p.CallID, p.Status, formatSeconds(*p.DurationSeconds))
		}
		return fmt.Sprintf("call %s %s", p.CallID, p.Status)
	case realtime.CallEnded:
		if p.Transcript != nil {
			return fmt.Sprintf("call %s ended: %s", p.CallID, calls.Preview(*p.Transcript))
		}
		return fmt.Sprintf("call %s ended", p.CallID)
	case realtime.TranscriptChunk:
		return fmt.Sprintf("call %s [%s] %s", p.CallID, p.Role, p.Text)
	case realtime.FunctionExecuted:
		return fmt.Sprintf("call %s ran %s", p.CallID, p.FunctionName)
	case realtime.AssistantStatusChanged:
		return fmt.Sprintf("assistant %s %s", p.AssistantID, p.Status)
	}
	return ""
}
