package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ava/internal/store"
)

// isolateEnv blanks every variable config.Load reads, so the host
// environment cannot leak into a test.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AVA_BACKEND_URL", "NEXT_PUBLIC_API_URL", "APP_BACKEND_URL",
		"AVA_REALTIME_URL", "NEXT_PUBLIC_REALTIME_URL",
		"AVA_DB", "AVA_LOG_LEVEL", "AVA_TOKEN", "AVA_REFRESH_TOKEN",
	} {
		t.Setenv(k, "")
	}
}

const listBody = `{
	"calls": [
		{"id": "c1", "assistantId": "asst-1", "customerNumber": "+15550100001", "status": "ended",
		 "startedAt": "2024-05-01T09:00:00Z", "durationSeconds": 60},
		{"id": "c2", "assistantId": "asst-1", "customerNumber": "+15550100002", "status": "in-progress",
		 "startedAt": "2024-05-02T09:00:00Z"}
	],
	"total": 7
}`

type callsBackend struct {
	server *httptest.Server
	hits   atomic.Int32
	status atomic.Int32
	query  atomic.Value // string
	auth   atomic.Value // string
}

func newCallsBackend(t *testing.T) *callsBackend {
	t.Helper()
	b := &callsBackend{}
	b.status.Store(http.StatusOK)
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		b.query.Store(r.URL.RawQuery)
		b.auth.Store(r.Header.Get("Authorization"))
		if r.URL.Path != "/api/v1/calls" {
			http.NotFound(w, r)
			return
		}
		status := int(b.status.Load())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			fmt.Fprintf(w, `{"detail": "status %d"}`, status)
			return
		}
		fmt.Fprint(w, listBody)
	}))
	t.Cleanup(b.server.Close)
	return b
}

func runSyncCommand(t *testing.T, rootOpts *RootOptions, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewSyncCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestSyncStoresCalls(t *testing.T) {
	isolateEnv(t)
	backend := newCallsBackend(t)
	t.Setenv("AVA_BACKEND_URL", backend.server.URL)
	t.Setenv("AVA_TOKEN", "tok-1")

	dbPath := filepath.Join(t.TempDir(), "ava.db")
	out, err := runSyncCommand(t, &RootOptions{Format: "text"},
		"--db", dbPath, "--limit", "50", "--status", "ended")
	require.NoError(t, err)

	assert.Contains(t, out, "Fetched 2 of 7 calls")
	assert.Contains(t, out, "Stored 2 (database now holds 2)")
	assert.Contains(t, out, "calls.sync: runs=1")
	assert.Equal(t, "Bearer tok-1", backend.auth.Load())
	assert.Equal(t, "limit=50&status=ended", backend.query.Load())

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	c, err := st.GetCall(context.Background(), "c2")
	require.NoError(t, err)
	assert.Equal(t, "in-progress", c.Status)
}

func TestSyncIsIdempotent(t *testing.T) {
	isolateEnv(t)
	backend := newCallsBackend(t)
	t.Setenv("AVA_BACKEND_URL", backend.server.URL)

	dbPath := filepath.Join(t.TempDir(), "ava.db")
	for i := 0; i < 2; i++ {
		out, err := runSyncCommand(t, &RootOptions{Format: "text"}, "--db", dbPath)
		require.NoError(t, err)
		assert.Contains(t, out, "database now holds 2")
	}
	assert.Equal(t, int32(2), backend.hits.Load())
}

func TestSyncJSONOutput(t *testing.T) {
	isolateEnv(t)
	backend := newCallsBackend(t)
	t.Setenv("AVA_BACKEND_URL", backend.server.URL)

	out, err := runSyncCommand(t, &RootOptions{Format: "json"},
		"--db", filepath.Join(t.TempDir(), "ava.db"))
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   SyncResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Fetched)
	assert.Equal(t, 7, resp.Data.Reported)
	assert.Equal(t, 2, resp.Data.Stored)
	require.NotNil(t, resp.Data.Metrics)
	assert.Equal(t, 1, resp.Data.Metrics.Runs)
}

func TestSyncUsesConfigFile(t *testing.T) {
	isolateEnv(t)
	backend := newCallsBackend(t)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "from-config.db")
	cfgPath := filepath.Join(dir, "ava.yaml")
	cfgYAML := fmt.Sprintf("backend:\n  url: %s\n  timeout: 5s\nstore:\n  path: %s\nlog:\n  level: warn\n",
		backend.server.URL, dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o644))

	_, err := runSyncCommand(t, &RootOptions{Format: "text", ConfigPath: cfgPath})
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database should be created at store.path")
}

func TestSyncInvalidConfig(t *testing.T) {
	isolateEnv(t)
	cfgPath := filepath.Join(t.TempDir(), "ava.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("backend:\n  uri: http://x\n"), 0o644))

	out, err := runSyncCommand(t, &RootOptions{Format: "json", ConfigPath: cfgPath})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConfig, resp.Error.Code)
}

func TestSyncBackendErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantExit int
		wantCode string
	}{
		{"server error", http.StatusInternalServerError, ExitFailure, ErrCodeUnavailable},
		{"session expired", http.StatusUnauthorized, ExitFailure, ErrCodeSession},
		{"rejected", http.StatusUnprocessableEntity, ExitCommandError, ErrCodeAPI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnv(t)
			backend := newCallsBackend(t)
			backend.status.Store(int32(tt.status))
			t.Setenv("AVA_BACKEND_URL", backend.server.URL)
			t.Setenv("AVA_TOKEN", "stale")

			dbPath := filepath.Join(t.TempDir(), "ava.db")
			out, err := runSyncCommand(t, &RootOptions{Format: "json"}, "--db", dbPath)
			require.Error(t, err)
			assert.Equal(t, tt.wantExit, GetExitCode(err))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)

			_, statErr := os.Stat(dbPath)
			assert.True(t, os.IsNotExist(statErr), "failed sync must not create the database")
		})
	}
}

func TestSyncBackendUnreachable(t *testing.T) {
	isolateEnv(t)
	backend := newCallsBackend(t)
	url := backend.server.URL
	backend.server.Close()
	t.Setenv("AVA_BACKEND_URL", url)

	_, err := runSyncCommand(t, &RootOptions{Format: "text"},
		"--db", filepath.Join(t.TempDir(), "ava.db"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to fetch calls")
}
