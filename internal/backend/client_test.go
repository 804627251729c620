package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ava/internal/action"
	"github.com/roach88/ava/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, h http.Handler, mutate func(*Config)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL:     srv.URL,
		Credentials: Credentials{AccessToken: "tok", RefreshToken: "refresh"},
		RequestIDs:  testutil.NewFixedIDs("req-1", "req-2", "req-3", "req-4"),
		Logger:      quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8000", "ws://localhost:8000", "http://"} {
		_, err := New(Config{BaseURL: u})
		assert.Error(t, err, u)
	}
}

func TestListCalls_SendsHeadersAndDecodes(t *testing.T) {
	var got *http.Request
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		writeJSON(w, http.StatusOK, map[string]any{
			"calls": []map[string]any{
				{"id": "c1", "assistantId": "a1", "status": "ended", "customerNumber": "+1555"},
				{"id": "c2", "assistantId": "a1", "status": "in-progress"},
			},
		})
	}), nil)

	resp, err := c.ListCalls(context.Background(), ListOptions{Limit: 50, Status: "ended"})
	require.NoError(t, err)

	require.Len(t, resp.Calls, 2)
	assert.Equal(t, "c1", resp.Calls[0].ID)
	assert.Equal(t, "+1555", resp.Calls[0].Number())
	assert.Equal(t, 2, resp.Total, "total defaults to the number of calls")

	require.NotNil(t, got)
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/api/v1/calls", got.URL.Path)
	assert.Equal(t, "50", got.URL.Query().Get("limit"))
	assert.Equal(t, "ended", got.URL.Query().Get("status"))
	assert.Equal(t, "req-1", got.Header.Get("X-Request-ID"))
	assert.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
}

func TestGetCall_NotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/calls/missing", r.URL.Path)
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Call not found"})
	}), nil)

	_, err := c.GetCall(context.Background(), "missing")
	require.Error(t, err)

	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, http.StatusNotFound, ae.Status)
	assert.Equal(t, "Call not found", ae.Detail)
	assert.Equal(t, "req-1", ae.RequestID)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "Call not found")
}

func TestGetCall_DecodesDetail(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         "c1",
			"status":     "ended",
			"transcript": "hello there",
			"metadata":   map[string]any{"lang": "fr"},
		})
	}), nil)

	d, err := c.GetCall(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", d.ID)
	require.NotNil(t, d.Transcript)
	assert.Equal(t, "hello there", *d.Transcript)
	assert.Equal(t, "fr", d.Metadata["lang"])

	_, err = c.GetCall(context.Background(), "")
	assert.Error(t, err)
}

func TestDeleteCall_NoContent(t *testing.T) {
	var method string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	}), nil)

	require.NoError(t, c.DeleteCall(context.Background(), "c1"))
	assert.Equal(t, http.MethodDelete, method)
}

// authServer accepts only its current access token and rotates tokens on
// refresh.
type authServer struct {
	mu        sync.Mutex
	valid     string
	refreshes atomic.Int32
	failNext  bool
	delay     time.Duration
}

func (s *authServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == refreshPath {
		s.refreshes.Add(1)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failNext || body.RefreshToken != "refresh" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid refresh token"})
			return
		}
		s.valid = "fresh"
		writeJSON(w, http.StatusOK, map[string]string{"access_token": "fresh", "refresh_token": "refresh"})
		return
	}

	s.mu.Lock()
	valid := s.valid
	s.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer "+valid {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "token expired"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": []any{}})
}

func TestUnauthorized_RefreshesAndRetries(t *testing.T) {
	srv := &authServer{valid: "fresh"}
	var saved Credentials
	c, _ := newTestClient(t, srv, func(cfg *Config) {
		cfg.OnCredentials = func(creds Credentials) { saved = creds }
	})

	_, err := c.ListCalls(context.Background(), ListOptions{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), srv.refreshes.Load())
	assert.Equal(t, "fresh", c.Credentials().AccessToken)
	assert.Equal(t, "fresh", saved.AccessToken)
}

func TestUnauthorized_ConcurrentRequestsShareOneRefresh(t *testing.T) {
	srv := &authServer{valid: "fresh", delay: 50 * time.Millisecond}
	c, _ := newTestClient(t, srv, nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.ListCalls(context.Background(), ListOptions{})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), srv.refreshes.Load(), "one refresh for every concurrent 401")
}

func TestUnauthorized_RefreshFailureExpiresSession(t *testing.T) {
	srv := &authServer{valid: "fresh", failNext: true}
	c, _ := newTestClient(t, srv, nil)

	_, err := c.ListCalls(context.Background(), ListOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
	assert.Equal(t, "tok", c.Credentials().AccessToken)
}

func TestUnauthorized_NoRefreshToken(t *testing.T) {
	srv := &authServer{valid: "fresh"}
	c, _ := newTestClient(t, srv, func(cfg *Config) {
		cfg.Credentials = Credentials{AccessToken: "tok"}
	})

	_, err := c.ListCalls(context.Background(), ListOptions{})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(0), srv.refreshes.Load())

	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRefresh_Explicit(t *testing.T) {
	srv := &authServer{valid: "fresh"}
	c, _ := newTestClient(t, srv, nil)

	creds, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Credentials{AccessToken: "fresh", RefreshToken: "refresh"}, creds)
	assert.Equal(t, creds, c.Credentials())
}

func TestRefresh_BacksOffThenGivesUp(t *testing.T) {
	srv := &authServer{valid: "fresh", failNext: true}
	clock := testutil.NewManualClock(time.Time{})
	c, _ := newTestClient(t, srv, func(cfg *Config) { cfg.Clock = clock })

	_, err := c.ListCalls(context.Background(), ListOptions{})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), srv.refreshes.Load())

	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), srv.refreshes.Load(), "no exchange during the first backoff")

	clock.Advance(time.Second)
	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(2), srv.refreshes.Load())

	clock.Advance(time.Second)
	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(2), srv.refreshes.Load(), "backoff doubles after the second failure")

	clock.Advance(time.Second)
	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(3), srv.refreshes.Load())

	clock.Advance(time.Minute)
	_, err = c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(MaxRefreshFailures), srv.refreshes.Load(), "no exchange after the failure cap")

	srv.mu.Lock()
	srv.failNext = false
	srv.mu.Unlock()
	c.SetCredentials(Credentials{AccessToken: "tok", RefreshToken: "refresh"})

	creds, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", creds.AccessToken)
	assert.Equal(t, int32(4), srv.refreshes.Load(), "new credentials lift the cap")
}

func TestRefresh_CooldownReusesRecentTokens(t *testing.T) {
	srv := &authServer{valid: "fresh"}
	clock := testutil.NewManualClock(time.Time{})
	c, _ := newTestClient(t, srv, func(cfg *Config) { cfg.Clock = clock })

	first, err := c.Refresh(context.Background())
	require.NoError(t, err)

	clock.Advance(RefreshCooldown / 2)
	second, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), srv.refreshes.Load(), "cooldown skips the exchange")

	clock.Advance(RefreshCooldown)
	_, err = c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.refreshes.Load())
}

func TestBreaker_OpensAfterServerErrors(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
	}), func(cfg *Config) {
		cfg.Breaker = BreakerSettings{Threshold: 5, OpenFor: time.Minute}
	})

	for i := 0; i < 5; i++ {
		_, err := c.ListCalls(context.Background(), ListOptions{})
		assert.True(t, IsStatus(err, http.StatusInternalServerError))
	}
	assert.True(t, c.BreakerOpen())

	_, err := c.ListCalls(context.Background(), ListOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(5), hits.Load(), "open breaker does not touch the network")
}

func TestBreaker_ClientErrorsDoNotCount(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusForbidden, map[string]string{"detail": "nope"})
	}), func(cfg *Config) {
		cfg.Breaker = BreakerSettings{Threshold: 2}
	})

	for i := 0; i < 6; i++ {
		_, err := c.ListCalls(context.Background(), ListOptions{})
		assert.True(t, IsStatus(err, http.StatusForbidden))
	}
	assert.False(t, c.BreakerOpen())
	assert.Equal(t, int32(6), hits.Load())
}

func TestBreaker_ClientErrorDoesNotResetFaults(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 4 {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "gone"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
	}), func(cfg *Config) {
		cfg.Breaker = BreakerSettings{Threshold: 5, OpenFor: time.Minute}
	})

	for i := 0; i < 4; i++ {
		_, _ = c.ListCalls(context.Background(), ListOptions{})
	}
	assert.False(t, c.BreakerOpen(), "3 faults and one 404")

	for i := 0; i < 2; i++ {
		_, _ = c.ListCalls(context.Background(), ListOptions{})
	}
	assert.True(t, c.BreakerOpen(), "the 404 sits between faults without resetting them")
	assert.Equal(t, int32(6), hits.Load())
}

func TestBreaker_SuccessResetsFaults(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 3 {
			writeJSON(w, http.StatusOK, map[string]any{"calls": []any{}})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
	}), func(cfg *Config) {
		cfg.Breaker = BreakerSettings{Threshold: 3, OpenFor: time.Minute}
	})

	for i := 0; i < 5; i++ {
		_, _ = c.ListCalls(context.Background(), ListOptions{})
	}
	assert.False(t, c.BreakerOpen(), "two faults, a success, two faults")

	_, _ = c.ListCalls(context.Background(), ListOptions{})
	assert.True(t, c.BreakerOpen())
}

func TestBreaker_TransportErrorsCount(t *testing.T) {
	c, srv := newTestClient(t, http.NotFoundHandler(), func(cfg *Config) {
		cfg.Breaker = BreakerSettings{Threshold: 2}
	})
	srv.Close()

	for i := 0; i < 2; i++ {
		_, err := c.ListCalls(context.Background(), ListOptions{})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable)
	}
	_, err := c.ListCalls(context.Background(), ListOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBreaker_RecoversAfterOpenPeriod(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": []any{}})
	}), func(cfg *Config) {
		cfg.Breaker = BreakerSettings{Threshold: 1, OpenFor: 30 * time.Millisecond}
	})

	_, err := c.ListCalls(context.Background(), ListOptions{})
	require.Error(t, err)
	require.True(t, c.BreakerOpen())

	failing.Store(false)
	time.Sleep(60 * time.Millisecond)

	_, err = c.ListCalls(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.False(t, c.BreakerOpen())
}

func TestTimeout(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}), func(cfg *Config) {
		cfg.Timeout = 30 * time.Millisecond
		cfg.Breaker = BreakerSettings{Threshold: 1}
	})

	_, err := c.ListCalls(context.Background(), ListOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.BreakerOpen(), "timeouts do not trip the breaker")
}

func TestDedupeKey_NewerRequestSupersedesOlder(t *testing.T) {
	var hits atomic.Int32
	firstArrived := make(chan struct{})
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(firstArrived)
			<-r.Context().Done()
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": []any{}})
	}), nil)

	ctx := WithDedupeKey(context.Background(), "calls")

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.ListCalls(ctx, ListOptions{})
		firstErr <- err
	}()
	<-firstArrived

	_, err := c.ListCalls(ctx, ListOptions{})
	require.NoError(t, err)

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded request did not return")
	}

	assert.Eventually(t, func() bool { return c.dedupe.inflightCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDedupeKey_DifferentKeysIndependent(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"calls": []any{}})
	}), nil)

	_, err := c.ListCalls(WithDedupeKey(context.Background(), "a"), ListOptions{})
	require.NoError(t, err)
	_, err = c.ListCalls(WithDedupeKey(context.Background(), "b"), ListOptions{})
	require.NoError(t, err)

	key, ok := DedupeKey(WithDedupeKey(context.Background(), "a"))
	assert.True(t, ok)
	assert.Equal(t, "a", key)
	_, ok = DedupeKey(context.Background())
	assert.False(t, ok)
}

func TestCancelledCallerIsNotSuperseded(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.ListCalls(WithDedupeKey(ctx, "calls"), ListOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrSuperseded)
}

func TestMetricsRecordedPerOperation(t *testing.T) {
	counters := action.NewCounters(testutil.NewManualClock(time.Time{}))
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"calls": []any{}})
	}), func(cfg *Config) {
		cfg.Metrics = counters
	})

	_, err := c.ListCalls(context.Background(), ListOptions{})
	require.NoError(t, err)
	_, err = c.ListCalls(context.Background(), ListOptions{})
	require.NoError(t, err)
	require.NoError(t, c.DeleteCall(context.Background(), "c1"))

	assert.Equal(t, []string{"calls.delete", "calls.list"}, counters.Labels())
	m, ok := counters.Snapshot("calls.list")
	require.True(t, ok)
	assert.Equal(t, 2, m.Runs)
}

func TestErrorDetail(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"detail string", `{"detail":"Call not found"}`, "Call not found"},
		{"detail object", `{"detail":[{"loc":["query","limit"]}]}`, `[{"loc":["query","limit"]}]`},
		{"message", `{"message":"bad gateway"}`, "bad gateway"},
		{"plain text", "upstream timeout\n", "upstream timeout"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorDetail([]byte(tt.body)))
		})
	}
}

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "v7 IDs sort by creation time")
}
