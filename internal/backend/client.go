package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/roach88/ava/internal/action"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultTimeout          = 20 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerOpenFor   = 30 * time.Second
)

// Refresh protection. A failed exchange blocks the next one for
// refreshBackoff, doubling per consecutive failure up to maxRefreshBackoff;
// after MaxRefreshFailures the client stops refreshing until SetCredentials
// installs new tokens. A refresh within RefreshCooldown of a successful one
// reuses the tokens it obtained.
const (
	MaxRefreshFailures = 3
	RefreshCooldown    = 5 * time.Second
	refreshBackoff     = time.Second
	maxRefreshBackoff  = 5 * time.Second
)

const maxErrorBody = 64 << 10

// Credentials are the bearer tokens used for authenticated requests.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IDGenerator produces X-Request-ID values.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 request IDs.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// BreakerSettings configures the circuit breaker.
//
// Only server faults count toward the threshold: 5xx responses and
// transport errors. A 2xx response resets the count. Other 4xx responses
// and caller cancellations leave the count unchanged.
type BreakerSettings struct {
	// Threshold is the number of consecutive server faults that opens the
	// breaker. Default DefaultBreakerThreshold.
	Threshold uint32

	// OpenFor is how long the breaker stays open before letting a probe
	// request through. Default DefaultBreakerOpenFor.
	OpenFor time.Duration
}

// Config configures a Client.
type Config struct {
	// BaseURL is the backend origin, e.g. http://localhost:8000.
	BaseURL string

	// HTTPClient defaults to a client with no overall timeout; requests
	// are bounded by Timeout instead.
	HTTPClient *http.Client

	// Timeout bounds each request, including a token refresh and retry.
	Timeout time.Duration

	Credentials Credentials

	// OnCredentials is called after a successful refresh.
	OnCredentials func(Credentials)

	// RequestIDs defaults to UUIDv7Generator.
	RequestIDs IDGenerator

	Breaker BreakerSettings

	// Metrics receives the duration of every completed request, labelled
	// by operation.
	Metrics action.MetricsSink

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock gates refresh retries. Defaults to wall time.
	Clock action.Clock
}

// Client is an Ava API client.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	ids     IDGenerator
	metrics action.MetricsSink
	logger  *slog.Logger
	onCreds func(Credentials)

	breaker   *gobreaker.CircuitBreaker
	faults    atomic.Uint32
	refresher *action.Guard[string, Credentials]
	dedupe    *dedupeTable

	clock action.Clock

	mu              sync.Mutex
	creds           Credentials
	refreshFailures int
	refreshRetryAt  time.Time
	refreshedAt     time.Time
}

// request describes one API call.
type request struct {
	method string
	path   string
	query  url.Values
	body   []byte
	auth   bool
	label  string
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("backend url %q: must be an absolute http or https URL", cfg.BaseURL)
	}

	c := &Client{
		base:    base,
		http:    cfg.HTTPClient,
		timeout: cfg.Timeout,
		ids:     cfg.RequestIDs,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		onCreds: cfg.OnCredentials,
		dedupe:  newDedupeTable(),
		creds:   cfg.Credentials,
		clock:   cfg.Clock,
	}
	if c.clock == nil {
		c.clock = wallClock{}
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.ids == nil {
		c.ids = UUIDv7Generator{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "backend")

	threshold := cfg.Breaker.Threshold
	if threshold == 0 {
		threshold = DefaultBreakerThreshold
	}
	openFor := cfg.Breaker.OpenFor
	if openFor <= 0 {
		openFor = DefaultBreakerOpenFor
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Timeout:     openFor,
		// gobreaker resets its own counts on every success, and a 4xx must
		// not do that, so consecutive faults are tracked in c.faults.
		ReadyToTrip: func(gobreaker.Counts) bool {
			return c.faults.Load() >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !serverFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.faults.Store(0)
			switch to {
			case gobreaker.StateOpen:
				c.logger.Error("circuit breaker open, backend requests will fail fast",
					"breaker", name,
					"open_for", openFor,
				)
			case gobreaker.StateClosed:
				c.logger.Info("circuit breaker closed, backend recovered", "breaker", name)
			default:
				c.logger.Debug("circuit breaker state change",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			}
		},
	})

	c.refresher = action.New(c.refresh,
		action.WithLogger[Credentials](c.logger),
		action.OnError[Credentials](func(err error) {
			c.logger.Warn("token refresh failed", "error", err)
		}),
	)
	return c, nil
}

// Credentials returns the tokens currently in use.
func (c *Client) Credentials() Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// SetCredentials replaces the tokens used for authenticated requests and
// clears any refresh backoff.
func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
	c.refreshFailures = 0
	c.refreshRetryAt = time.Time{}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// BreakerOpen reports whether requests are currently failing fast.
func (c *Client) BreakerOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// do runs req and decodes a JSON response body into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, req request, out any) error {
	ctx, release := c.dedupe.acquire(ctx)
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	requestID := c.ids.Generate()
	start := time.Now()

	var token string
	if req.auth {
		token = c.Credentials().AccessToken
	}

	body, err := c.attempt(ctx, req, requestID, token)
	if req.auth && IsStatus(err, http.StatusUnauthorized) {
		c.logger.Warn("received 401, refreshing token",
			"request_id", requestID,
			"path", req.path,
		)
		var fresh string
		fresh, err = c.renew(ctx, token)
		if err == nil {
			body, err = c.attempt(ctx, req, requestID, fresh)
		}
	}

	if err != nil && errors.Is(context.Cause(ctx), ErrSuperseded) {
		err = fmt.Errorf("%s %s: %w", req.method, req.path, ErrSuperseded)
	}
	c.record(req.label, time.Since(start))

	if err != nil {
		c.logger.Debug("backend request failed",
			"request_id", requestID,
			"method", req.method,
			"path", req.path,
			"error", err,
		)
		return err
	}

	c.logger.Info("backend request completed",
		"request_id", requestID,
		"method", req.method,
		"path", req.path,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", req.method, req.path, err)
	}
	return nil
}

// attempt sends req once through the circuit breaker.
func (c *Client) attempt(ctx context.Context, req request, requestID, token string) ([]byte, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		body, err := c.send(ctx, req, requestID, token)
		switch {
		case err == nil:
			c.faults.Store(0)
		case serverFault(err):
			c.faults.Add(1)
		}
		return body, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn("circuit breaker open, rejecting request",
			"request_id", requestID,
			"path", req.path,
		)
		return nil, fmt.Errorf("%s %s: %w", req.method, req.path, ErrUnavailable)
	}
	if err != nil {
		return nil, err
	}
	body, _ := v.([]byte)
	return body, nil
}

// send performs the HTTP exchange. Non-2xx responses become *APIError.
func (c *Client) send(ctx context.Context, req request, requestID, token string) ([]byte, error) {
	endpoint := c.base.JoinPath(req.path)
	if len(req.query) > 0 {
		endpoint.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", req.method, req.path, err)
	}
	hr.Header.Set("X-Request-ID", requestID)
	hr.Header.Set("Accept", "application/json")
	if body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		hr.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if resp.StatusCode >= http.StatusInternalServerError {
			c.logger.Error("server error",
				"request_id", requestID,
				"path", req.path,
				"status", resp.StatusCode,
			)
		}
		return nil, &APIError{
			Status:    resp.StatusCode,
			Detail:    errorDetail(data),
			RequestID: requestID,
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", req.method, req.path, err)
	}
	return data, nil
}

// errorDetail extracts a human-readable message from an error body.
func errorDetail(body []byte) string {
	var doc struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &doc); err == nil {
		if len(doc.Detail) > 0 && string(doc.Detail) != "null" {
			var s string
			if err := json.Unmarshal(doc.Detail, &s); err == nil {
				return s
			}
			return string(doc.Detail)
		}
		if doc.Message != "" {
			return doc.Message
		}
	}
	return strings.TrimSpace(string(body))
}

func (c *Client) record(label string, d time.Duration) {
	if c.metrics == nil || label == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("metrics sink panicked", "label", label, "panic", r)
		}
	}()
	c.metrics.Record(label, d)
}
