package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// Status is the transport state of a Client.
type Status string

// Client states.
const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

var (
	// ErrNotConnected is returned by Send when no socket is open.
	ErrNotConnected = errors.New("realtime socket not connected")

	// ErrRateLimited is returned by Send when the outbound throttle
	// rejects a message.
	ErrRateLimited = errors.New("realtime send rate exceeded")
)

const closeGracePeriod = time.Second

// Handler receives every decoded event, in receive order.
type Handler func(Event)

// Config configures a Client.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Header is sent with every handshake (e.g. Authorization).
	Header http.Header

	// NoReconnect disables automatic reconnection after a close.
	NoReconnect bool

	// Backoff controls reconnect delays.
	Backoff Backoff

	// SendRate and SendBurst enable an outbound token bucket of SendRate
	// messages per second. Zero disables throttling.
	SendRate  int
	SendBurst int

	// Handler receives inbound events.
	Handler Handler

	// OnStatus is called on every status transition. It runs synchronously
	// with the transition and must not call Connect or Disconnect.
	OnStatus func(Status)

	// Dialer overrides the WebSocket dialer.
	Dialer *websocket.Dialer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is a reconnecting realtime event stream.
//
// Thread-safety: all exported methods are safe for concurrent use.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	logger  *slog.Logger
	limiter *limiter.TokenBucket

	// ctx aborts in-progress dials once Disconnect is called.
	ctx    context.Context
	cancel context.CancelFunc

	queue        *eventQueue
	dispatchDone chan struct{}

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting bool
	stopped    bool
	gen        uint64 // incremented per dial; stale dials and readers compare against it
	timer      *time.Timer

	status   atomic.Value // Status
	attempts atomic.Int32

	writeMu sync.Mutex
}

// NewClient validates cfg and returns an idle client. The dispatcher
// goroutine starts immediately; Disconnect stops it.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("realtime url %q: scheme must be ws or wss", cfg.URL)
	}

	c := &Client{
		cfg:          cfg,
		dialer:       cfg.Dialer,
		logger:       cfg.Logger,
		queue:        newEventQueue(),
		dispatchDone: make(chan struct{}),
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "realtime")

	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = cfg.SendRate
		}
		tb, err := limiter.NewTokenBucket(
			limiter.Config{
				Rate:     int64(cfg.SendRate),
				Duration: time.Second,
				Burst:    int64(burst),
			},
			store.NewMemoryStore(time.Minute),
		)
		if err != nil {
			return nil, fmt.Errorf("realtime send limiter: %w", err)
		}
		c.limiter = tb
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.status.Store(StatusIdle)

	go c.dispatch()
	return c, nil
}

// Status returns the current transport state.
func (c *Client) Status() Status {
	return c.status.Load().(Status)
}

// Attempts returns the number of consecutive failed or closed cycles since
// the last successful open.
func (c *Client) Attempts() int {
	return int(c.attempts.Load())
}

// Connect starts a connection attempt. It is a no-op while a socket is
// connecting or open, and after Disconnect. The dial happens in the
// background; observe progress through Status or OnStatus.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectLocked()
}

func (c *Client) connectLocked() {
	if c.stopped || c.connecting || c.conn != nil {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	c.connecting = true
	c.gen++
	gen := c.gen
	c.setStatusLocked(StatusConnecting)

	go c.dial(gen)
}

func (c *Client) dial(gen uint64) {
	conn, resp, err := c.dialer.DialContext(c.ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.connecting = false

	if err != nil {
		c.logger.Warn("realtime dial failed",
			"url", c.cfg.URL,
			"attempt", c.attempts.Load(),
			"error", err,
		)
		c.handleCloseLocked()
		c.mu.Unlock()
		return
	}

	c.conn = conn
	c.attempts.Store(0)
	c.setStatusLocked(StatusConnected)
	c.mu.Unlock()

	c.logger.Info("realtime connected", "url", c.cfg.URL)
	go c.readLoop(gen, conn)
}

// readLoop owns the read side of one socket for its whole life.
func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	defer conn.Close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := gen == c.gen && c.conn == conn
			if current {
				c.conn = nil
				c.handleCloseLocked()
			}
			c.mu.Unlock()

			if current {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Info("realtime closed by server", "error", err)
				} else {
					c.logger.Warn("realtime connection lost", "error", err)
				}
			}
			return
		}

		if msgType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text realtime frame", "type", msgType)
			continue
		}

		ev, err := Decode(data)
		if err != nil {
			c.logger.Warn("failed to parse realtime event", "error", err, "bytes", len(data))
			continue
		}
		c.queue.Enqueue(ev)
	}
}

// handleCloseLocked records a closed cycle and schedules the next attempt.
// Caller must hold c.mu.
func (c *Client) handleCloseLocked() {
	c.setStatusLocked(StatusDisconnected)
	if c.stopped || c.cfg.NoReconnect {
		return
	}

	attempts := int(c.attempts.Load())
	delay := c.cfg.Backoff.Delay(attempts)
	c.attempts.Store(int32(attempts + 1))

	c.logger.Debug("realtime reconnect scheduled", "delay", delay, "attempt", attempts+1)
	c.timer = time.AfterFunc(delay, c.Connect)
}

// setStatusLocked publishes a transition. Caller must hold c.mu.
func (c *Client) setStatusLocked(s Status) {
	c.status.Store(s)
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}

// dispatch delivers queued events to the handler until the queue is
// closed and drained.
func (c *Client) dispatch() {
	defer close(c.dispatchDone)
	for {
		ev, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		c.deliver(ev)
	}
}

func (c *Client) deliver(ev Event) {
	if c.cfg.Handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("realtime handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	c.cfg.Handler(ev)
}

// Send writes msg as a JSON text frame. Messages sent while not connected
// are dropped with ErrNotConnected; nothing is buffered.
func (c *Client) Send(msg any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.logger.Warn("realtime socket not connected, dropping message")
		return ErrNotConnected
	}
	if c.limiter != nil && !c.limiter.Allow(c.cfg.URL) {
		c.logger.Warn("realtime send rate exceeded, dropping message")
		return ErrRateLimited
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("realtime send: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("realtime send: %w", err)
	}
	return nil
}

// Disconnect disables reconnection, cancels any scheduled reconnect,
// aborts an in-progress dial and closes the socket. Events already
// received are still dispatched; Wait blocks until that finishes.
// Disconnect is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.cancel()
	c.gen++
	conn := c.conn
	c.conn = nil
	c.connecting = false
	if s := c.Status(); s != StatusIdle && s != StatusDisconnected {
		c.setStatusLocked(StatusDisconnected)
	}
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		c.writeMu.Unlock()
		conn.Close()
	}

	c.queue.Close()
	c.logger.Info("realtime disconnected")
}

// Wait blocks until the dispatcher has delivered every queued event after
// Disconnect. Calling Wait from inside the Handler deadlocks.
func (c *Client) Wait() {
	<-c.dispatchDone
}
