package action

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// flightKey is the only singleflight key a Guard uses: one Guard wraps one
// operation, so every call competes for the same slot.
const flightKey = "run"

// Op is the operation a Guard wraps.
type Op[A, R any] func(ctx context.Context, arg A) (R, error)

// State is the observable state of a Guard.
type State struct {
	// Pending is true while an execution is in flight.
	Pending bool
	// Runs counts completed successful executions.
	Runs int
	// LastError is the error of the most recent execution. It is cleared
	// when a new execution starts.
	LastError error
	// LastDuration is the wall-clock duration of the most recent
	// execution; HasDuration is false until one has completed.
	LastDuration time.Duration
	HasDuration  bool
}

// Option configures a Guard.
type Option[R any] func(*options[R])

type options[R any] struct {
	onSuccess func(R)
	onError   func(error)
	label     string
	sink      MetricsSink
	clock     Clock
	logger    *slog.Logger
}

// OnSuccess registers a callback that receives each successful result.
func OnSuccess[R any](fn func(R)) Option[R] {
	return func(o *options[R]) { o.onSuccess = fn }
}

// OnError registers a callback that receives each execution error. The
// error is still returned to callers.
func OnError[R any](fn func(error)) Option[R] {
	return func(o *options[R]) { o.onError = fn }
}

// WithMetrics tags successful runs with label and records them in sink.
func WithMetrics[R any](label string, sink MetricsSink) Option[R] {
	return func(o *options[R]) {
		o.label = label
		o.sink = sink
	}
}

// WithClock overrides the clock used for durations.
func WithClock[R any](c Clock) Option[R] {
	return func(o *options[R]) { o.clock = c }
}

// WithLogger sets the logger used for diagnostics. Defaults to
// slog.Default().
func WithLogger[R any](l *slog.Logger) Option[R] {
	return func(o *options[R]) { o.logger = l }
}

// Guard runs an Op at most once at a time.
//
// Thread-safety: Run, State, Pending and Close are safe for concurrent use.
type Guard[A, R any] struct {
	op    Op[A, R]
	opts  options[R]
	group singleflight.Group

	mu       sync.Mutex
	state    State
	detached bool
}

// New wraps op in a Guard.
func New[A, R any](op Op[A, R], opts ...Option[R]) *Guard[A, R] {
	g := &Guard[A, R]{op: op}
	for _, opt := range opts {
		opt(&g.opts)
	}
	if g.opts.clock == nil {
		g.opts.clock = wallClock{}
	}
	if g.opts.logger == nil {
		g.opts.logger = slog.Default()
	}
	return g
}

// Run executes the operation with arg, or joins the execution already in
// flight. It blocks until that execution settles or ctx is done.
//
// Arguments of callers that join an in-flight execution are discarded.
func (g *Guard[A, R]) Run(ctx context.Context, arg A) (R, error) {
	// The op must not observe cancellation of whichever caller happened
	// to start it.
	detachedCtx := context.WithoutCancel(ctx)
	ch := g.group.DoChan(flightKey, func() (any, error) {
		return g.execute(detachedCtx, arg)
	})

	select {
	case res := <-ch:
		var zero R
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(R)
		return v, nil
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// execute performs one execution. Called only from inside the
// singleflight slot, so at most one execute is running per Guard. State
// is only written here: a caller that joins while callbacks run must not
// reopen a flight that has already settled.
func (g *Guard[A, R]) execute(ctx context.Context, arg A) (R, error) {
	g.markStarted()
	startedAt := g.opts.clock.Now()

	result, err := g.op(ctx, arg)
	duration := g.opts.clock.Now().Sub(startedAt)

	if err != nil {
		g.update(func(s *State) {
			s.Pending = false
			s.LastError = err
			s.LastDuration = duration
			s.HasDuration = true
		})
		if g.opts.onError != nil {
			g.opts.onError(err)
		}
		return result, err
	}

	g.update(func(s *State) {
		s.Pending = false
		s.Runs++
		s.LastError = nil
		s.LastDuration = duration
		s.HasDuration = true
	})
	g.record(duration)
	if g.opts.onSuccess != nil {
		g.opts.onSuccess(result)
	}
	return result, nil
}

func (g *Guard[A, R]) markStarted() {
	g.update(func(s *State) {
		if !s.Pending {
			s.Pending = true
			s.LastError = nil
		}
	})
}

// update applies fn to the state unless the guard has been closed.
func (g *Guard[A, R]) update(fn func(*State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.detached {
		return
	}
	fn(&g.state)
}

// record forwards a successful run to the metrics sink. A failing sink
// never reaches the caller.
func (g *Guard[A, R]) record(d time.Duration) {
	if g.opts.label == "" || g.opts.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.opts.logger.Warn("action metrics sink panicked",
				"label", g.opts.label,
				"panic", r,
			)
		}
	}()
	g.opts.sink.Record(g.opts.label, d)
}

// State returns a snapshot of the guard state.
func (g *Guard[A, R]) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending reports whether an execution is in flight.
func (g *Guard[A, R]) Pending() bool {
	return g.State().Pending
}

// Close detaches the guard. Later state updates are dropped; running
// executions continue and still deliver results.
func (g *Guard[A, R]) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.detached = true
}
