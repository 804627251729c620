// Package action provides Guard, a single-flight wrapper around an
// asynchronous operation.
//
// A Guard ensures that however many times an operation is triggered
// concurrently (rapid repeated clicks, overlapping 401 handlers), it
// executes at most once at a time, and every concurrent caller receives the
// outcome of that one execution:
//
//	refresh := action.New(func(ctx context.Context, _ struct{}) (string, error) {
//	    return client.refreshToken(ctx)
//	}, action.WithMetrics("auth.refresh", counters))
//
//	token, err := refresh.Run(ctx, struct{}{})
//
// # First caller wins
//
// While an execution is in flight, later callers join it and their
// arguments are discarded. This is true de-duplication for operations
// triggered by identical intent; it is a foot-gun for operations that are
// parameterized differently per call. Give each distinct parameter set its
// own Guard.
//
// # Cancellation
//
// The operation runs under a context detached from the first caller's
// cancellation. A caller whose context ends stops waiting and receives
// ctx.Err(), but the shared execution runs to completion and its result is
// still delivered to the remaining callers and to the callbacks.
//
// # Teardown
//
// Close detaches a Guard from its owner. State updates after Close are
// suppressed; in-flight work is not cancelled.
package action
