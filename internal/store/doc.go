// Package store provides SQLite-backed local storage for call history and
// the realtime event log.
//
// Two tables:
//   - calls: the latest known state of each call, keyed by call id
//   - events: every realtime event in receive order, keyed by seq
//
// ApplyEvent appends to events and projects call lifecycle events onto
// calls in the same transaction, so the two never disagree.
//
// # Deterministic Ordering
//
//   - ListCalls: ORDER BY started_unix DESC NULLS LAST, id ASC
//   - ListEvents: ORDER BY seq ASC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
