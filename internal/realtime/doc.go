// Package realtime maintains a live WebSocket event stream to the Ava
// backend and transparently recovers from drops.
//
// # State machine
//
//	idle -> connecting -> connected -> disconnected -> connecting -> ...
//
// A Client owns at most one live socket (open or connecting) at a time.
// When the socket closes, for any reason, the client moves to
// disconnected and, unless reconnection is disabled, schedules the next
// attempt after an exponential backoff delay:
//
//	delay = min(Max, Base * 2^attempts)
//
// attempts grows by one per failed or closed cycle and resets to zero on a
// successful open. Error closes and clean closes are treated identically.
//
// # Events
//
// Inbound text frames are JSON objects of the form
//
//	{"type": "CALL_STARTED", "timestamp": "2024-05-01T09:00:00Z", "payload": {...}}
//
// Frames that do not decode are logged and dropped; the connection stays
// open. Decoded events are delivered to the single registered Handler in
// receive order by one dispatcher goroutine, so a slow handler never
// stalls the socket reader. Routing by type is the handler's job; the
// typed payloads are available through Event.Decode.
//
// # Sending
//
// Send only writes while connected. Messages sent at any other time are
// dropped with a warning; there is no outbound buffer.
package realtime
