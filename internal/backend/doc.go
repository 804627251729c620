// Package backend is the HTTP client for the Ava API.
//
// A Client adds the cross-cutting request behavior every caller needs:
//
//   - an X-Request-ID header on every request (time-sortable UUIDv7 by default)
//   - bearer authentication, with a single shared token refresh when
//     concurrent requests hit 401
//   - a circuit breaker that fails fast with ErrUnavailable after repeated
//     server or transport failures
//   - dedupe keys, where a newer request cancels an older one with the
//     same key (see WithDedupeKey)
//   - a per-request timeout
//
// Non-2xx responses are returned as *APIError.
package backend
