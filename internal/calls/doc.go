// Package calls defines the call-record model shared by the backend
// client, the local store and the contact aggregator.
//
// A Call mirrors the backend's call summary payload. Optional fields are
// pointers so that "absent" and "zero" stay distinguishable on the wire:
//
//	{
//	  "id": "call_123",
//	  "assistantId": "asst_1",
//	  "customerNumber": "+15550100001",
//	  "status": "ended",
//	  "startedAt": "2024-05-01T09:00:00+00:00",
//	  "endedAt": "2024-05-01T09:02:00+00:00",
//	  "durationSeconds": 120,
//	  "cost": 0.12,
//	  "transcriptPreview": "Bonjour..."
//	}
//
// Timestamps are carried as raw strings and parsed on demand into a
// Timestamp, which makes a missing or unparsable value explicit instead of
// coercing it to a magic epoch.
package calls
