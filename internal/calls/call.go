package calls

import (
	"encoding/json"
	"fmt"
)

// Call statuses reported by the backend.
const (
	StatusInProgress = "in-progress"
	StatusEnded      = "ended"
	StatusFailed     = "failed"
)

// PreviewLimit is the maximum transcript preview length in runes.
const PreviewLimit = 200

// Call is a call summary as listed by the backend.
type Call struct {
	ID                string   `json:"id"`
	AssistantID       string   `json:"assistantId"`
	CustomerNumber    *string  `json:"customerNumber,omitempty"`
	Status            string   `json:"status"`
	StartedAt         *string  `json:"startedAt,omitempty"`
	EndedAt           *string  `json:"endedAt,omitempty"`
	DurationSeconds   *float64 `json:"durationSeconds,omitempty"`
	Cost              *float64 `json:"cost,omitempty"`
	TranscriptPreview *string  `json:"transcriptPreview,omitempty"`
}

// Detail is a single call with its full transcript and metadata.
type Detail struct {
	Call
	Transcript   *string        `json:"transcript,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RecordingURL *string        `json:"recordingUrl,omitempty"`
}

// ListResponse is the payload of the call listing endpoint.
type ListResponse struct {
	Calls []Call `json:"calls"`
	Total int    `json:"total"`
}

// UnmarshalJSON defaults Total to the number of calls when the backend
// omits it, and never leaves Calls nil.
func (r *ListResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		Calls []Call `json:"calls"`
		Total *int   `json:"total"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode call list: %w", err)
	}
	if raw.Calls == nil {
		raw.Calls = []Call{}
	}
	r.Calls = raw.Calls
	r.Total = len(raw.Calls)
	if raw.Total != nil {
		r.Total = *raw.Total
	}
	return nil
}

// Start returns the parsed start time of the call.
func (c Call) Start() Timestamp {
	return ParseTimestamp(c.StartedAt)
}

// End returns the parsed end time of the call.
func (c Call) End() Timestamp {
	return ParseTimestamp(c.EndedAt)
}

// Duration returns the call duration in seconds, 0 when unknown.
func (c Call) Duration() float64 {
	if c.DurationSeconds == nil {
		return 0
	}
	return *c.DurationSeconds
}

// Number returns the raw customer number, "" when absent.
func (c Call) Number() string {
	if c.CustomerNumber == nil {
		return ""
	}
	return *c.CustomerNumber
}

// Preview truncates a transcript to PreviewLimit runes.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= PreviewLimit {
		return text
	}
	return string(runes[:PreviewLimit])
}

// String and Float return pointers to their argument. They keep literal
// construction of optional fields short.
func String(s string) *string { return &s }

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }
