package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/ava/internal/calls"
)

// EventType discriminates realtime events.
type EventType string

// Event types pushed by the backend.
const (
	EventCallStarted            EventType = "CALL_STARTED"
	EventCallUpdated            EventType = "CALL_UPDATED"
	EventCallEnded              EventType = "CALL_ENDED"
	EventTranscriptChunk        EventType = "TRANSCRIPT_CHUNK"
	EventFunctionExecuted       EventType = "FUNCTION_EXECUTED"
	EventAssistantStatusChanged EventType = "ASSISTANT_STATUS_CHANGED"
)

var (
	// ErrMalformedEvent is returned for frames that are not a JSON object
	// carrying a non-empty type.
	ErrMalformedEvent = errors.New("malformed realtime event")

	// ErrUnknownEventType is returned when decoding the payload of an
	// event whose type has no typed payload.
	ErrUnknownEventType = errors.New("unknown realtime event type")
)

// Known reports whether t is one of the recognized event types.
func (t EventType) Known() bool {
	switch t {
	case EventCallStarted, EventCallUpdated, EventCallEnded,
		EventTranscriptChunk, EventFunctionExecuted, EventAssistantStatusChanged:
		return true
	}
	return false
}

// Event is one decoded frame. Payload is kept raw; use Decode or
// DecodePayload for the typed form.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Time parses the event timestamp.
func (e Event) Time() calls.Timestamp {
	return calls.ParseTimestampString(e.Timestamp)
}

// CallStarted is the payload of CALL_STARTED.
type CallStarted struct {
	CallID      string `json:"callId"`
	AssistantID string `json:"assistantId"`
	StartedAt   string `json:"startedAt"`
}

// CallUpdated is the payload of CALL_UPDATED.
type CallUpdated struct {
	CallID          string   `json:"callId"`
	Status          string   `json:"status"`
	DurationSeconds *float64 `json:"durationSeconds,omitempty"`
}

// CallEnded is the payload of CALL_ENDED.
type CallEnded struct {
	CallID     string  `json:"callId"`
	EndedAt    string  `json:"endedAt"`
	Transcript *string `json:"transcript,omitempty"`
}

// Transcript speaker roles.
const (
	RoleAssistant = "assistant"
	RoleCustomer  = "customer"
)

// TranscriptChunk is the payload of TRANSCRIPT_CHUNK.
type TranscriptChunk struct {
	CallID string `json:"callId"`
	Text   string `json:"text"`
	Role   string `json:"role"`
}

// FunctionExecuted is the payload of FUNCTION_EXECUTED.
type FunctionExecuted struct {
	CallID       string         `json:"callId"`
	FunctionName string         `json:"functionName"`
	Args         map[string]any `json:"args"`
	Result       map[string]any `json:"result,omitempty"`
}

// Assistant statuses.
const (
	AssistantOnline   = "online"
	AssistantOffline  = "offline"
	AssistantDegraded = "degraded"
)

// AssistantStatusChanged is the payload of ASSISTANT_STATUS_CHANGED.
type AssistantStatusChanged struct {
	AssistantID string `json:"assistantId"`
	Status      string `json:"status"`
}

// Decode parses a raw frame into an Event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return ev, nil
}

// DecodePayload unmarshals the event payload into T.
func DecodePayload[T any](e Event) (T, error) {
	var out T
	if len(e.Payload) == 0 {
		return out, fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, fmt.Errorf("%s payload: %w", e.Type, err)
	}
	return out, nil
}

// Decode returns the typed payload for the event's type: one of
// CallStarted, CallUpdated, CallEnded, TranscriptChunk, FunctionExecuted
// or AssistantStatusChanged.
func (e Event) Decode() (any, error) {
	switch e.Type {
	case EventCallStarted:
		return DecodePayload[CallStarted](e)
	case EventCallUpdated:
		return DecodePayload[CallUpdated](e)
	case EventCallEnded:
		return DecodePayload[CallEnded](e)
	case EventTranscriptChunk:
		return DecodePayload[TranscriptChunk](e)
	case EventFunctionExecuted:
		return DecodePayload[FunctionExecuted](e)
	case EventAssistantStatusChanged:
		return DecodePayload[AssistantStatusChanged](e)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
}
