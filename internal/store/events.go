package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/ava/internal/calls"
	"github.com/roach88/ava/internal/realtime"
)

// StoredEvent is one row of the event log.
type StoredEvent struct {
	Seq        int64              `json:"seq"`
	Type       realtime.EventType `json:"type"`
	Timestamp  string             `json:"timestamp"`
	Payload    json.RawMessage    `json:"payload"`
	CallID     string             `json:"callId,omitempty"`
	ReceivedAt string             `json:"receivedAt"`
}

// Event returns the stored event in its wire form.
func (e StoredEvent) Event() realtime.Event {
	return realtime.Event{Type: e.Type, Timestamp: e.Timestamp, Payload: e.Payload}
}

// ApplyEvent appends ev to the event log and projects call lifecycle
// events onto the calls table in the same transaction. Returns the
// assigned seq.
//
// A lifecycle event whose payload cannot be decoded, or that carries no
// call id, is still logged but not projected.
func (s *Store) ApplyEvent(ctx context.Context, ev realtime.Event) (int64, error) {
	if ev.Type == "" {
		return 0, errors.New("apply event: missing type")
	}

	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("apply event: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (type, timestamp, payload, call_id, received_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		string(ev.Type),
		ev.Timestamp,
		payload,
		nullIfEmpty(eventCallID(ev)),
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("apply event: insert: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("apply event: seq: %w", err)
	}

	if err := s.project(ctx, tx, ev, now); err != nil {
		return 0, fmt.Errorf("apply event %d: %w", seq, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("apply event: commit: %w", err)
	}

	s.logger.Debug("event applied",
		"seq", seq,
		"type", ev.Type,
	)
	return seq, nil
}

// project folds one lifecycle event into the calls table.
func (s *Store) project(ctx context.Context, q querier, ev realtime.Event, now string) error {
	switch ev.Type {
	case realtime.EventCallStarted:
		p, err := realtime.DecodePayload[realtime.CallStarted](ev)
		if err != nil || p.CallID == "" {
			s.skipProjection(ev, err)
			return nil
		}
		c, err := loadCall(ctx, q, p.CallID)
		if err != nil {
			return err
		}
		c.Status = calls.StatusInProgress
		if p.AssistantID != "" {
			c.AssistantID = p.AssistantID
		}
		if started := firstNonEmpty(p.StartedAt, ev.Timestamp); started != "" {
			c.StartedAt = calls.String(started)
		}
		return writeCall(ctx, q, c, now)

	case realtime.EventCallUpdated:
		p, err := realtime.DecodePayload[realtime.CallUpdated](ev)
		if err != nil || p.CallID == "" {
			s.skipProjection(ev, err)
			return nil
		}
		c, err := loadCall(ctx, q, p.CallID)
		if err != nil {
			return err
		}
		if p.Status != "" {
			c.Status = p.Status
		}
		if p.DurationSeconds != nil {
			c.DurationSeconds = calls.Float(*p.DurationSeconds)
		}
		return writeCall(ctx, q, c, now)

	case realtime.EventCallEnded:
		p, err := realtime.DecodePayload[realtime.CallEnded](ev)
		if err != nil || p.CallID == "" {
			s.skipProjection(ev, err)
			return nil
		}
		c, err := loadCall(ctx, q, p.CallID)
		if err != nil {
			return err
		}
		c.Status = calls.StatusEnded
		if ended := firstNonEmpty(p.EndedAt, ev.Timestamp); ended != "" {
			c.EndedAt = calls.String(ended)
		}
		if p.Transcript != nil {
			c.TranscriptPreview = calls.String(calls.Preview(*p.Transcript))
		}
		if c.DurationSeconds == nil {
			start, end := c.Start(), c.End()
			if start.Valid && end.Valid && !end.Time.Before(start.Time) {
				c.DurationSeconds = calls.Float(end.Time.Sub(start.Time).Seconds())
			}
		}
		return writeCall(ctx, q, c, now)
	}

	s.logger.Debug("event logged without projection", "type", ev.Type)
	return nil
}

// loadCall returns the stored call, or a fresh in-progress call when none
// exists yet.
func loadCall(ctx context.Context, q querier, id string) (calls.Call, error) {
	c, err := getCall(ctx, q, id)
	if errors.Is(err, ErrNotFound) {
		return calls.Call{ID: id, Status: calls.StatusInProgress}, nil
	}
	return c, err
}

func (s *Store) skipProjection(ev realtime.Event, err error) {
	if err == nil {
		err = errors.New("missing callId")
	}
	s.logger.Warn("lifecycle event not projected",
		"type", ev.Type,
		"error", err,
	)
}

// eventCallID extracts payload.callId when present.
func eventCallID(ev realtime.Event) string {
	var ref struct {
		CallID string `json:"callId"`
	}
	if len(ev.Payload) == 0 {
		return ""
	}
	_ = json.Unmarshal(ev.Payload, &ref)
	return ref.CallID
}

// ListEvents returns events with seq greater than afterSeq in seq order.
// A limit of zero or less returns all of them.
func (s *Store) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, timestamp, payload, call_id, received_at
		FROM events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []StoredEvent{}
	for rows.Next() {
		var (
			e       StoredEvent
			typ     string
			payload string
			callID  *string
		)
		if err := rows.Scan(&e.Seq, &typ, &e.Timestamp, &payload, &callID, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("list events: scan: %w", err)
		}
		e.Type = realtime.EventType(typ)
		e.Payload = json.RawMessage(payload)
		if callID != nil {
			e.CallID = *callID
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest event seq, 0 for an empty log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
