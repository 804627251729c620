package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/ava/internal/calls"
)

// Filter narrows ListCalls.
type Filter struct {
	// Status keeps only calls with this status when non-empty.
	Status string

	// Limit caps the result size. Zero or negative means no limit.
	Limit int
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const callColumns = `id, assistant_id, customer_number, status, started_at, ended_at,
	duration_seconds, cost, transcript_preview`

const upsertCallSQL = `
	INSERT INTO calls
	(id, assistant_id, customer_number, status, started_at, started_unix, ended_at,
	 duration_seconds, cost, transcript_preview, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		assistant_id = excluded.assistant_id,
		customer_number = excluded.customer_number,
		status = excluded.status,
		started_at = excluded.started_at,
		started_unix = excluded.started_unix,
		ended_at = excluded.ended_at,
		duration_seconds = excluded.duration_seconds,
		cost = excluded.cost,
		transcript_preview = excluded.transcript_preview,
		updated_at = excluded.updated_at
`

// UpsertCalls inserts or replaces each call by id in one transaction.
// Returns the number of calls written.
func (s *Store) UpsertCalls(ctx context.Context, list []calls.Call) (int, error) {
	if len(list) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("upsert calls: begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	for _, c := range list {
		if err := writeCall(ctx, tx, c, now); err != nil {
			return 0, fmt.Errorf("upsert calls: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("upsert calls: commit: %w", err)
	}
	return len(list), nil
}

func writeCall(ctx context.Context, q querier, c calls.Call, now string) error {
	if c.ID == "" {
		return errors.New("call with empty id")
	}

	var startedUnix sql.NullInt64
	if ts := c.Start(); ts.Valid {
		startedUnix = sql.NullInt64{Int64: ts.Time.UnixNano(), Valid: true}
	}

	_, err := q.ExecContext(ctx, upsertCallSQL,
		c.ID,
		c.AssistantID,
		nullString(c.CustomerNumber),
		c.Status,
		nullString(c.StartedAt),
		startedUnix,
		nullString(c.EndedAt),
		nullFloat(c.DurationSeconds),
		nullFloat(c.Cost),
		nullString(c.TranscriptPreview),
		now,
	)
	if err != nil {
		return fmt.Errorf("write call %s: %w", c.ID, err)
	}
	return nil
}

// ListCalls returns stored calls, newest start first. Calls without a
// parsable start time come last; ties break on id.
func (s *Store) ListCalls(ctx context.Context, f Filter) ([]calls.Call, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString("SELECT " + callColumns + " FROM calls")
	if f.Status != "" {
		b.WriteString(" WHERE status = ?")
		args = append(args, f.Status)
	}
	b.WriteString(" ORDER BY started_unix DESC NULLS LAST, id COLLATE BINARY ASC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	out := []calls.Call{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("list calls: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	return out, nil
}

// GetCall returns one call. Returns ErrNotFound if it does not exist.
func (s *Store) GetCall(ctx context.Context, id string) (calls.Call, error) {
	return getCall(ctx, s.db, id)
}

func getCall(ctx context.Context, q querier, id string) (calls.Call, error) {
	row := q.QueryRowContext(ctx, "SELECT "+callColumns+" FROM calls WHERE id = ?", id)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return calls.Call{}, fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return calls.Call{}, fmt.Errorf("get call %s: %w", id, err)
	}
	return c, nil
}

// DeleteCall removes a call. Its events stay in the log.
// Returns ErrNotFound if it does not exist.
func (s *Store) DeleteCall(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM calls WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete call %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete call %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountCalls returns the number of stored calls.
func (s *Store) CountCalls(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls").Scan(&n); err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (calls.Call, error) {
	var (
		c                            calls.Call
		number, started, ended, prev sql.NullString
		duration, cost               sql.NullFloat64
	)
	if err := row.Scan(
		&c.ID,
		&c.AssistantID,
		&number,
		&c.Status,
		&started,
		&ended,
		&duration,
		&cost,
		&prev,
	); err != nil {
		return calls.Call{}, err
	}
	c.CustomerNumber = stringPtr(number)
	c.StartedAt = stringPtr(started)
	c.EndedAt = stringPtr(ended)
	c.DurationSeconds = floatPtr(duration)
	c.Cost = floatPtr(cost)
	c.TranscriptPreview = stringPtr(prev)
	return c, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	return &f.Float64
}
