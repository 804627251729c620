package calls

import (
	"strings"
	"time"
)

// Layouts accepted by ParseTimestamp, tried in order. Offset-less forms
// are what the backend emits for naive datetimes and are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Timestamp is an optional instant.
//
// Ordering rule: an invalid (missing or unparsable) timestamp is earlier
// than every valid one, and two invalid timestamps are equal. Ascending
// sorts therefore place undated records first and descending sorts place
// them last.
type Timestamp struct {
	Time  time.Time
	Valid bool
}

// ParseTimestamp parses an optional ISO-8601 string. It never fails: a nil,
// empty or unparsable input yields an invalid Timestamp.
func ParseTimestamp(s *string) Timestamp {
	if s == nil {
		return Timestamp{}
	}
	return ParseTimestampString(*s)
}

// ParseTimestampString is ParseTimestamp for a plain string.
func ParseTimestampString(s string) Timestamp {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t.UTC(), Valid: true}
		}
	}
	return Timestamp{}
}

// Compare returns -1, 0 or +1 following the Timestamp ordering rule.
func (t Timestamp) Compare(u Timestamp) int {
	switch {
	case !t.Valid && !u.Valid:
		return 0
	case !t.Valid:
		return -1
	case !u.Valid:
		return 1
	}
	return t.Time.Compare(u.Time)
}

// Before reports whether t orders strictly before u.
func (t Timestamp) Before(u Timestamp) bool {
	return t.Compare(u) < 0
}

// String formats a valid timestamp as RFC 3339 and an invalid one as "-".
func (t Timestamp) String() string {
	if !t.Valid {
		return "-"
	}
	return t.Time.Format(time.RFC3339)
}

// MarshalText encodes invalid timestamps as an empty string.
func (t Timestamp) MarshalText() ([]byte, error) {
	if !t.Valid {
		return []byte{}, nil
	}
	return []byte(t.Time.Format(time.RFC3339Nano)), nil
}

// UnmarshalText parses any accepted layout. Unparsable text yields an
// invalid Timestamp rather than an error.
func (t *Timestamp) UnmarshalText(text []byte) error {
	*t = ParseTimestampString(string(text))
	return nil
}
