package models

import (
	"strings"
	"time"
)

// Timestamp is a time.Time that survives every timestamp format found in
// persisted state files: RFC 3339 (what this codebase writes), zone-less
// ISO 8601 written by earlier tooling, and garbage, which loads as the zero
// time instead of failing the whole file.
type Timestamp struct {
	time.Time
}

// Now returns the current UTC time as a Timestamp.
func Now() Timestamp { return Timestamp{time.Now().UTC()} }

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp { return Timestamp{t} }

// MarshalJSON writes RFC 3339 with nanoseconds; the zero time becomes null.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON is deliberately lenient: an entry with a bad timestamp keeps
// its other fields and simply has no usable time, matching how staleness
// scans skip unparsable ages.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	t.Time = time.Time{}
	return nil
}

// Age returns the elapsed time since t, or (0, false) when t is zero.
func (t Timestamp) Age(now time.Time) (time.Duration, bool) {
	if t.IsZero() {
		return 0, false
	}
	return now.Sub(t.Time), true
}
