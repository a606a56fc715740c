// internal/models/timestamp.go
package models

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Timestamp is a second + nanosecond pair. It serializes as
// {"seconds": ..., "nanoseconds": ...} and also accepts an ISO-8601 string.
type Timestamp struct {
	Seconds     int64 `json:"seconds"`
	Nanoseconds int32 `json:"nanoseconds"`
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanoseconds: int32(t.Nanosecond())}
}

func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanoseconds))
}

func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Nanoseconds == 0
}

func (t Timestamp) Before(o Timestamp) bool {
	if t.Seconds != o.Seconds {
		return t.Seconds < o.Seconds
	}
	return t.Nanoseconds < o.Nanoseconds
}

func (t Timestamp) String() string {
	return t.Time().UTC().Format(time.RFC3339Nano)
}

type timestampFields struct {
	Seconds     int64 `json:"seconds"`
	Nanoseconds int32 `json:"nanoseconds"`
}

// UnmarshalJSON revives either serialized form back into a Timestamp.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode timestamp string: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp format %q: %w", s, err)
		}
		*t = NewTimestamp(parsed)
		return nil
	}

	var f timestampFields
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to decode timestamp object: %w", err)
	}
	if f.Nanoseconds < 0 || f.Nanoseconds >= int32(time.Second) {
		return fmt.Errorf("timestamp nanoseconds out of range: %d", f.Nanoseconds)
	}
	*t = Timestamp{Seconds: f.Seconds, Nanoseconds: f.Nanoseconds}
	return nil
}

// StartOfDay truncates t to local midnight.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateRange is a half-open [Start, End) interval on the log date.
type DateRange struct {
	Start Timestamp
	End   Timestamp
}

// DayRange covers the calendar day containing t.
func DayRange(t time.Time) DateRange {
	start := StartOfDay(t)
	return DateRange{
		Start: NewTimestamp(start),
		End:   NewTimestamp(start.AddDate(0, 0, 1)),
	}
}

func (r DateRange) Contains(ts Timestamp) bool {
	return !ts.Before(r.Start) && ts.Before(r.End)
}
