package instance

import (
	"fmt"
	"time"
)

// TimestampLayout is the directory name format of an instance.
const TimestampLayout = "20060102150405"

// Timestamp identifies an instance. It has second granularity and a total
// order given by Compare; directory names are only its serialized form.
type Timestamp struct {
	t time.Time
}

// NewTimestamp truncates t to the second, in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t: t.UTC().Truncate(time.Second)}
}

// ParseTimestamp parses a 14-digit instance name.
func ParseTimestamp(s string) (Timestamp, error) {
	if len(s) != len(TimestampLayout) {
		return Timestamp{}, fmt.Errorf("instance name %q: want %d digits", s, len(TimestampLayout))
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return Timestamp{}, fmt.Errorf("instance name %q: not numeric", s)
		}
	}
	t, err := time.ParseInLocation(TimestampLayout, s, time.UTC)
	if err != nil {
		return Timestamp{}, fmt.Errorf("instance name %q: %w", s, err)
	}
	return Timestamp{t: t}, nil
}

// String returns the instance directory name.
func (ts Timestamp) String() string {
	return ts.t.Format(TimestampLayout)
}

// Time returns the instant.
func (ts Timestamp) Time() time.Time {
	return ts.t
}

// IsZero reports whether ts is unset.
func (ts Timestamp) IsZero() bool {
	return ts.t.IsZero()
}

// Compare returns -1, 0 or +1.
func (ts Timestamp) Compare(other Timestamp) int {
	return ts.t.Compare(other.t)
}

func (ts Timestamp) Before(other Timestamp) bool { return ts.t.Before(other.t) }
func (ts Timestamp) After(other Timestamp) bool  { return ts.t.After(other.t) }
func (ts Timestamp) Equal(other Timestamp) bool  { return ts.t.Equal(other.t) }
