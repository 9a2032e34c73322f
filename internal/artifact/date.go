// Package artifact derives the deterministic object keys a pipeline run
// reads and writes from its logical date.
package artifact

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the canonical textual form of a LogicalDate.
const DateLayout = "2006-01-02"

// ErrZeroDate is returned when a zero LogicalDate is used to derive keys.
var ErrZeroDate = errors.New("logical date is zero")

// LogicalDate is the calendar date a run represents. It carries no time of
// day and no zone, so two runs for the same date always derive the same keys.
type LogicalDate struct {
	year  int
	month time.Month
	day   int
}

// NewLogicalDate returns the LogicalDate for the given calendar day.
// Out-of-range values are normalized the way time.Date normalizes them.
func NewLogicalDate(year int, month time.Month, day int) LogicalDate {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) LogicalDate {
	y, m, d := t.Date()
	return LogicalDate{year: y, month: m, day: d}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (LogicalDate, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return LogicalDate{}, fmt.Errorf("parse logical date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// IsZero reports whether d is the zero LogicalDate.
func (d LogicalDate) IsZero() bool {
	return d.year == 0 && d.month == 0 && d.day == 0
}

// String formats d as YYYY-MM-DD.
func (d LogicalDate) String() string {
	return d.Time().Format(DateLayout)
}

// Time returns midnight UTC of d.
func (d LogicalDate) Time() time.Time {
	return time.Date(d.year, d.month, d.day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns d shifted by n calendar days.
func (d LogicalDate) AddDays(n int) LogicalDate {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is strictly earlier than o.
func (d LogicalDate) Before(o LogicalDate) bool {
	return d.Time().Before(o.Time())
}

// After reports whether d is strictly later than o.
func (d LogicalDate) After(o LogicalDate) bool {
	return d.Time().After(o.Time())
}

// Range returns every date from start to end inclusive.
// It returns nil when end is before start.
func Range(start, end LogicalDate) []LogicalDate {
	if end.Before(start) {
		return nil
	}
	var dates []LogicalDate
	for d := start; !d.After(end); d = d.AddDays(1) {
		dates = append(dates, d)
	}
	return dates
}

// MarshalText implements encoding.TextMarshaler.
func (d LogicalDate) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *LogicalDate) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
