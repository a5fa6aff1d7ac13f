// Package window partitions a historical time range into contiguous,
// non-overlapping half-open windows small enough to keep a single upstream
// query under its result cap.
package window

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
)

// ErrInvalidGranularity is returned for granularities that cannot advance time.
var ErrInvalidGranularity = errors.New("invalid window granularity")

// Granularity decides where the window starting at t ends.
type Granularity interface {
	// Next returns the first instant after t that starts a new window.
	Next(t time.Time) time.Time
	String() string
}

type fixed time.Duration

// Fixed returns a granularity of constant-length windows.
func Fixed(d time.Duration) Granularity { return fixed(d) }

func (f fixed) Next(t time.Time) time.Time { return t.Add(time.Duration(f)) }
func (f fixed) String() string              { return time.Duration(f).String() }

type monthly struct{}

// Monthly returns calendar-month windows. Boundaries fall on the first day of
// each month at midnight in the location of the range start.
func Monthly() Granularity { return monthly{} }

// Next moves to day 28 and rolls four days forward, which always lands in the
// following month, then snaps to its first day.
func (monthly) Next(t time.Time) time.Time {
	day28 := time.Date(t.Year(), t.Month(), 28, 0, 0, 0, 0, t.Location())
	rolled := day28.AddDate(0, 0, 4)
	return time.Date(rolled.Year(), rolled.Month(), 1, 0, 0, 0, 0, t.Location())
}

func (monthly) String() string { return "month" }

// ParseGranularity accepts "month" (or "monthly") and any positive
// time.ParseDuration value such as "6h".
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "month", "monthly", "1mo":
		return Monthly(), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidGranularity, s, err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("%w: %q must be positive", ErrInvalidGranularity, s)
	}
	return Fixed(d), nil
}

// Plan returns the windows covering [start, end) in ascending order. The last
// window is clipped to end. An empty or inverted range yields no windows.
func Plan(start, end time.Time, g Granularity) ([]model.TimeWindow, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: nil", ErrInvalidGranularity)
	}
	if !start.Before(end) {
		return nil, nil
	}

	var windows []model.TimeWindow
	for cur := start; cur.Before(end); {
		next := g.Next(cur)
		if !next.After(cur) {
			return nil, fmt.Errorf("%w: %s does not advance from %s", ErrInvalidGranularity, g, cur)
		}
		if next.After(end) {
			next = end
		}
		windows = append(windows, model.TimeWindow{Start: cur, End: next})
		cur = next
	}

	return windows, nil
}
