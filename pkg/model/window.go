// Package model defines the records that flow through the backfill pipeline:
// planned time windows, raw upstream records, normalized documents and
// per-window fetch outcomes.
package model

import (
	"fmt"
	"time"
)

// TimeWindow is a half-open time range [Start, End).
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the window.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside [Start, End).
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Valid reports whether Start is strictly before End.
func (w TimeWindow) Valid() bool {
	return w.Start.Before(w.End)
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// FetchOutcome is the result of fetching one window. A window with OK=false
// still carries every record collected before its failures.
type FetchOutcome struct {
	Window  TimeWindow
	Records []RawRecord
	OK      bool

	// Failures counts sub-ranges that were skipped after a call-level error.
	Failures int
}
