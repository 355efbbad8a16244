package models

import (
	"fmt"
	"time"
)

// MaintenanceWindow suspends scheduling and alerting for a monitor during a
// daily time interval. End before Start means the window spans midnight.
// Empty Days means every day.
type MaintenanceWindow struct {
	Start string   `json:"start"` // "HH:MM"
	End   string   `json:"end"`   // "HH:MM"
	Days  []string `json:"days,omitempty"` // "mon".."sun"
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// Validate checks the clock strings and day names.
func (w MaintenanceWindow) Validate() error {
	if _, err := parseClock(w.Start); err != nil {
		return fmt.Errorf("maintenance window start: %w", err)
	}
	if _, err := parseClock(w.End); err != nil {
		return fmt.Errorf("maintenance window end: %w", err)
	}
	for _, d := range w.Days {
		if _, ok := weekdayNames[d]; !ok {
			return fmt.Errorf("maintenance window day %q: want mon..sun", d)
		}
	}
	return nil
}

// Contains reports whether t falls inside the window, ends inclusive. For a
// window spanning midnight the early-morning tail belongs to the previous
// day's occurrence, so day restrictions are checked against that day.
func (w MaintenanceWindow) Contains(t time.Time) bool {
	begin, err := parseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false
	}
	minute := t.Hour()*60 + t.Minute()

	if begin <= end {
		return minute >= begin && minute <= end && w.dayMatches(t.Weekday())
	}
	if minute >= begin {
		return w.dayMatches(t.Weekday())
	}
	if minute <= end {
		return w.dayMatches(t.Add(-24 * time.Hour).Weekday())
	}
	return false
}

func (w MaintenanceWindow) dayMatches(d time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, name := range w.Days {
		if weekdayNames[name] == d {
			return true
		}
	}
	return false
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q: want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
