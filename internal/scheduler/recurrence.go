package scheduler

import (
	"fmt"
	"time"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
)

// Unit is the calendar granularity of a recurrence
type Unit string

const (
	UnitDay   Unit = "day"
	UnitWeek  Unit = "week"
	UnitMonth Unit = "month"
)

// Recurrence repeats an entry every Interval units until EndDate
type Recurrence struct {
	Unit     Unit       `json:"unit"`
	Interval int        `json:"interval"`
	EndDate  *time.Time `json:"end_date,omitempty"`
}

// Validate checks the recurrence against the first occurrence time
func (r *Recurrence) Validate(first time.Time) error {
	switch r.Unit {
	case UnitDay, UnitWeek, UnitMonth:
	default:
		return dispatch.NewValidationError("recurrence.unit", fmt.Sprintf("unknown unit %q", r.Unit))
	}
	if r.Interval <= 0 {
		return dispatch.NewValidationError("recurrence.interval", "must be positive")
	}
	if r.EndDate != nil && r.EndDate.Before(first) {
		return dispatch.NewValidationError("recurrence.end_date", "is before the first occurrence")
	}
	return nil
}

// Advance returns start moved forward by n recurrence steps using
// calendar arithmetic in start's location. Month steps keep the
// day-of-month of start, clamped to the last day of shorter months, so
// a series starting Jan 31 runs Feb 28, Mar 31, Apr 30.
func (r Recurrence) Advance(start time.Time, n int) time.Time {
	steps := n * r.Interval
	switch r.Unit {
	case UnitDay:
		return start.AddDate(0, 0, steps)
	case UnitWeek:
		return start.AddDate(0, 0, 7*steps)
	case UnitMonth:
		return addMonthsClamped(start, steps)
	}
	return start
}

// Ended reports whether t falls after the recurrence end date
func (r Recurrence) Ended(t time.Time) bool {
	return r.EndDate != nil && t.After(*r.EndDate)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	// day 0 of the following month is the last day of the target month
	last := time.Date(y, m+time.Month(months)+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if d > last {
		d = last
	}
	return time.Date(y, m+time.Month(months), d, hh, mm, ss, t.Nanosecond(), t.Location())
}
