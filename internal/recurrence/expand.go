// Package recurrence turns an entry's anchor and repeat rule into concrete
// firing times. It performs no I/O and never mutates entries.
//
// Times are generated on the wall clock of the entry's origin location, so a
// daily 09:00 series stays at 09:00 local time across DST changes. Monthly
// series anchored on a day the target month lacks are clamped to that
// month's last day.
package recurrence

import (
	"iter"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/livinlefevreloca/herald/internal/schedule"
)

// DefaultMaxOccurrences caps Between when the caller passes no limit.
const DefaultMaxOccurrences = 5000

var weekdays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// Expand yields the entry's firing times in the half-open window [from, to),
// in ascending order. Only times at or after the entry's current anchor are
// produced. The sequence is lazy and may be ranged over more than once.
func Expand(e schedule.Entry, from, to time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if !from.Before(to) {
			return
		}

		lower := from
		if e.AnchorTime.After(lower) {
			lower = e.AnchorTime
		}

		if !e.RepeatRule.Recurring() {
			if !e.AnchorTime.Before(from) && e.AnchorTime.Before(to) {
				yield(e.AnchorTime)
			}
			return
		}

		r, err := ruleFor(e, lower)
		if err != nil {
			return
		}

		next := r.Iterator()
		for {
			t, ok := next()
			if !ok || !t.Before(to) {
				return
			}
			if t.Before(lower) {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

// Between collects Expand into a slice, stopping after limit times.
// A limit <= 0 means DefaultMaxOccurrences.
func Between(e schedule.Entry, from, to time.Time, limit int) []time.Time {
	if limit <= 0 {
		limit = DefaultMaxOccurrences
	}
	var out []time.Time
	for t := range Expand(e, from, to) {
		out = append(out, t)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Next returns the first firing time strictly after `after` that is not
// before the entry's anchor. It returns false for non-recurring entries.
func Next(e schedule.Entry, after time.Time) (time.Time, bool) {
	if !e.RepeatRule.Recurring() {
		return time.Time{}, false
	}

	lower := after
	if e.AnchorTime.After(lower) {
		lower = e.AnchorTime
	}

	r, err := ruleFor(e, lower)
	if err != nil {
		return time.Time{}, false
	}

	next := r.Iterator()
	for {
		t, ok := next()
		if !ok {
			return time.Time{}, false
		}
		if t.After(after) && !t.Before(e.AnchorTime) {
			return t, true
		}
	}
}

// ruleFor builds an rrule whose grid is fixed by the entry's origin (time of
// day, weekday, day of month) and whose iteration starts at the beginning of
// the day (or month) containing lower, so expanding a far window does not
// walk the series from its first occurrence.
func ruleFor(e schedule.Entry, lower time.Time) (*rrule.RRule, error) {
	origin := e.Origin
	if origin.IsZero() {
		origin = e.AnchorTime
	}
	loc := origin.Location()

	start := lower.In(loc)
	if start.Before(origin) {
		start = origin
	}

	opts := rrule.ROption{
		Byhour:   []int{origin.Hour()},
		Byminute: []int{origin.Minute()},
		Bysecond: []int{origin.Second()},
	}

	switch e.RepeatRule {
	case schedule.RepeatDaily:
		opts.Freq = rrule.DAILY
		opts.Dtstart = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	case schedule.RepeatWeekly:
		opts.Freq = rrule.WEEKLY
		opts.Byweekday = []rrule.Weekday{weekdays[origin.Weekday()]}
		opts.Dtstart = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	case schedule.RepeatMonthly:
		opts.Freq = rrule.MONTHLY
		day := origin.Day()
		if day > 28 {
			// Either the anchor's day or the month's last day, whichever
			// comes first.
			opts.Bymonthday = []int{day, -1}
			opts.Bysetpos = []int{1}
		} else {
			opts.Bymonthday = []int{day}
		}
		opts.Dtstart = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, loc)
	}

	return rrule.NewRRule(opts)
}
