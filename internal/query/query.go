// Package query is the read-only facade used by presentation: day, month
// and range views over the calendar index, the entry list and an
// iCalendar feed. Nothing here writes.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/livinlefevreloca/herald/internal/calendar"
	"github.com/livinlefevreloca/herald/internal/schedule"
)

// DateLayout is how days are named in results and accepted from callers.
const DateLayout = "2006-01-02"

// DefaultMaxRange bounds a single range query.
const DefaultMaxRange = 366 * 24 * time.Hour

// Index is the calendar view the query layer reads from.
type Index interface {
	Query(ctx context.Context, start, end time.Time) ([]calendar.Summary, error)
}

// Entries lists raw schedule entries.
type Entries interface {
	Get(ctx context.Context, id string) (schedule.Entry, error)
	ListInRange(ctx context.Context, start, end time.Time) ([]schedule.Entry, error)
	Attempts(ctx context.Context, id string, limit int) ([]schedule.Attempt, error)
}

// Day is one calendar day and its occurrences in time order.
type Day struct {
	Date        string             `json:"date"`
	Occurrences []calendar.Summary `json:"occurrences"`
}

// DayCount is the per-day badge of a month view.
type DayCount struct {
	Date     string                  `json:"date"`
	Total    int                     `json:"total"`
	ByStatus map[schedule.Status]int `json:"byStatus"`
}

// Query answers calendar questions in a fixed location.
type Query struct {
	index    Index
	entries  Entries
	location *time.Location
	maxRange time.Duration
}

// New creates a Query grouping days in loc (UTC when nil).
func New(index Index, entries Entries, loc *time.Location) *Query {
	if loc == nil {
		loc = time.UTC
	}
	return &Query{index: index, entries: entries, location: loc, maxRange: DefaultMaxRange}
}

// Location returns the location days are computed in.
func (q *Query) Location() *time.Location { return q.location }

// GetRange returns every day in [start, end) that has occurrences, in order.
func (q *Query) GetRange(ctx context.Context, start, end time.Time) ([]Day, error) {
	summaries, err := q.summaries(ctx, start, end)
	if err != nil {
		return nil, err
	}

	days := []Day{}
	for _, s := range summaries {
		date := s.Time.In(q.location).Format(DateLayout)
		if n := len(days); n > 0 && days[n-1].Date == date {
			days[n-1].Occurrences = append(days[n-1].Occurrences, s)
			continue
		}
		days = append(days, Day{Date: date, Occurrences: []calendar.Summary{s}})
	}
	return days, nil
}

// GetDay returns the occurrences on the calendar day containing date.
func (q *Query) GetDay(ctx context.Context, date time.Time) ([]calendar.Summary, error) {
	start := q.startOfDay(date)
	return q.summaries(ctx, start, start.AddDate(0, 0, 1))
}

// MonthCounts returns a count per day of the given month, including days
// without occurrences.
func (q *Query) MonthCounts(ctx context.Context, year int, month time.Month) ([]DayCount, error) {
	if month < time.January || month > time.December {
		return nil, &schedule.ValidationError{Field: "month", Reason: fmt.Sprintf("%d is not a month", month)}
	}

	start := time.Date(year, month, 1, 0, 0, 0, 0, q.location)
	end := start.AddDate(0, 1, 0)
	summaries, err := q.summaries(ctx, start, end)
	if err != nil {
		return nil, err
	}

	counts := []DayCount{}
	byDate := map[string]int{}
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		date := d.Format(DateLayout)
		byDate[date] = len(counts)
		counts = append(counts, DayCount{Date: date, ByStatus: map[schedule.Status]int{}})
	}

	for _, s := range summaries {
		i, ok := byDate[s.Time.In(q.location).Format(DateLayout)]
		if !ok {
			continue
		}
		counts[i].Total++
		counts[i].ByStatus[s.Status]++
	}
	return counts, nil
}

// Entries returns the entries that may have occurrences in [start, end).
func (q *Query) Entries(ctx context.Context, start, end time.Time) ([]schedule.Entry, error) {
	if err := q.checkRange(start, end); err != nil {
		return nil, err
	}
	return q.entries.ListInRange(ctx, start, end)
}

// Entry returns one entry.
func (q *Query) Entry(ctx context.Context, id string) (schedule.Entry, error) {
	return q.entries.Get(ctx, id)
}

// Attempts returns the publish history of an entry, newest first.
func (q *Query) Attempts(ctx context.Context, id string, limit int) ([]schedule.Attempt, error) {
	return q.entries.Attempts(ctx, id, limit)
}

// ParseDate reads a YYYY-MM-DD day in the query location.
func (q *Query) ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, q.location)
	if err != nil {
		return time.Time{}, &schedule.ValidationError{Field: "date", Reason: fmt.Sprintf("%q is not a YYYY-MM-DD date", s)}
	}
	return t, nil
}

func (q *Query) summaries(ctx context.Context, start, end time.Time) ([]calendar.Summary, error) {
	if err := q.checkRange(start, end); err != nil {
		return nil, err
	}
	return q.index.Query(ctx, start, end)
}

func (q *Query) checkRange(start, end time.Time) error {
	if !start.Before(end) {
		return &schedule.ValidationError{Field: "range", Reason: "start must be before end"}
	}
	if end.Sub(start) > q.maxRange {
		return &schedule.ValidationError{
			Field:  "range",
			Reason: fmt.Sprintf("range of %s exceeds the maximum of %s", end.Sub(start), q.maxRange),
		}
	}
	return nil
}

func (q *Query) startOfDay(t time.Time) time.Time {
	t = t.In(q.location)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, q.location)
}
