package query

import (
	"context"
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/livinlefevreloca/herald/internal/calendar"
	"github.com/livinlefevreloca/herald/internal/schedule"
)

// eventLength is the nominal duration given to each occurrence; publishing
// is instantaneous but calendar clients need an end time.
const eventLength = 15 * time.Minute

// ICS renders the occurrences in [start, end) as an iCalendar feed. Each
// occurrence is its own VEVENT so clients see the status of every firing.
func (q *Query) ICS(ctx context.Context, start, end time.Time) ([]byte, error) {
	summaries, err := q.summaries(ctx, start, end)
	if err != nil {
		return nil, err
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//herald//publish schedule//EN")
	cal.SetXWRCalName("herald publish schedule")
	cal.SetXWRTimezone(q.location.String())

	for _, s := range summaries {
		addEvent(cal, s)
	}

	return []byte(cal.Serialize()), nil
}

func addEvent(cal *ical.Calendar, s calendar.Summary) {
	event := cal.AddEvent(eventUID(s))
	event.SetDtStampTime(s.Time)
	event.SetStartAt(s.Time)
	event.SetEndAt(s.Time.Add(eventLength))
	event.SetSummary(fmt.Sprintf("Publish %s", s.ArticleRef))
	if s.Description != "" {
		event.SetDescription(s.Description)
	}
	event.SetProperty(ical.ComponentPropertyCategories, string(s.Status))

	switch s.Status {
	case schedule.StatusCancelled:
		event.SetStatus(ical.ObjectStatusCancelled)
	case schedule.StatusPublished, schedule.StatusFailed:
		event.SetStatus(ical.ObjectStatusConfirmed)
	default:
		event.SetStatus(ical.ObjectStatusTentative)
	}
}

// eventUID is stable per occurrence, so clients update rather than
// duplicate an event when its status changes.
func eventUID(s calendar.Summary) string {
	return fmt.Sprintf("%s-%d@herald", s.EntryID, s.Time.Unix())
}
