package query

import (
	"bytes"
	"context"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/herald/internal/calendar"
	"github.com/livinlefevreloca/herald/internal/clock"
	"github.com/livinlefevreloca/herald/internal/schedule"
	"github.com/livinlefevreloca/herald/internal/store"
)

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T, loc *time.Location) (*Query, *store.Store) {
	t.Helper()
	st := store.New(store.NewMemory(), store.WithClock(clock.NewFake(t0)), store.WithLocation(loc))
	idx := calendar.NewIndex(st, 0, zerolog.Nop())
	st.Observe(idx)
	return New(idx, st, loc), st
}

func create(t *testing.T, st *store.Store, ref string, anchor time.Time, rule schedule.RepeatRule) schedule.Entry {
	t.Helper()
	e, err := st.Create(context.Background(), store.CreateRequest{ArticleRef: ref, AnchorTime: anchor, RepeatRule: rule, Description: "about " + ref})
	require.NoError(t, err)
	return e
}

func TestGetDayUsesCalendarLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	q, st := setup(t, tokyo)
	ctx := context.Background()

	// 16:00 UTC on the 10th is 01:00 on the 11th in Tokyo.
	e := create(t, st, "a1", time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC), schedule.RepeatNone)

	day, err := q.ParseDate("2025-03-11")
	require.NoError(t, err)
	got, err := q.GetDay(ctx, day)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].EntryID)

	day, err = q.ParseDate("2025-03-10")
	require.NoError(t, err)
	got, err = q.GetDay(ctx, day)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetRangeGroupsByDay(t *testing.T) {
	q, st := setup(t, time.UTC)
	ctx := context.Background()

	daily := create(t, st, "a1", t0.Add(time.Hour), schedule.RepeatDaily)
	once := create(t, st, "a2", t0.Add(2*time.Hour), schedule.RepeatNone)

	days, err := q.GetRange(ctx, t0, t0.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, days, 3)

	assert.Equal(t, "2025-03-10", days[0].Date)
	require.Len(t, days[0].Occurrences, 2)
	assert.Equal(t, daily.ID, days[0].Occurrences[0].EntryID)
	assert.Equal(t, once.ID, days[0].Occurrences[1].EntryID)

	assert.Equal(t, "2025-03-11", days[1].Date)
	assert.Len(t, days[1].Occurrences, 1)
	assert.Equal(t, "2025-03-12", days[2].Date)
}

func TestGetRangeEmpty(t *testing.T) {
	q, _ := setup(t, time.UTC)
	days, err := q.GetRange(context.Background(), t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.NotNil(t, days)
	assert.Empty(t, days)
}

func TestRangeValidation(t *testing.T) {
	q, _ := setup(t, time.UTC)
	ctx := context.Background()

	_, err := q.GetRange(ctx, t0, t0)
	assert.True(t, schedule.IsValidation(err))

	_, err = q.GetRange(ctx, t0, t0.AddDate(2, 0, 0))
	assert.True(t, schedule.IsValidation(err))

	_, err = q.Entries(ctx, t0.Add(time.Hour), t0)
	assert.True(t, schedule.IsValidation(err))

	_, err = q.ParseDate("10/03/2025")
	assert.True(t, schedule.IsValidation(err))

	_, err = q.MonthCounts(ctx, 2025, 13)
	assert.True(t, schedule.IsValidation(err))
}

func TestMonthCounts(t *testing.T) {
	q, st := setup(t, time.UTC)
	ctx := context.Background()

	create(t, st, "a1", t0, schedule.RepeatDaily)
	create(t, st, "a2", t0.Add(time.Hour), schedule.RepeatNone)
	create(t, st, "a3", t0.AddDate(0, 1, 0), schedule.RepeatNone)

	counts, err := q.MonthCounts(ctx, 2025, time.March)
	require.NoError(t, err)
	require.Len(t, counts, 31)

	assert.Equal(t, "2025-03-01", counts[0].Date)
	assert.Zero(t, counts[0].Total)
	assert.Equal(t, "2025-03-10", counts[9].Date)
	assert.Equal(t, 2, counts[9].Total)
	assert.Equal(t, 2, counts[9].ByStatus[schedule.StatusPending])
	assert.Equal(t, 1, counts[30].Total)

	counts, err = q.MonthCounts(ctx, 2025, time.February)
	require.NoError(t, err)
	assert.Len(t, counts, 28)
}

func TestEntriesAndAttempts(t *testing.T) {
	q, st := setup(t, time.UTC)
	ctx := context.Background()
	e := create(t, st, "a1", t0, schedule.RepeatNone)

	entries, err := q.Entries(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got, err := q.Entry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ArticleRef, got.ArticleRef)

	attempts, err := q.Attempts(ctx, e.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, attempts)

	_, err = q.Entry(ctx, "missing")
	assert.True(t, schedule.IsNotFound(err))
}

func TestICSFeed(t *testing.T) {
	q, st := setup(t, time.UTC)
	ctx := context.Background()

	daily := create(t, st, "a1", t0, schedule.RepeatDaily)
	cancelled := create(t, st, "a2", t0.Add(time.Hour), schedule.RepeatNone)
	_, err := st.Cancel(ctx, cancelled.ID, cancelled.Version)
	require.NoError(t, err)

	body, err := q.ICS(ctx, t0, t0.AddDate(0, 0, 2))
	require.NoError(t, err)

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	require.NoError(t, err)
	events := cal.Events()
	require.Len(t, events, 3)

	byUID := map[string]*ical.VEvent{}
	for _, ev := range events {
		byUID[ev.GetProperty(ical.ComponentPropertyUniqueId).Value] = ev
	}

	first := byUID[eventUID(calendar.Summary{EntryID: daily.ID, Time: t0})]
	require.NotNil(t, first)
	assert.Equal(t, "Publish a1", first.GetProperty(ical.ComponentPropertySummary).Value)
	assert.Equal(t, string(ical.ObjectStatusTentative), first.GetProperty(ical.ComponentPropertyStatus).Value)

	start, err := first.GetStartAt()
	require.NoError(t, err)
	assert.True(t, start.Equal(t0))

	c := byUID[eventUID(calendar.Summary{EntryID: cancelled.ID, Time: t0.Add(time.Hour)})]
	require.NotNil(t, c)
	assert.Equal(t, string(ical.ObjectStatusCancelled), c.GetProperty(ical.ComponentPropertyStatus).Value)
}
