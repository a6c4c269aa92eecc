package mongostore

import (
	"strings"
	"time"

	"github.com/livinlefevreloca/herald/internal/schedule"
)

// entryDocument is the stored form of an entry. Times are unix nanoseconds
// with 0 meaning unset, evaluated in the named timezone.
type entryDocument struct {
	ID              string `bson:"_id"`
	ArticleRef      string `bson:"articleRef"`
	AnchorAt        int64  `bson:"anchorAt"`
	OriginAt        int64  `bson:"originAt"`
	Timezone        string `bson:"timezone"`
	RepeatRule      string `bson:"repeatRule"`
	Status          string `bson:"status"`
	Version         int64  `bson:"version"`
	Description     string `bson:"description"`
	AttemptCount    int    `bson:"attemptCount"`
	LastAttemptAt   int64  `bson:"lastAttemptAt"`
	LastError       string `bson:"lastError"`
	NotBefore       int64  `bson:"notBefore"`
	LeaseOwner      string `bson:"leaseOwner"`
	LeaseUntil      int64  `bson:"leaseUntil"`
	ResolvedThrough int64  `bson:"resolvedThrough"`
	LastPublishedAt int64  `bson:"lastPublishedAt"`
	CreatedAt       int64  `bson:"createdAt"`
	UpdatedAt       int64  `bson:"updatedAt"`
}

type attemptDocument struct {
	Seq          int64  `bson:"seq"`
	EntryID      string `bson:"entryId"`
	ArticleRef   string `bson:"articleRef"`
	OccurrenceAt int64  `bson:"occurrenceAt"`
	Timezone     string `bson:"timezone"`
	Number       int    `bson:"number"`
	Owner        string `bson:"owner"`
	Outcome      string `bson:"outcome"`
	Error        string `bson:"error"`
	AttemptedAt  int64  `bson:"attemptedAt"`
	DurationUs   int64  `bson:"durationUs"`
}

func toDocument(e schedule.Entry) entryDocument {
	origin := e.Origin
	if origin.IsZero() {
		origin = e.AnchorTime
	}
	return entryDocument{
		ID:              e.ID,
		ArticleRef:      e.ArticleRef,
		AnchorAt:        unixNano(e.AnchorTime),
		OriginAt:        unixNano(e.Origin),
		Timezone:        origin.Location().String(),
		RepeatRule:      string(e.RepeatRule),
		Status:          string(e.Status),
		Version:         e.Version,
		Description:     e.Description,
		AttemptCount:    e.AttemptCount,
		LastAttemptAt:   unixNano(e.LastAttemptAt),
		LastError:       e.LastError,
		NotBefore:       unixNano(e.NotBefore),
		LeaseOwner:      e.LeaseOwner,
		LeaseUntil:      unixNano(e.LeaseUntil),
		ResolvedThrough: unixNano(e.ResolvedThrough),
		LastPublishedAt: unixNano(e.LastPublishedAt),
		CreatedAt:       unixNano(e.CreatedAt),
		UpdatedAt:       unixNano(e.UpdatedAt),
	}
}

func (d entryDocument) entry() schedule.Entry {
	loc := loadLocation(d.Timezone)
	return schedule.Entry{
		ID:              d.ID,
		ArticleRef:      d.ArticleRef,
		AnchorTime:      fromUnixNano(d.AnchorAt, loc),
		Origin:          fromUnixNano(d.OriginAt, loc),
		RepeatRule:      schedule.RepeatRule(d.RepeatRule),
		Status:          schedule.Status(d.Status),
		Version:         d.Version,
		Description:     d.Description,
		AttemptCount:    d.AttemptCount,
		LastAttemptAt:   fromUnixNano(d.LastAttemptAt, loc),
		LastError:       d.LastError,
		NotBefore:       fromUnixNano(d.NotBefore, loc),
		LeaseOwner:      d.LeaseOwner,
		LeaseUntil:      fromUnixNano(d.LeaseUntil, loc),
		ResolvedThrough: fromUnixNano(d.ResolvedThrough, loc),
		LastPublishedAt: fromUnixNano(d.LastPublishedAt, loc),
		CreatedAt:       fromUnixNano(d.CreatedAt, loc),
		UpdatedAt:       fromUnixNano(d.UpdatedAt, loc),
	}
}

// toAttemptDocument stamps the attempt with a sequence taken from the
// insertion time, which orders history newest first.
func toAttemptDocument(a schedule.Attempt, now time.Time) attemptDocument {
	return attemptDocument{
		Seq:          now.UnixNano(),
		EntryID:      a.EntryID,
		ArticleRef:   a.ArticleRef,
		OccurrenceAt: unixNano(a.Occurrence),
		Timezone:     a.Occurrence.Location().String(),
		Number:       a.Number,
		Owner:        a.Owner,
		Outcome:      string(a.Outcome),
		Error:        a.Error,
		AttemptedAt:  unixNano(a.AttemptedAt),
		DurationUs:   a.Duration.Microseconds(),
	}
}

func (d attemptDocument) attempt() schedule.Attempt {
	loc := loadLocation(d.Timezone)
	return schedule.Attempt{
		EntryID:     d.EntryID,
		ArticleRef:  d.ArticleRef,
		Occurrence:  fromUnixNano(d.OccurrenceAt, loc),
		Number:      d.Number,
		Owner:       d.Owner,
		Outcome:     schedule.Outcome(d.Outcome),
		Error:       d.Error,
		AttemptedAt: fromUnixNano(d.AttemptedAt, loc),
		Duration:    time.Duration(d.DurationUs) * time.Microsecond,
	}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64, loc *time.Location) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).In(loc)
}

func loadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func containsIndex(msg, index string) bool {
	return strings.Contains(msg, "index: "+index)
}
