package schedule

import (
	"fmt"
	"time"
)

// RepeatRule is how often an entry fires after its anchor.
type RepeatRule string

const (
	RepeatNone    RepeatRule = "none"
	RepeatDaily   RepeatRule = "daily"
	RepeatWeekly  RepeatRule = "weekly"
	RepeatMonthly RepeatRule = "monthly"
)

// ParseRepeatRule converts user input into a RepeatRule. An empty string
// means RepeatNone.
func ParseRepeatRule(s string) (RepeatRule, error) {
	switch RepeatRule(s) {
	case "", RepeatNone:
		return RepeatNone, nil
	case RepeatDaily, RepeatWeekly, RepeatMonthly:
		return RepeatRule(s), nil
	default:
		return "", &ValidationError{Field: "repeatRule", Reason: fmt.Sprintf("unknown repeat rule %q", s)}
	}
}

// Recurring reports whether the rule produces more than one occurrence.
func (r RepeatRule) Recurring() bool {
	return r == RepeatDaily || r == RepeatWeekly || r == RepeatMonthly
}

// Status describes the next unresolved occurrence of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) String() string { return string(s) }

// Entry is a user-declared publishing intent.
type Entry struct {
	ID          string
	ArticleRef  string
	AnchorTime  time.Time
	Origin      time.Time // recurrence grid reference, see recurrence.Expand
	RepeatRule  RepeatRule
	Status      Status
	Version     int64
	Description string

	// Dispatch bookkeeping
	AttemptCount    int
	LastAttemptAt   time.Time
	LastError       string
	NotBefore       time.Time // backoff eligibility, zero when not backing off
	LeaseOwner      string
	LeaseUntil      time.Time
	ResolvedThrough time.Time
	LastPublishedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InFlight reports whether a dispatcher holds an unexpired claim on the entry.
func (e Entry) InFlight(now time.Time) bool {
	return e.LeaseOwner != "" && now.Before(e.LeaseUntil)
}

// Due reports whether the dispatcher may pick the entry up at now.
func (e Entry) Due(now time.Time) bool {
	return e.Status == StatusPending &&
		!e.AnchorTime.After(now) &&
		!e.NotBefore.After(now) &&
		!e.InFlight(now)
}

// Terminal reports whether no further transitions are possible.
func (e Entry) Terminal() bool {
	if e.Status == StatusCancelled {
		return true
	}
	return !e.RepeatRule.Recurring() && (e.Status == StatusPublished || e.Status == StatusFailed)
}

// Occurrence is a single concrete firing time of an entry. It is always
// derived, never stored.
type Occurrence struct {
	EntryID string
	Time    time.Time
}

// Patch is a partial update of a pending entry. Nil fields are left alone.
type Patch struct {
	ArticleRef  *string
	AnchorTime  *time.Time
	RepeatRule  *RepeatRule
	Description *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.ArticleRef == nil && p.AnchorTime == nil && p.RepeatRule == nil && p.Description == nil
}

// NormalizeTime truncates t to whole seconds, the resolution of the
// recurrence engine and of every persistence backend.
func NormalizeTime(t time.Time) time.Time {
	return t.Truncate(time.Second)
}

// Outcome is the result of one publish attempt.
type Outcome string

const (
	OutcomePublished Outcome = "published"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
)

// Attempt is one call to the publisher, kept as history.
type Attempt struct {
	EntryID     string
	ArticleRef  string
	Occurrence  time.Time
	Number      int
	Owner       string
	Outcome     Outcome
	Error       string
	AttemptedAt time.Time
	Duration    time.Duration
}
