// Package calendar maintains a time-ordered view of upcoming occurrences
// for calendar queries.
package calendar

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/livinlefevreloca/herald/internal/recurrence"
	"github.com/livinlefevreloca/herald/internal/schedule"
)

// Summary is one occurrence as shown on a calendar.
type Summary struct {
	EntryID      string              `json:"entryId"`
	ArticleRef   string              `json:"articleRef"`
	Time         time.Time           `json:"time"`
	Status       schedule.Status     `json:"status"`
	RepeatRule   schedule.RepeatRule `json:"repeatRule"`
	Description  string              `json:"description,omitempty"`
	AttemptCount int                 `json:"attemptCount"`
}

// Source supplies the entries that may have occurrences in [start, end).
type Source interface {
	ListInRange(ctx context.Context, start, end time.Time) ([]schedule.Entry, error)
}

// snapshot is an immutable sorted view covering [start, end).
type snapshot struct {
	start     time.Time
	end       time.Time
	summaries []Summary
}

func (s *snapshot) covers(start, end time.Time) bool {
	return s != nil && !start.Before(s.start) && !end.After(s.end)
}

// Index is a lazily widened, horizon-bounded index of occurrence summaries.
// Reads are lock-free; writers (widening and entry updates) are serialized
// so an entry update can never be lost to a concurrent widen.
type Index struct {
	source      Source
	maxPerEntry int
	logger      zerolog.Logger

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	// versions holds the highest entry version applied per id, guarded by
	// mu. Observer calls can arrive out of commit order; older ones are
	// dropped.
	versions map[string]int64
}

// removedVersion marks an entry as deleted so no later change resurrects it.
const removedVersion = math.MaxInt64

// NewIndex creates an empty index over source. maxPerEntry caps how many
// occurrences of one entry a single expansion produces; <= 0 means
// recurrence.DefaultMaxOccurrences.
func NewIndex(source Source, maxPerEntry int, logger zerolog.Logger) *Index {
	if maxPerEntry <= 0 {
		maxPerEntry = recurrence.DefaultMaxOccurrences
	}
	return &Index{
		source:      source,
		maxPerEntry: maxPerEntry,
		logger:      logger.With().Str("component", "calendar").Logger(),
		versions:    make(map[string]int64),
	}
}

// Query returns the summaries in [start, end) sorted by (Time, EntryID),
// widening the horizon first if it does not cover the window.
func (idx *Index) Query(ctx context.Context, start, end time.Time) ([]Summary, error) {
	if !start.Before(end) {
		return nil, &schedule.ValidationError{Field: "range", Reason: "start must be before end"}
	}

	snap := idx.snap.Load()
	if !snap.covers(start, end) {
		var err error
		if snap, err = idx.widen(ctx, start, end); err != nil {
			return nil, err
		}
	}

	return window(snap.summaries, start, end), nil
}

// Horizon returns the span the index currently covers. ok is false while
// the index is empty.
func (idx *Index) Horizon() (start, end time.Time, ok bool) {
	snap := idx.snap.Load()
	if snap == nil {
		return time.Time{}, time.Time{}, false
	}
	return snap.start, snap.end, true
}

// Len returns the number of summaries held.
func (idx *Index) Len() int {
	snap := idx.snap.Load()
	if snap == nil {
		return 0
	}
	return len(snap.summaries)
}

// Rebuild recomputes the current horizon from the source. It picks up
// writes made by other processes sharing the same persistence.
func (idx *Index) Rebuild(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	snap := idx.snap.Load()
	if snap == nil {
		return nil
	}

	entries, err := idx.load(ctx, snap.start, snap.end)
	if err != nil {
		return err
	}
	summaries := []Summary{}
	for _, e := range entries {
		idx.record(e)
		summaries = append(summaries, idx.summariesFor(e, snap.start, snap.end)...)
	}
	sortSummaries(summaries)
	idx.snap.Store(&snapshot{start: snap.start, end: snap.end, summaries: summaries})

	idx.logger.Debug().
		Time("start", snap.start).
		Time("end", snap.end).
		Int("summaries", len(summaries)).
		Msg("calendar index rebuilt")
	return nil
}

// Reset drops everything. The next query starts a new horizon.
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.snap.Store(nil)
	idx.versions = make(map[string]int64)
}

// EntryChanged replaces the summaries of e within the horizon. A version
// no newer than the one already applied is ignored.
func (idx *Index) EntryChanged(e schedule.Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	snap := idx.snap.Load()
	if snap == nil {
		return
	}
	if !idx.advance(e.ID, e.Version) {
		idx.logger.Debug().
			Str("entry_id", e.ID).
			Int64("version", e.Version).
			Msg("stale entry change ignored")
		return
	}

	summaries := without(snap.summaries, e.ID)
	summaries = append(summaries, idx.summariesFor(e, snap.start, snap.end)...)
	sortSummaries(summaries)
	idx.snap.Store(&snapshot{start: snap.start, end: snap.end, summaries: summaries})
}

// EntryRemoved drops the summaries of the entry with the given id.
func (idx *Index) EntryRemoved(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	snap := idx.snap.Load()
	if snap == nil {
		return
	}
	idx.versions[id] = removedVersion
	idx.snap.Store(&snapshot{start: snap.start, end: snap.end, summaries: without(snap.summaries, id)})
}

// advance records version for id and reports whether it is newer than
// anything applied so far. Callers hold mu.
func (idx *Index) advance(id string, version int64) bool {
	if known, ok := idx.versions[id]; ok && version <= known {
		return false
	}
	idx.versions[id] = version
	return true
}

// widen extends the horizon to cover [start, end), asking the source only
// for the uncovered part. A window disjoint from the horizon replaces it so
// a far jump does not drag everything in between along.
func (idx *Index) widen(ctx context.Context, start, end time.Time) (*snapshot, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	snap := idx.snap.Load()
	if snap.covers(start, end) {
		return snap, nil
	}

	if snap == nil || end.Before(snap.start) || start.After(snap.end) {
		entries, err := idx.load(ctx, start, end)
		if err != nil {
			return nil, err
		}
		summaries := []Summary{}
		for _, e := range entries {
			idx.record(e)
			summaries = append(summaries, idx.summariesFor(e, start, end)...)
		}
		sortSummaries(summaries)
		next := &snapshot{start: start, end: end, summaries: summaries}
		idx.snap.Store(next)
		return next, nil
	}

	// Load both sides before touching any state so a failure leaves the
	// index as it was.
	var spans []span
	if start.Before(snap.start) {
		entries, err := idx.load(ctx, start, snap.start)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span{start: start, end: snap.start, entries: entries})
	}
	if end.After(snap.end) {
		entries, err := idx.load(ctx, snap.end, end)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span{start: snap.end, end: end, entries: entries})
	}

	next := &snapshot{
		start:     minTime(start, snap.start),
		end:       maxTime(end, snap.end),
		summaries: append([]Summary(nil), snap.summaries...),
	}
	refreshed := make(map[string]bool)
	for _, sp := range spans {
		for _, e := range sp.entries {
			if refreshed[e.ID] {
				continue
			}
			known, seen := idx.versions[e.ID]
			switch {
			case known == removedVersion:
			case seen && e.Version > known:
				// The horizon holds an older version of e; redo it everywhere.
				idx.record(e)
				next.summaries = without(next.summaries, e.ID)
				next.summaries = append(next.summaries, idx.summariesFor(e, next.start, next.end)...)
				refreshed[e.ID] = true
			default:
				idx.record(e)
				next.summaries = append(next.summaries, idx.summariesFor(e, sp.start, sp.end)...)
			}
		}
	}

	sortSummaries(next.summaries)
	idx.snap.Store(next)
	return next, nil
}

// span is a freshly loaded part of a widened horizon.
type span struct {
	start   time.Time
	end     time.Time
	entries []schedule.Entry
}

func (idx *Index) load(ctx context.Context, start, end time.Time) ([]schedule.Entry, error) {
	entries, err := idx.source.ListInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("load calendar span: %w", err)
	}
	return entries, nil
}

// record notes that e's version is reflected in the index. Callers hold mu.
func (idx *Index) record(e schedule.Entry) {
	if e.Version > idx.versions[e.ID] {
		idx.versions[e.ID] = e.Version
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// summariesFor derives what the calendar shows for e within [start, end):
// every upcoming occurrence of a pending entry, or a single summary at the
// anchor of a resolved one.
func (idx *Index) summariesFor(e schedule.Entry, start, end time.Time) []Summary {
	if e.Status != schedule.StatusPending {
		if e.AnchorTime.Before(start) || !e.AnchorTime.Before(end) {
			return nil
		}
		return []Summary{summaryOf(e, e.AnchorTime)}
	}

	var out []Summary
	for _, t := range recurrence.Between(e, start, end, idx.maxPerEntry) {
		out = append(out, summaryOf(e, t))
	}
	return out
}

func summaryOf(e schedule.Entry, t time.Time) Summary {
	return Summary{
		EntryID:      e.ID,
		ArticleRef:   e.ArticleRef,
		Time:         t,
		Status:       e.Status,
		RepeatRule:   e.RepeatRule,
		Description:  e.Description,
		AttemptCount: e.AttemptCount,
	}
}

// window returns the sorted summaries in [start, end).
func window(summaries []Summary, start, end time.Time) []Summary {
	from := sort.Search(len(summaries), func(i int) bool {
		return !summaries[i].Time.Before(start)
	})

	results := []Summary{}
	for i := from; i < len(summaries); i++ {
		if !summaries[i].Time.Before(end) {
			break
		}
		results = append(results, summaries[i])
	}
	return results
}

func without(summaries []Summary, id string) []Summary {
	out := make([]Summary, 0, len(summaries))
	for _, s := range summaries {
		if s.EntryID != id {
			out = append(out, s)
		}
	}
	return out
}

// sortSummaries sorts by (Time, EntryID) for deterministic iteration.
func sortSummaries(summaries []Summary) {
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Time.Equal(summaries[j].Time) {
			return summaries[i].EntryID < summaries[j].EntryID
		}
		return summaries[i].Time.Before(summaries[j].Time)
	})
}
