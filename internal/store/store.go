// Package store owns the lifecycle of schedule entries. Every mutation goes
// through one versioned read-modify-write path, so user edits and any number
// of dispatchers can share the same Persistence without overwriting each
// other.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/livinlefevreloca/herald/internal/clock"
	"github.com/livinlefevreloca/herald/internal/recurrence"
	"github.com/livinlefevreloca/herald/internal/schedule"
)

// Store is the Schedule Store.
type Store struct {
	persistence Persistence
	articles    ArticleSource
	clock       clock.Clock
	location    *time.Location
	logger      zerolog.Logger
	observers   []Observer
	notifier    Notifier
}

// Option configures a Store.
type Option func(*Store)

// WithArticles validates article references against src on create and on
// patches that change the reference.
func WithArticles(src ArticleSource) Option {
	return func(s *Store) { s.articles = src }
}

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLocation sets the location anchors are converted to. Recurrence is
// evaluated on this location's wall clock.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l.With().Str("component", "store").Logger() }
}

// WithNotifier receives cancellation transitions.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// New creates a Store over p.
func New(p Persistence, opts ...Option) *Store {
	s := &Store{
		persistence: p,
		clock:       clock.Real{},
		location:    time.Local,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe registers an observer for committed writes. It must be called
// before the store is shared between goroutines.
func (s *Store) Observe(o Observer) {
	s.observers = append(s.observers, o)
}

// Clock returns the store's clock.
func (s *Store) Clock() clock.Clock { return s.clock }

// Location returns the location anchors are normalised to.
func (s *Store) Location() *time.Location { return s.location }

// CreateRequest holds the user input for Create.
type CreateRequest struct {
	ArticleRef  string
	AnchorTime  time.Time
	RepeatRule  schedule.RepeatRule
	Description string
}

// Create records a new pending entry.
func (s *Store) Create(ctx context.Context, req CreateRequest) (schedule.Entry, error) {
	now := s.clock.Now()

	if req.ArticleRef == "" {
		return schedule.Entry{}, &schedule.ValidationError{Field: "articleRef", Reason: "must not be empty"}
	}
	rule, err := schedule.ParseRepeatRule(string(req.RepeatRule))
	if err != nil {
		return schedule.Entry{}, err
	}
	if req.AnchorTime.IsZero() {
		return schedule.Entry{}, &schedule.ValidationError{Field: "anchorTime", Reason: "must be set"}
	}
	// Compared untruncated: a fraction of a second in the past is past.
	if req.AnchorTime.Before(now) {
		return schedule.Entry{}, &schedule.ValidationError{
			Field:  "anchorTime",
			Reason: fmt.Sprintf("%s is in the past", req.AnchorTime.Format(time.RFC3339)),
		}
	}
	anchor := s.normalize(req.AnchorTime)
	if err := s.checkArticle(ctx, req.ArticleRef); err != nil {
		return schedule.Entry{}, err
	}

	e := schedule.Entry{
		ID:          uuid.NewString(),
		ArticleRef:  req.ArticleRef,
		AnchorTime:  anchor,
		Origin:      anchor,
		RepeatRule:  rule,
		Status:      schedule.StatusPending,
		Version:     1,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.persistence.Insert(ctx, e); err != nil {
		return schedule.Entry{}, s.mapError("insert", e.ID, 0, err)
	}

	s.logger.Info().
		Str("entry_id", e.ID).
		Str("article_ref", e.ArticleRef).
		Time("anchor", e.AnchorTime).
		Str("repeat", string(e.RepeatRule)).
		Msg("schedule entry created")

	s.changed(e)
	return e, nil
}

// Update applies a patch to a pending entry that is not in flight.
func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, patch schedule.Patch) (schedule.Entry, error) {
	if patch.Empty() {
		return schedule.Entry{}, &schedule.ValidationError{Reason: "patch changes nothing"}
	}

	if patch.ArticleRef != nil {
		if *patch.ArticleRef == "" {
			return schedule.Entry{}, &schedule.ValidationError{Field: "articleRef", Reason: "must not be empty"}
		}
		if err := s.checkArticle(ctx, *patch.ArticleRef); err != nil {
			return schedule.Entry{}, err
		}
	}
	if patch.RepeatRule != nil {
		if _, err := schedule.ParseRepeatRule(string(*patch.RepeatRule)); err != nil {
			return schedule.Entry{}, err
		}
	}

	return s.Mutate(ctx, id, expectedVersion, func(e *schedule.Entry, now time.Time) error {
		if e.Status != schedule.StatusPending {
			return &schedule.ConflictError{ID: e.ID, Reason: fmt.Sprintf("entry is %s and can no longer be edited", e.Status)}
		}
		if e.InFlight(now) {
			return &schedule.ConflictError{ID: e.ID, Reason: "entry is being published"}
		}

		if patch.ArticleRef != nil {
			e.ArticleRef = *patch.ArticleRef
		}
		if patch.Description != nil {
			e.Description = *patch.Description
		}
		if patch.RepeatRule != nil {
			e.RepeatRule = *patch.RepeatRule
			if e.RepeatRule == "" {
				e.RepeatRule = schedule.RepeatNone
			}
		}
		if patch.AnchorTime != nil {
			anchor := s.normalize(*patch.AnchorTime)
			if !e.ResolvedThrough.IsZero() && !anchor.After(e.ResolvedThrough) {
				return &schedule.ValidationError{
					Field:  "anchorTime",
					Reason: fmt.Sprintf("occurrence at or before %s is already resolved", e.ResolvedThrough.Format(time.RFC3339)),
				}
			}
			e.AnchorTime = anchor
			e.Origin = anchor
			e.AttemptCount = 0
			e.NotBefore = time.Time{}
			e.LastError = ""
		}
		return nil
	})
}

// Cancel permanently cancels an entry. Cancelling an entry that a
// dispatcher is publishing does not abort the publish; the dispatcher
// records the outcome but the entry stays cancelled.
func (s *Store) Cancel(ctx context.Context, id string, expectedVersion int64) (schedule.Entry, error) {
	var old schedule.Status
	e, err := s.Mutate(ctx, id, expectedVersion, func(e *schedule.Entry, now time.Time) error {
		old = e.Status
		if e.Terminal() {
			return &schedule.ConflictError{ID: e.ID, Reason: fmt.Sprintf("entry is already %s", e.Status)}
		}
		e.Status = schedule.StatusCancelled
		e.NotBefore = time.Time{}
		return nil
	})
	if err != nil {
		return e, err
	}

	s.notify(Transition{Entry: e, OldStatus: old, NewStatus: schedule.StatusCancelled, Reason: "cancelled by user", Occurrence: e.AnchorTime})
	return e, nil
}

// SkipOccurrence resolves the pending occurrence of a recurring entry
// without publishing it and moves the anchor to the following occurrence.
func (s *Store) SkipOccurrence(ctx context.Context, id string, expectedVersion int64) (schedule.Entry, error) {
	var skipped time.Time
	e, err := s.Mutate(ctx, id, expectedVersion, func(e *schedule.Entry, now time.Time) error {
		if !e.RepeatRule.Recurring() {
			return &schedule.ValidationError{Field: "repeatRule", Reason: "only recurring entries can skip an occurrence; cancel instead"}
		}
		if e.Status != schedule.StatusPending {
			return &schedule.ConflictError{ID: e.ID, Reason: fmt.Sprintf("entry is %s", e.Status)}
		}
		if e.InFlight(now) {
			return &schedule.ConflictError{ID: e.ID, Reason: "entry is being published"}
		}

		next, ok := recurrence.Next(*e, e.AnchorTime)
		if !ok {
			return &schedule.ValidationError{Field: "repeatRule", Reason: "series has no further occurrence"}
		}
		skipped = e.AnchorTime
		e.ResolvedThrough = e.AnchorTime
		e.AnchorTime = next
		e.AttemptCount = 0
		e.NotBefore = time.Time{}
		e.LastError = ""
		return nil
	})
	if err != nil {
		return e, err
	}

	s.notify(Transition{Entry: e, OldStatus: schedule.StatusPending, NewStatus: schedule.StatusCancelled, Reason: "occurrence skipped by user", Occurrence: skipped})
	return e, nil
}

// Delete removes an entry that is not pending. Pending entries must be
// cancelled first.
func (s *Store) Delete(ctx context.Context, id string) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == schedule.StatusPending {
		return &schedule.ConflictError{ID: id, Reason: "pending entries must be cancelled before deletion"}
	}

	if err := s.persistence.Delete(ctx, id, e.Version); err != nil {
		return s.mapError("delete", id, e.Version, err)
	}

	s.logger.Info().Str("entry_id", id).Msg("schedule entry deleted")
	for _, o := range s.observers {
		o.EntryRemoved(id)
	}
	return nil
}

// PurgeResolved deletes non-recurring entries resolved before the given
// time and returns how many were removed. Entries changed concurrently are
// skipped.
func (s *Store) PurgeResolved(ctx context.Context, before time.Time) (int, error) {
	entries, err := s.persistence.ListResolvedBefore(ctx, before)
	if err != nil {
		return 0, &schedule.PersistenceError{Op: "list resolved", Err: err}
	}

	purged := 0
	for _, e := range entries {
		if err := s.persistence.Delete(ctx, e.ID, e.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			return purged, &schedule.PersistenceError{Op: "purge", Err: err}
		}
		purged++
		for _, o := range s.observers {
			o.EntryRemoved(e.ID)
		}
	}
	return purged, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id string) (schedule.Entry, error) {
	e, err := s.persistence.Get(ctx, id)
	if err != nil {
		return schedule.Entry{}, s.mapError("get", id, 0, err)
	}
	return e, nil
}

// ListDue returns entries the dispatcher may fire at notAfter, ordered by
// anchor time ascending.
func (s *Store) ListDue(ctx context.Context, notAfter time.Time) ([]schedule.Entry, error) {
	entries, err := s.persistence.ListDue(ctx, notAfter)
	if err != nil {
		return nil, &schedule.PersistenceError{Op: "list due", Err: err}
	}
	SortByAnchor(entries)
	return entries, nil
}

// ListInRange returns entries that may have occurrences in [start, end).
func (s *Store) ListInRange(ctx context.Context, start, end time.Time) ([]schedule.Entry, error) {
	if !start.Before(end) {
		return nil, &schedule.ValidationError{Field: "range", Reason: "start must be before end"}
	}
	entries, err := s.persistence.ListInRange(ctx, start, end)
	if err != nil {
		return nil, &schedule.PersistenceError{Op: "list range", Err: err}
	}
	return entries, nil
}

// Claim marks an entry as in flight for owner until leaseUntil. It fails
// with a ConflictError when the entry changed since it was read or is no
// longer due.
func (s *Store) Claim(ctx context.Context, id string, expectedVersion int64, owner string, leaseUntil time.Time) (schedule.Entry, error) {
	return s.Mutate(ctx, id, expectedVersion, func(e *schedule.Entry, now time.Time) error {
		if !e.Due(now) {
			return &schedule.ConflictError{ID: e.ID, Reason: "entry is no longer due"}
		}
		e.LeaseOwner = owner
		e.LeaseUntil = leaseUntil
		return nil
	})
}

// RecordAttempt appends to the publish history when the backend keeps one.
func (s *Store) RecordAttempt(ctx context.Context, a schedule.Attempt) error {
	log, ok := s.persistence.(AttemptLog)
	if !ok {
		return nil
	}
	if err := log.RecordAttempt(ctx, a); err != nil {
		return &schedule.PersistenceError{Op: "record attempt", Err: err}
	}
	return nil
}

// Attempts returns the publish history of an entry, newest first. Backends
// without history return an empty slice.
func (s *Store) Attempts(ctx context.Context, id string, limit int) ([]schedule.Attempt, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	log, ok := s.persistence.(AttemptLog)
	if !ok {
		return []schedule.Attempt{}, nil
	}
	attempts, err := log.ListAttempts(ctx, id, limit)
	if err != nil {
		return nil, &schedule.PersistenceError{Op: "list attempts", Err: err}
	}
	return attempts, nil
}

// MutateFunc edits an entry in place. now is the store clock's reading for
// this write.
type MutateFunc func(e *schedule.Entry, now time.Time) error

// Mutate is the single versioned write path. It reads the entry, rejects a
// stale expectedVersion, applies fn, checks the status transition, bumps the
// version exactly once and writes conditionally. Observers are updated before
// it returns.
func (s *Store) Mutate(ctx context.Context, id string, expectedVersion int64, fn MutateFunc) (schedule.Entry, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return schedule.Entry{}, err
	}
	if current.Version != expectedVersion {
		return current, &schedule.ConflictError{ID: id, Reason: "stale version", Expected: expectedVersion, Actual: current.Version}
	}

	now := s.clock.Now()
	next := current
	if err := fn(&next, now); err != nil {
		return current, err
	}
	if err := schedule.CheckTransition(current.RepeatRule, current.Status, next.Status); err != nil {
		return current, err
	}

	next.ID = current.ID
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = now

	if err := s.persistence.Update(ctx, next, expectedVersion); err != nil {
		return current, s.mapError("update", id, expectedVersion, err)
	}

	s.logger.Debug().
		Str("entry_id", id).
		Int64("version", next.Version).
		Str("status", next.Status.String()).
		Msg("schedule entry updated")

	s.changed(next)
	return next, nil
}

func (s *Store) checkArticle(ctx context.Context, ref string) error {
	if s.articles == nil {
		return nil
	}
	ok, err := s.articles.Exists(ctx, ref)
	if err != nil {
		return fmt.Errorf("check article %s: %w", ref, err)
	}
	if !ok {
		return &schedule.NotFoundError{Kind: "article", ID: ref}
	}
	return nil
}

func (s *Store) normalize(t time.Time) time.Time {
	return schedule.NormalizeTime(t.In(s.location))
}

func (s *Store) changed(e schedule.Entry) {
	for _, o := range s.observers {
		o.EntryChanged(e)
	}
}

func (s *Store) notify(t Transition) {
	if s.notifier != nil {
		s.notifier.Notify(t)
	}
}

// mapError converts Persistence errors into the domain taxonomy.
func (s *Store) mapError(op, id string, expectedVersion int64, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return &schedule.NotFoundError{Kind: "entry", ID: id}
	case errors.Is(err, ErrVersionConflict):
		return &schedule.ConflictError{ID: id, Reason: "stale version", Expected: expectedVersion}
	case errors.Is(err, ErrDuplicatePending):
		return &schedule.ConflictError{ID: id, Reason: "article already has a pending entry"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		s.logger.Error().Err(err).Str("op", op).Str("entry_id", id).Msg("persistence failure")
		return &schedule.PersistenceError{Op: op, Err: err}
	}
}
