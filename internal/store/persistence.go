package store

import (
	"context"
	"errors"
	"time"

	"github.com/livinlefevreloca/herald/internal/schedule"
)

// Standard errors returned by Persistence implementations.
var (
	ErrNotFound         = errors.New("store: not found")
	ErrVersionConflict  = errors.New("store: version conflict")
	ErrDuplicatePending = errors.New("store: article already has a pending entry")
)

// Persistence is durable storage of schedule entries with versioned
// conditional writes.
//
// Implementations must guarantee, atomically with each write, that at most
// one entry per ArticleRef is pending (returning ErrDuplicatePending) and
// that Update/Delete only succeed when the stored version equals
// expectedVersion (returning ErrVersionConflict otherwise).
type Persistence interface {
	Insert(ctx context.Context, e schedule.Entry) error
	Get(ctx context.Context, id string) (schedule.Entry, error)
	Update(ctx context.Context, e schedule.Entry, expectedVersion int64) error
	Delete(ctx context.Context, id string, expectedVersion int64) error

	// ListDue returns pending entries with AnchorTime <= now that are neither
	// leased nor backing off at now, ordered by (AnchorTime, ID).
	ListDue(ctx context.Context, now time.Time) ([]schedule.Entry, error)

	// ListInRange returns entries that may have occurrences in [start, end):
	// entries anchored inside the window, plus pending recurring entries
	// anchored before end. Ordered by (AnchorTime, ID).
	ListInRange(ctx context.Context, start, end time.Time) ([]schedule.Entry, error)

	// ListResolvedBefore returns non-recurring entries in a resolved status
	// whose last update happened before the given time.
	ListResolvedBefore(ctx context.Context, before time.Time) ([]schedule.Entry, error)
}

// Observer is told about every committed write, before the mutating call
// returns. Calls for one entry from concurrent writers may arrive out of
// commit order; compare Version to keep the newest.
type Observer interface {
	EntryChanged(e schedule.Entry)
	EntryRemoved(id string)
}

// Notifier receives status transition notices. Implementations must not
// block.
type Notifier interface {
	Notify(n Transition)
}

// Transition describes a status change worth telling operators about.
type Transition struct {
	Entry      schedule.Entry
	OldStatus  schedule.Status
	NewStatus  schedule.Status
	Reason     string
	Occurrence time.Time
}

// ArticleSource validates article references at creation time.
type ArticleSource interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// AttemptLog is an append-only history of publish attempts. Backends that
// implement it alongside Persistence get the history recorded by the
// dispatcher.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, a schedule.Attempt) error
	// ListAttempts returns the most recent attempts for an entry, newest
	// first. A limit <= 0 returns all of them.
	ListAttempts(ctx context.Context, entryID string, limit int) ([]schedule.Attempt, error)
}
