package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/livinlefevreloca/herald/internal/schedule"
	"github.com/livinlefevreloca/herald/internal/store"
)

// =============================================================================
// Schedule Entry Operations
// =============================================================================

// Entries stores schedule entries in SQLite. It implements store.Persistence
// and store.AttemptLog.
type Entries struct {
	db *DB
}

var (
	_ store.Persistence = (*Entries)(nil)
	_ store.AttemptLog  = (*Entries)(nil)
)

// NewEntries creates the entry repository over db. The schema must be
// migrated.
func NewEntries(db *DB) *Entries {
	return &Entries{db: db}
}

const entryColumns = `id, article_ref, anchor_at, origin_at, timezone, repeat_rule, status, version,
	description, attempt_count, last_attempt_at, last_error, not_before, lease_owner,
	lease_until, resolved_through, last_published_at, created_at, updated_at`

// Insert creates a new entry
func (r *Entries) Insert(ctx context.Context, e schedule.Entry) error {
	query := `
		INSERT INTO schedule_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.ArticleRef,
		unixNano(e.AnchorTime),
		unixNano(e.Origin),
		timezoneOf(e),
		string(e.RepeatRule),
		string(e.Status),
		e.Version,
		e.Description,
		e.AttemptCount,
		unixNano(e.LastAttemptAt),
		e.LastError,
		unixNano(e.NotBefore),
		e.LeaseOwner,
		unixNano(e.LeaseUntil),
		unixNano(e.ResolvedThrough),
		unixNano(e.LastPublishedAt),
		unixNano(e.CreatedAt),
		unixNano(e.UpdatedAt),
	)
	return classify(err)
}

// Get retrieves an entry by ID
func (r *Entries) Get(ctx context.Context, id string) (schedule.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM schedule_entries WHERE id = ?`

	e, err := scanEntry(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Entry{}, store.ErrNotFound
	}
	if err != nil {
		return schedule.Entry{}, err
	}
	return e, nil
}

// Update replaces an entry if its stored version is expectedVersion
func (r *Entries) Update(ctx context.Context, e schedule.Entry, expectedVersion int64) error {
	query := `
		UPDATE schedule_entries
		SET article_ref = ?, anchor_at = ?, origin_at = ?, timezone = ?, repeat_rule = ?,
			status = ?, version = ?, description = ?, attempt_count = ?, last_attempt_at = ?,
			last_error = ?, not_before = ?, lease_owner = ?, lease_until = ?,
			resolved_through = ?, last_published_at = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		e.ArticleRef,
		unixNano(e.AnchorTime),
		unixNano(e.Origin),
		timezoneOf(e),
		string(e.RepeatRule),
		string(e.Status),
		e.Version,
		e.Description,
		e.AttemptCount,
		unixNano(e.LastAttemptAt),
		e.LastError,
		unixNano(e.NotBefore),
		e.LeaseOwner,
		unixNano(e.LeaseUntil),
		unixNano(e.ResolvedThrough),
		unixNano(e.LastPublishedAt),
		unixNano(e.UpdatedAt),
		e.ID,
		expectedVersion,
	)
	if err != nil {
		return classify(err)
	}

	return r.checkAffected(ctx, result, e.ID)
}

// Delete removes an entry and its attempt history if its stored version is
// expectedVersion
func (r *Entries) Delete(ctx context.Context, id string, expectedVersion int64) error {
	return r.db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM publish_attempts WHERE entry_id = ?`, id); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM schedule_entries WHERE id = ? AND version = ?`, id, expectedVersion)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows > 0 {
			return nil
		}

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM schedule_entries WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return store.ErrVersionConflict
	})
}

// ListDue returns pending entries the dispatcher may claim at now
func (r *Entries) ListDue(ctx context.Context, now time.Time) ([]schedule.Entry, error) {
	n := now.UnixNano()
	query := `
		SELECT ` + entryColumns + `
		FROM schedule_entries
		WHERE status = 'pending'
			AND anchor_at <= ?
			AND not_before <= ?
			AND (lease_owner = '' OR lease_until <= ?)
		ORDER BY anchor_at, id
	`
	return r.list(ctx, query, n, n, n)
}

// ListInRange returns entries that may have occurrences in [start, end)
func (r *Entries) ListInRange(ctx context.Context, start, end time.Time) ([]schedule.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM schedule_entries
		WHERE anchor_at < ?
			AND ((status = 'pending' AND repeat_rule <> 'none') OR anchor_at >= ?)
		ORDER BY anchor_at, id
	`
	return r.list(ctx, query, end.UnixNano(), start.UnixNano())
}

// ListResolvedBefore returns one-shot entries resolved before the given time
func (r *Entries) ListResolvedBefore(ctx context.Context, before time.Time) ([]schedule.Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM schedule_entries
		WHERE repeat_rule = 'none'
			AND status IN ('published', 'failed', 'cancelled')
			AND updated_at < ?
		ORDER BY anchor_at, id
	`
	return r.list(ctx, query, before.UnixNano())
}

func (r *Entries) list(ctx context.Context, query string, args ...any) ([]schedule.Entry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []schedule.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// checkAffected distinguishes a missing row from a stale version when a
// conditional write touched nothing.
func (r *Entries) checkAffected(ctx context.Context, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT 1 FROM schedule_entries WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrVersionConflict
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (schedule.Entry, error) {
	var (
		e                                            schedule.Entry
		anchor, origin, lastAttempt, notBefore       int64
		leaseUntil, resolved, published, created, up int64
		tz, rule, status                             string
	)

	err := s.Scan(
		&e.ID,
		&e.ArticleRef,
		&anchor,
		&origin,
		&tz,
		&rule,
		&status,
		&e.Version,
		&e.Description,
		&e.AttemptCount,
		&lastAttempt,
		&e.LastError,
		&notBefore,
		&e.LeaseOwner,
		&leaseUntil,
		&resolved,
		&published,
		&created,
		&up,
	)
	if err != nil {
		return schedule.Entry{}, err
	}

	loc := loadLocation(tz)
	e.RepeatRule = schedule.RepeatRule(rule)
	e.Status = schedule.Status(status)
	e.AnchorTime = fromUnixNano(anchor, loc)
	e.Origin = fromUnixNano(origin, loc)
	e.LastAttemptAt = fromUnixNano(lastAttempt, loc)
	e.NotBefore = fromUnixNano(notBefore, loc)
	e.LeaseUntil = fromUnixNano(leaseUntil, loc)
	e.ResolvedThrough = fromUnixNano(resolved, loc)
	e.LastPublishedAt = fromUnixNano(published, loc)
	e.CreatedAt = fromUnixNano(created, loc)
	e.UpdatedAt = fromUnixNano(up, loc)
	return e, nil
}

// classify maps driver errors onto store sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsDuplicate(err) {
		if strings.Contains(err.Error(), "article_ref") {
			return store.ErrDuplicatePending
		}
		return store.ErrVersionConflict
	}
	return err
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

func timezoneOf(e schedule.Entry) string {
	origin := e.Origin
	if origin.IsZero() {
		origin = e.AnchorTime
	}
	return origin.Location().String()
}

// loadLocation falls back to UTC for names the host's zone database does
// not know.
func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
