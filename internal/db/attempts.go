package db

import (
	"context"
	"time"

	"github.com/livinlefevreloca/herald/internal/schedule"
)

// =============================================================================
// Publish Attempt Operations
// =============================================================================

// RecordAttempt appends a publish attempt to the entry's history
func (r *Entries) RecordAttempt(ctx context.Context, a schedule.Attempt) error {
	query := `
		INSERT INTO publish_attempts
			(entry_id, article_ref, occurrence_at, number, owner, outcome, error, attempted_at, duration_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		a.EntryID,
		a.ArticleRef,
		unixNano(a.Occurrence),
		a.Number,
		a.Owner,
		string(a.Outcome),
		a.Error,
		unixNano(a.AttemptedAt),
		a.Duration.Microseconds(),
	)
	return err
}

// ListAttempts returns an entry's most recent attempts, newest first
func (r *Entries) ListAttempts(ctx context.Context, entryID string, limit int) ([]schedule.Attempt, error) {
	query := `
		SELECT a.entry_id, a.article_ref, a.occurrence_at, a.number, a.owner, a.outcome,
			a.error, a.attempted_at, a.duration_us, COALESCE(e.timezone, 'UTC')
		FROM publish_attempts a
		LEFT JOIN schedule_entries e ON e.id = a.entry_id
		WHERE a.entry_id = ?
		ORDER BY a.id DESC
	`
	args := []any{entryID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []schedule.Attempt{}
	for rows.Next() {
		var (
			a                     schedule.Attempt
			occurrence, attempted int64
			durationUs            int64
			outcome, tz           string
		)
		err := rows.Scan(
			&a.EntryID,
			&a.ArticleRef,
			&occurrence,
			&a.Number,
			&a.Owner,
			&outcome,
			&a.Error,
			&attempted,
			&durationUs,
			&tz,
		)
		if err != nil {
			return nil, err
		}

		loc := loadLocation(tz)
		a.Outcome = schedule.Outcome(outcome)
		a.Occurrence = fromUnixNano(occurrence, loc)
		a.AttemptedAt = fromUnixNano(attempted, loc)
		a.Duration = time.Duration(durationUs) * time.Microsecond
		attempts = append(attempts, a)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return attempts, nil
}
