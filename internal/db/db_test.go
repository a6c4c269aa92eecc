package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/livinlefevreloca/herald/internal/schedule"
	"github.com/livinlefevreloca/herald/internal/store"
)

// Test Fixtures and Helpers

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// NewTestDB creates a migrated in-memory SQLite database for testing
func NewTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(DriverCgo, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if err := db.Migrate(context.Background(), "", zerolog.Nop()); err != nil {
		db.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// MakeTestEntry creates a pending entry with default test values
func MakeTestEntry(id, articleRef string, anchor time.Time) schedule.Entry {
	return schedule.Entry{
		ID:          id,
		ArticleRef:  articleRef,
		AnchorTime:  anchor,
		Origin:      anchor,
		RepeatRule:  schedule.RepeatNone,
		Status:      schedule.StatusPending,
		Version:     1,
		Description: "entry " + id,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
}

func mustInsert(t *testing.T, r *Entries, e schedule.Entry) {
	t.Helper()
	if err := r.Insert(context.Background(), e); err != nil {
		t.Fatalf("Insert(%s) failed: %v", e.ID, err)
	}
}

func ids(entries []schedule.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func assertIDs(t *testing.T, got []schedule.Entry, want ...string) {
	t.Helper()
	gotIDs := ids(got)
	if len(gotIDs) != len(want) {
		t.Fatalf("ids = %v, want %v", gotIDs, want)
	}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("ids = %v, want %v", gotIDs, want)
		}
	}
}

// Connection Tests

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		dsn     string
		wantErr bool
	}{
		{name: "cgo driver in-memory", driver: DriverCgo, dsn: ":memory:"},
		{name: "pure go driver in-memory", driver: DriverPure, dsn: ":memory:"},
		{name: "invalid driver", driver: "postgres", dsn: "", wantErr: true},
		{name: "empty dsn", driver: DriverCgo, dsn: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := Open(tt.driver, tt.dsn)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer db.Close()

			if db.Driver() != tt.driver {
				t.Errorf("driver = %q, want %q", db.Driver(), tt.driver)
			}
		})
	}
}

func TestOpenWithConfig_File(t *testing.T) {
	for _, driver := range []string{DriverCgo, DriverPure} {
		t.Run(driver, func(t *testing.T) {
			config := Config{
				Driver:          driver,
				DSN:             filepath.Join(t.TempDir(), "herald.db"),
				MaxOpenConns:    4,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
				BusyTimeout:     time.Second,
			}

			db, err := OpenWithConfig(config)
			if err != nil {
				t.Fatalf("failed to open database: %v", err)
			}
			defer db.Close()

			if got := db.Stats().MaxOpenConnections; got != 4 {
				t.Errorf("MaxOpenConnections = %d, want 4", got)
			}
			if err := db.Migrate(context.Background(), "", zerolog.Nop()); err != nil {
				t.Fatalf("migrate failed: %v", err)
			}

			r := NewEntries(db)
			mustInsert(t, r, MakeTestEntry("e1", "a1", base))
			got, err := r.Get(context.Background(), "e1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !got.AnchorTime.Equal(base) {
				t.Errorf("anchor = %v, want %v", got.AnchorTime, base)
			}
		})
	}
}

func TestOpenWithConfig_MemoryIsSingleConnection(t *testing.T) {
	db, err := OpenWithConfig(Config{Driver: DriverCgo, DSN: ":memory:", MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("MaxOpenConnections = %d, want 1", got)
	}
}

func TestClose(t *testing.T) {
	db, err := Open(DriverCgo, ":memory:")
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if err := db.Ping(); err == nil {
		t.Error("expected Ping to fail after Close")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := NewTestDB(t)

	if err := db.Migrate(context.Background(), "", zerolog.Nop()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// Entry Tests

func TestInsertAndGet(t *testing.T) {
	db := NewTestDB(t)
	r := NewEntries(db)
	ctx := context.Background()

	shanghai, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Fatal(err)
	}
	anchor := time.Date(2025, 6, 2, 8, 30, 0, 0, shanghai)

	e := MakeTestEntry("e1", "a1", anchor)
	e.RepeatRule = schedule.RepeatMonthly
	e.LastError = "boom"
	e.AttemptCount = 2
	e.NotBefore = anchor.Add(time.Minute)
	mustInsert(t, r, e)

	got, err := r.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got.AnchorTime.Location().String() != "Asia/Shanghai" {
		t.Errorf("location = %s, want Asia/Shanghai", got.AnchorTime.Location())
	}
	if got.AnchorTime.Hour() != 8 || !got.AnchorTime.Equal(anchor) {
		t.Errorf("anchor = %v, want %v", got.AnchorTime, anchor)
	}
	if got.RepeatRule != schedule.RepeatMonthly {
		t.Errorf("repeat = %s, want monthly", got.RepeatRule)
	}
	if got.AttemptCount != 2 || got.LastError != "boom" {
		t.Errorf("bookkeeping = (%d, %q), want (2, boom)", got.AttemptCount, got.LastError)
	}
	if !got.NotBefore.Equal(e.NotBefore) {
		t.Errorf("not_before = %v, want %v", got.NotBefore, e.NotBefore)
	}
	if !got.LeaseUntil.IsZero() || !got.LastPublishedAt.IsZero() {
		t.Error("unset times should read back as zero")
	}
}

func TestGet_NotFound(t *testing.T) {
	r := NewEntries(NewTestDB(t))

	_, err := r.Get(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsert_DuplicateID(t *testing.T) {
	r := NewEntries(NewTestDB(t))

	mustInsert(t, r, MakeTestEntry("e1", "a1", base))
	err := r.Insert(context.Background(), MakeTestEntry("e1", "a2", base))
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestPendingUniquePerArticle(t *testing.T) {
	r := NewEntries(NewTestDB(t))
	ctx := context.Background()

	mustInsert(t, r, MakeTestEntry("e1", "a1", base))

	err := r.Insert(ctx, MakeTestEntry("e2", "a1", base.Add(time.Hour)))
	if !errors.Is(err, store.ErrDuplicatePending) {
		t.Fatalf("expected ErrDuplicatePending, got %v", err)
	}

	// A resolved entry does not block a new pending one.
	resolved := MakeTestEntry("e1", "a1", base)
	resolved.Status = schedule.StatusPublished
	resolved.Version = 2
	if err := r.Update(ctx, resolved, 1); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	mustInsert(t, r, MakeTestEntry("e2", "a1", base.Add(time.Hour)))

	// Nor can a resolved entry be moved back to pending alongside it.
	reopened := resolved
	reopened.Status = schedule.StatusPending
	reopened.Version = 3
	if err := r.Update(ctx, reopened, 2); !errors.Is(err, store.ErrDuplicatePending) {
		t.Errorf("expected ErrDuplicatePending, got %v", err)
	}
}

func TestUpdate_ConditionalOnVersion(t *testing.T) {
	r := NewEntries(NewTestDB(t))
	ctx := context.Background()

	e := MakeTestEntry("e1", "a1", base)
	mustInsert(t, r, e)

	e.Description = "edited"
	e.Version = 2
	if err := r.Update(ctx, e, 1); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	stale := e
	stale.Description = "stale"
	stale.Version = 2
	if err := r.Update(ctx, stale, 1); !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}

	missing := MakeTestEntry("nope", "a9", base)
	if err := r.Update(ctx, missing, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, err := r.Get(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "edited" || got.Version != 2 {
		t.Errorf("got (%q, %d), want (edited, 2)", got.Description, got.Version)
	}
}

func TestUpdate_ConcurrentWritersOneWins(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenWithConfig(Config{Driver: DriverCgo, DSN: filepath.Join(dir, "c.db"), MaxOpenConns: 4, BusyTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background(), "", zerolog.Nop()); err != nil {
		t.Fatal(err)
	}

	r := NewEntries(db)
	mustInsert(t, r, MakeTestEntry("e1", "a1", base))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := MakeTestEntry("e1", "a1", base)
			e.Version = 2
			if err := r.Update(context.Background(), e, 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestDelete(t *testing.T) {
	r := NewEntries(NewTestDB(t))
	ctx := context.Background()

	mustInsert(t, r, MakeTestEntry("e1", "a1", base))
	if err := r.RecordAttempt(ctx, schedule.Attempt{EntryID: "e1", ArticleRef: "a1", Occurrence: base, Number: 1, Outcome: schedule.OutcomeRetry, AttemptedAt: base}); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	if err := r.Delete(ctx, "e1", 7); !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
	if err := r.Delete(ctx, "e1", 1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := r.Delete(ctx, "e1", 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	attempts, err := r.ListAttempts(ctx, "e1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 0 {
		t.Errorf("attempt history survived delete: %d rows", len(attempts))
	}
}

func TestListDue(t *testing.T) {
	r := NewEntries(NewTestDB(t))
	ctx := context.Background()
	now := base.Add(time.Hour)

	mustInsert(t, r, MakeTestEntry("b", "a1", base))
	mustInsert(t, r, MakeTestEntry("a", "a2", base))
	mustInsert(t, r, MakeTestEntry("early", "a3", base.Add(-time.Minute)))
	mustInsert(t, r, MakeTestEntry("future", "a4", now.Add(time.Second)))

	backingOff := MakeTestEntry("backoff", "a5", base)
	backingOff.NotBefore = now.Add(time.Minute)
	mustInsert(t, r, backingOff)

	leased := MakeTestEntry("leased", "a6", base)
	leased.LeaseOwner = "w1"
	leased.LeaseUntil = now.Add(time.Minute)
	mustInsert(t, r, leased)

	expired := MakeTestEntry("expired", "a7", base)
	expired.LeaseOwner = "w1"
	expired.LeaseUntil = now
	mustInsert(t, r, expired)

	cancelled := MakeTestEntry("cancelled", "a8", base)
	cancelled.Status = schedule.StatusCancelled
	mustInsert(t, r, cancelled)

	due, err := r.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	assertIDs(t, due, "early", "a", "b", "expired")
}

func TestListInRange(t *testing.T) {
	r := NewEntries(NewTestDB(t))
	ctx := context.Background()

	start := base.AddDate(0, 0, 5)
	end := start.AddDate(0, 0, 1)

	mustInsert(t, r, MakeTestEntry("inside", "a1", start.Add(time.Hour)))
	mustInsert(t, r, MakeTestEntry("before", "a2", base))
	mustInsert(t, r, MakeTestEntry("at-end", "a3", end))

	daily := MakeTestEntry("daily", "a4", base)
	daily.RepeatRule = schedule.RepeatDaily
	mustInsert(t, r, daily)

	cancelledDaily := MakeTestEntry("cancelled-daily", "a5", base)
	cancelledDaily.RepeatRule = schedule.RepeatDaily
	cancelledDaily.Status = schedule.StatusCancelled
	mustInsert(t, r, cancelledDaily)

	entries, err := r.ListInRange(ctx, start, end)
	if err != nil {
		t.Fatalf("ListInRange failed: %v", err)
	}
	assertIDs(t, entries, "daily", "inside")
}

func TestListResolvedBefore(t *testing.T) {
	r := NewEntries(NewTestDB(t))
	ctx := context.Background()

	old := MakeTestEntry("old", "a1", base)
	old.Status = schedule.StatusPublished
	mustInsert(t, r, old)

	recent := MakeTestEntry("recent", "a2", base)
	recent.Status = schedule.StatusFailed
	recent.UpdatedAt = base.AddDate(0, 0, 10)
	mustInsert(t, r, recent)

	recurring := MakeTestEntry("recurring", "a3", base)
	recurring.Status = schedule.StatusCancelled
	recurring.RepeatRule = schedule.RepeatWeekly
	mustInsert(t, r, recurring)

	mustInsert(t, r, MakeTestEntry("pending", "a4", base))

	entries, err := r.ListResolvedBefore(ctx, base.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ListResolvedBefore failed: %v", err)
	}
	assertIDs(t, entries, "old")
}

// Attempt Tests

func TestAttempts(t *testing.T) {
	r := NewEntries(NewTestDB(t))
	ctx := context.Background()

	mustInsert(t, r, MakeTestEntry("e1", "a1", base))
	for i := 1; i <= 3; i++ {
		a := schedule.Attempt{
			EntryID:     "e1",
			ArticleRef:  "a1",
			Occurrence:  base,
			Number:      i,
			Owner:       "w1",
			Outcome:     schedule.OutcomeRetry,
			Error:       "timeout",
			AttemptedAt: base.Add(time.Duration(i) * time.Minute),
			Duration:    1500 * time.Millisecond,
		}
		if i == 3 {
			a.Outcome = schedule.OutcomePublished
			a.Error = ""
		}
		if err := r.RecordAttempt(ctx, a); err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
	}

	all, err := r.ListAttempts(ctx, "e1", 0)
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].Number != 3 || all[0].Outcome != schedule.OutcomePublished {
		t.Errorf("newest = %+v, want attempt 3 published", all[0])
	}
	if all[2].Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v, want 1.5s", all[2].Duration)
	}

	limited, err := r.ListAttempts(ctx, "e1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("len = %d, want 2", len(limited))
	}
}

func TestRecordAttempt_UnknownEntry(t *testing.T) {
	r := NewEntries(NewTestDB(t))

	err := r.RecordAttempt(context.Background(), schedule.Attempt{EntryID: "ghost", Outcome: schedule.OutcomeFailed, AttemptedAt: base})
	if !IsForeignKey(err) {
		t.Errorf("expected foreign key error, got %v", err)
	}
}

// Transaction Tests

func TestWithTransaction_Rollback(t *testing.T) {
	db := NewTestDB(t)
	r := NewEntries(db)
	ctx := context.Background()

	mustInsert(t, r, MakeTestEntry("e1", "a1", base))

	sentinel := errors.New("abort")
	err := db.WithTransaction(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE schedule_entries SET description = 'changed' WHERE id = 'e1'`); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	got, err := r.Get(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "entry e1" {
		t.Errorf("description = %q, transaction was not rolled back", got.Description)
	}
}

// Error Classification Tests

func TestErrorClassification(t *testing.T) {
	if !IsNotFound(ErrNotFound) {
		t.Error("IsNotFound(ErrNotFound) = false")
	}
	if !IsDuplicate(errors.New("UNIQUE constraint failed: schedule_entries.id")) {
		t.Error("IsDuplicate did not match SQLite message")
	}
	if IsDuplicate(nil) || IsForeignKey(nil) {
		t.Error("nil error classified")
	}
	if !IsForeignKey(errors.New("FOREIGN KEY constraint failed")) {
		t.Error("IsForeignKey did not match SQLite message")
	}

	if got := classify(errors.New("UNIQUE constraint failed: schedule_entries.article_ref")); !errors.Is(got, store.ErrDuplicatePending) {
		t.Errorf("classify article_ref = %v, want ErrDuplicatePending", got)
	}
}

// The Store works unchanged on top of the SQLite backend.
func TestStoreOnSQLite(t *testing.T) {
	r := NewEntries(NewTestDB(t))
	s := store.New(r, store.WithLocation(time.UTC))
	ctx := context.Background()

	anchor := time.Now().Add(time.Hour)
	e, err := s.Create(ctx, store.CreateRequest{ArticleRef: "a1", AnchorTime: anchor, RepeatRule: schedule.RepeatDaily})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = s.Create(ctx, store.CreateRequest{ArticleRef: "a1", AnchorTime: anchor})
	if !schedule.IsConflict(err) {
		t.Errorf("expected ConflictError, got %v", err)
	}

	skipped, err := s.SkipOccurrence(ctx, e.ID, e.Version)
	if err != nil {
		t.Fatalf("SkipOccurrence failed: %v", err)
	}
	if skipped.Version != 2 {
		t.Errorf("version = %d, want 2", skipped.Version)
	}

	_, err = s.Cancel(ctx, e.ID, e.Version)
	if !schedule.IsConflict(err) {
		t.Errorf("expected ConflictError for stale cancel, got %v", err)
	}
}
