package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/livinlefevreloca/herald/internal/schedule"
)

// Memory is an in-process Persistence. It backs tests and single-process
// deployments that can afford to lose schedules on restart.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]schedule.Entry
	attempts map[string][]schedule.Attempt
}

// NewMemory creates an empty in-memory persistence.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]schedule.Entry),
		attempts: make(map[string][]schedule.Attempt),
	}
}

func (m *Memory) Insert(ctx context.Context, e schedule.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[e.ID]; exists {
		return ErrVersionConflict
	}
	if e.Status == schedule.StatusPending && m.pendingForArticle(e.ArticleRef, e.ID) {
		return ErrDuplicatePending
	}
	m.entries[e.ID] = e
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (schedule.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return schedule.Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Update(ctx context.Context, e schedule.Entry, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.entries[e.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	if e.Status == schedule.StatusPending && m.pendingForArticle(e.ArticleRef, e.ID) {
		return ErrDuplicatePending
	}
	m.entries[e.ID] = e
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	delete(m.entries, id)
	delete(m.attempts, id)
	return nil
}

func (m *Memory) ListDue(ctx context.Context, now time.Time) ([]schedule.Entry, error) {
	return m.filter(func(e schedule.Entry) bool { return e.Due(now) }), nil
}

func (m *Memory) ListInRange(ctx context.Context, start, end time.Time) ([]schedule.Entry, error) {
	return m.filter(func(e schedule.Entry) bool { return intersects(e, start, end) }), nil
}

func (m *Memory) ListResolvedBefore(ctx context.Context, before time.Time) ([]schedule.Entry, error) {
	return m.filter(func(e schedule.Entry) bool {
		return e.Terminal() && !e.RepeatRule.Recurring() && e.UpdatedAt.Before(before)
	}), nil
}

func (m *Memory) RecordAttempt(ctx context.Context, a schedule.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts[a.EntryID] = append(m.attempts[a.EntryID], a)
	return nil
}

func (m *Memory) ListAttempts(ctx context.Context, entryID string, limit int) ([]schedule.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.attempts[entryID]
	out := make([]schedule.Attempt, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) filter(keep func(schedule.Entry) bool) []schedule.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]schedule.Entry, 0)
	for _, e := range m.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	SortByAnchor(out)
	return out
}

// pendingForArticle must be called with mu held.
func (m *Memory) pendingForArticle(ref, exceptID string) bool {
	for id, e := range m.entries {
		if id != exceptID && e.ArticleRef == ref && e.Status == schedule.StatusPending {
			return true
		}
	}
	return false
}

// intersects is the ListInRange predicate shared by in-process backends.
func intersects(e schedule.Entry, start, end time.Time) bool {
	if !e.AnchorTime.Before(end) {
		return false
	}
	if e.Status == schedule.StatusPending && e.RepeatRule.Recurring() {
		return true
	}
	return !e.AnchorTime.Before(start)
}

// SortByAnchor orders entries by (AnchorTime, ID) for deterministic firing.
func SortByAnchor(entries []schedule.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AnchorTime.Equal(entries[j].AnchorTime) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].AnchorTime.Before(entries[j].AnchorTime)
	})
}
