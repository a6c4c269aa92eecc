package schedule

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseRepeatRule(t *testing.T) {
	tests := []struct {
		input   string
		want    RepeatRule
		wantErr bool
	}{
		{input: "", want: RepeatNone},
		{input: "none", want: RepeatNone},
		{input: "daily", want: RepeatDaily},
		{input: "weekly", want: RepeatWeekly},
		{input: "monthly", want: RepeatMonthly},
		{input: "yearly", wantErr: true},
		{input: "Daily", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRepeatRule(tt.input)
			if tt.wantErr {
				if !IsValidation(err) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		rule RepeatRule
		from Status
		to   Status
		want bool
	}{
		{"pending to published", RepeatNone, StatusPending, StatusPublished, true},
		{"pending to failed", RepeatNone, StatusPending, StatusFailed, true},
		{"pending to cancelled", RepeatNone, StatusPending, StatusCancelled, true},
		{"pending to pending", RepeatDaily, StatusPending, StatusPending, true},
		{"one-shot published is terminal", RepeatNone, StatusPublished, StatusPending, false},
		{"one-shot failed is terminal", RepeatNone, StatusFailed, StatusPending, false},
		{"recurring published re-arms", RepeatWeekly, StatusPublished, StatusPending, true},
		{"recurring failed re-arms", RepeatMonthly, StatusFailed, StatusPending, true},
		{"cancelled is terminal", RepeatDaily, StatusCancelled, StatusPending, false},
		{"published cannot fail", RepeatDaily, StatusPublished, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.rule, tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s, %s) = %v, want %v", tt.rule, tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCheckTransition_SameResolvedStatus(t *testing.T) {
	if err := CheckTransition(RepeatNone, StatusCancelled, StatusCancelled); err != nil {
		t.Errorf("bookkeeping write on cancelled entry should be allowed, got %v", err)
	}
	if err := CheckTransition(RepeatNone, StatusCancelled, StatusPending); !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestEntry_Due(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	base := Entry{Status: StatusPending, AnchorTime: now.Add(-time.Minute)}

	tests := []struct {
		name  string
		entry func() Entry
		want  bool
	}{
		{"anchor in past", func() Entry { return base }, true},
		{"anchor exactly now", func() Entry { e := base; e.AnchorTime = now; return e }, true},
		{"anchor in future", func() Entry { e := base; e.AnchorTime = now.Add(time.Second); return e }, false},
		{"not pending", func() Entry { e := base; e.Status = StatusCancelled; return e }, false},
		{"backing off", func() Entry { e := base; e.NotBefore = now.Add(30 * time.Second); return e }, false},
		{"backoff expired", func() Entry { e := base; e.NotBefore = now.Add(-time.Second); return e }, true},
		{"leased", func() Entry { e := base; e.LeaseOwner = "d1"; e.LeaseUntil = now.Add(time.Minute); return e }, false},
		{"lease expired", func() Entry { e := base; e.LeaseOwner = "d1"; e.LeaseUntil = now; return e }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry().Due(now); got != tt.want {
				t.Errorf("Due() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntry_Terminal(t *testing.T) {
	if !(Entry{RepeatRule: RepeatNone, Status: StatusPublished}).Terminal() {
		t.Error("published one-shot entry should be terminal")
	}
	if (Entry{RepeatRule: RepeatDaily, Status: StatusFailed}).Terminal() {
		t.Error("failed recurring entry should not be terminal")
	}
	if !(Entry{RepeatRule: RepeatDaily, Status: StatusCancelled}).Terminal() {
		t.Error("cancelled recurring entry should be terminal")
	}
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := fmt.Errorf("create: %w", &PersistenceError{Op: "insert", Err: cause})

	if !IsPersistence(wrapped) {
		t.Error("expected wrapped persistence error to be classified")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("expected persistence error to unwrap to its cause")
	}
	if IsConflict(wrapped) || IsNotFound(wrapped) || IsValidation(wrapped) {
		t.Error("persistence error misclassified")
	}

	conflict := &ConflictError{ID: "e1", Reason: "stale version", Expected: 1, Actual: 2}
	if !IsConflict(fmt.Errorf("update: %w", conflict)) {
		t.Error("expected conflict classification")
	}
	if conflict.Error() != `conflict on e1: stale version (expected version 1, current 2)` {
		t.Errorf("unexpected message: %s", conflict.Error())
	}
}
