package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/sqlbridge/internal/model"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func makeTestCall() *model.Call {
	return &model.Call{
		ID:         model.NewID(),
		Action:     "exec",
		Handle:     1,
		SQL:        "SELECT 1",
		Outcome:    model.OutcomeOK,
		DurationMS: 3,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
}

func TestRecordAndGet(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	c := makeTestCall()
	c.Outcome = model.OutcomeError
	c.ErrorKind = "execution"
	c.ErrorCode = "SQLITE_ERROR"
	c.Error = "no such table: t"

	if err := j.Record(ctx, c); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := j.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got.ID != c.ID {
		t.Errorf("ID = %q, want %q", got.ID, c.ID)
	}
	if got.Handle != 1 || got.SQL != "SELECT 1" {
		t.Errorf("Handle/SQL = %d/%q, want 1/SELECT 1", got.Handle, got.SQL)
	}
	if got.ErrorKind != "execution" || got.ErrorCode != "SQLITE_ERROR" || got.Error != c.Error {
		t.Errorf("error fields = %q/%q/%q", got.ErrorKind, got.ErrorCode, got.Error)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, c.CreatedAt)
	}
	if !got.Failed() {
		t.Error("Failed() = false, want true")
	}
}

func TestGetNotFound(t *testing.T) {
	j := newTestJournal(t)

	_, err := j.Get(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordDuplicateID(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	c := makeTestCall()

	if err := j.Record(ctx, c); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(ctx, c); err == nil {
		t.Error("second Record with same id succeeded")
	}
}

func TestListPagination(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c := makeTestCall()
		c.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := j.Record(ctx, c); err != nil {
			t.Fatalf("Record[%d]: %v", i, err)
		}
	}

	calls, total, err := j.List(ctx, 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(calls) != 2 {
		t.Errorf("len(calls) = %d, want 2", len(calls))
	}

	calls, _, err = j.List(ctx, 2, 4)
	if err != nil {
		t.Fatalf("List page 3: %v", err)
	}
	if len(calls) != 1 {
		t.Errorf("len(calls) page 3 = %d, want 1", len(calls))
	}
}

func TestListOrdering(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := makeTestCall()
		c.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := j.Record(ctx, c); err != nil {
			t.Fatalf("Record[%d]: %v", i, err)
		}
	}

	calls, _, err := j.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	// Newest first.
	for i := 1; i < len(calls); i++ {
		if calls[i].CreatedAt.After(calls[i-1].CreatedAt) {
			t.Errorf("calls not in DESC order: [%d]=%v > [%d]=%v",
				i, calls[i].CreatedAt, i-1, calls[i-1].CreatedAt)
		}
	}
}

func TestListEmpty(t *testing.T) {
	j := newTestJournal(t)

	calls, total, err := j.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if calls != nil {
		t.Errorf("calls = %v, want nil", calls)
	}
}

func TestStats(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	records := []struct {
		action  string
		outcome string
		kind    string
		ms      int64
	}{
		{"open", model.OutcomeOK, "", 100},
		{"exec", model.OutcomeOK, "", 200},
		{"exec", model.OutcomeError, "execution", 300},
		{"batch", model.OutcomeError, "timeout", 400},
	}
	for _, r := range records {
		c := makeTestCall()
		c.Action, c.Outcome, c.ErrorKind, c.DurationMS = r.action, r.outcome, r.kind, r.ms
		if err := j.Record(ctx, c); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	stats, err := j.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByAction["exec"] != 2 {
		t.Errorf("exec count = %d, want 2", stats.CountByAction["exec"])
	}
	if stats.CountByOutcome[model.OutcomeError] != 2 {
		t.Errorf("error count = %d, want 2", stats.CountByOutcome[model.OutcomeError])
	}
	if stats.CountByErrorKind["timeout"] != 1 || len(stats.CountByErrorKind) != 2 {
		t.Errorf("CountByErrorKind = %v, want execution and timeout once each", stats.CountByErrorKind)
	}
	if stats.AvgDurationMS != 250 {
		t.Errorf("AvgDurationMS = %f, want 250", stats.AvgDurationMS)
	}
}

func TestStatsEmpty(t *testing.T) {
	j := newTestJournal(t)

	stats, err := j.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := NewSQLiteJournal(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	c := makeTestCall()
	if err := j.Record(ctx, c); err != nil {
		t.Fatalf("Record: %v", err)
	}
	j.Close()

	// Migrations must be idempotent on an existing database.
	j, err = NewSQLiteJournal(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer j.Close()

	if _, err := j.Get(ctx, c.ID); err != nil {
		t.Errorf("Get after reopen: %v", err)
	}
}
