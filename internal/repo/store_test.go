package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
)

var base = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *repo.Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)

	st := repo.NewStore(db, repo.SQLite)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return st
}

func newMessage(priority model.Priority, createdAt time.Time) model.Message {
	return model.Message{
		ID:            uuid.NewString(),
		Recipient:     "member@example.org",
		Subject:       "Weekly meeting",
		HTML:          "<p>See you there</p>",
		EditableUntil: createdAt.Add(time.Hour),
		Priority:      priority,
		MaxAttempts:   3,
		Status:        model.Pending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func mustInsert(t *testing.T, st *repo.Store, m model.Message) model.Message {
	t.Helper()
	if err := st.Insert(context.Background(), m); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	got, err := st.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return *got
}

func TestInsertGet_RoundTripsOptionalFields(t *testing.T) {
	st := newTestStore(t)

	at := base.Add(2 * time.Hour)
	m := newMessage(model.PriorityHigh, base)
	m.Sender = "board@example.org"
	m.BlacklistRules = []string{"@spam.example", "blocked@example.org"}
	m.ScheduledFor = &at
	m.Status = model.Scheduled

	got := mustInsert(t, st, m)

	if got.Sender != m.Sender {
		t.Errorf("Sender = %q, want %q", got.Sender, m.Sender)
	}
	if len(got.BlacklistRules) != 2 || got.BlacklistRules[0] != "@spam.example" {
		t.Errorf("BlacklistRules = %v", got.BlacklistRules)
	}
	if got.ScheduledFor == nil || !got.ScheduledFor.Equal(at) {
		t.Errorf("ScheduledFor = %v, want %v", got.ScheduledFor, at)
	}
	if got.Status != model.Scheduled {
		t.Errorf("Status = %q, want scheduled", got.Status)
	}
	if got.LastError != nil || got.ProcessedAt != nil {
		t.Errorf("expected nil LastError/ProcessedAt, got %v/%v", got.LastError, got.ProcessedAt)
	}
}

func TestGet_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Get(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertBatch_IsAllOrNothing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	batchID := uuid.NewString()
	var msgs []model.Message
	for i := 1; i <= 3; i++ {
		m := newMessage(model.PriorityStandard, base)
		m.BatchID = batchID
		m.BatchPosition = i
		msgs = append(msgs, m)
	}
	// Duplicate position violates the batch uniqueness constraint.
	msgs[2].BatchPosition = 2

	if err := st.InsertBatch(ctx, msgs); err == nil {
		t.Fatal("expected InsertBatch to fail on duplicate position")
	}

	_, total, err := st.List(ctx, repo.ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected no rows after failed batch, got %d", total)
	}
}

func TestSelectEligible_Ordering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	earlier := base.Add(-time.Hour)
	later := base.Add(-time.Minute)
	future := base.Add(time.Hour)

	low := mustInsert(t, st, newMessage(model.PriorityLow, base.Add(-3*time.Hour)))

	highLater := newMessage(model.PriorityHigh, base.Add(-2*time.Hour))
	highLater.ScheduledFor = &later
	highLater = mustInsert(t, st, highLater)

	highEarlier := newMessage(model.PriorityHigh, base.Add(-90*time.Minute))
	highEarlier.ScheduledFor = &earlier
	highEarlier = mustInsert(t, st, highEarlier)

	highUnscheduled := mustInsert(t, st, newMessage(model.PriorityHigh, base.Add(-80*time.Minute)))
	now1 := mustInsert(t, st, newMessage(model.PriorityNow, base.Add(-10*time.Minute)))
	now2 := mustInsert(t, st, newMessage(model.PriorityNow, base.Add(-5*time.Minute)))

	notDue := newMessage(model.PriorityNow, base.Add(-time.Minute))
	notDue.ScheduledFor = &future
	notDue.Status = model.Scheduled
	mustInsert(t, st, notDue)

	got, err := st.SelectEligible(ctx, base, 10)
	if err != nil {
		t.Fatalf("SelectEligible failed: %v", err)
	}

	want := []string{now1.ID, now2.ID, highUnscheduled.ID, highEarlier.ID, highLater.ID, low.ID}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("position %d: got %s (%s), want %s", i, got[i].ID, got[i].Priority, want[i])
		}
	}

	limited, err := st.SelectEligible(ctx, base, 2)
	if err != nil {
		t.Fatalf("SelectEligible failed: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestClaim_SingleWinnerUnderConcurrency(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	m := mustInsert(t, st, newMessage(model.PriorityNow, base))

	var (
		wg   sync.WaitGroup
		wins atomic.Int64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := st.Claim(ctx, m, base)
			if err != nil {
				t.Errorf("Claim error: %v", err)
				return
			}
			if c != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one claim, got %d", wins.Load())
	}

	got, _ := st.Get(ctx, m.ID)
	if got.Status != model.Processing {
		t.Fatalf("expected processing, got %s", got.Status)
	}
}

func TestClaim_FailsAfterConcurrentEdit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	m := mustInsert(t, st, newMessage(model.PriorityNow, base))

	edited := m
	edited.Subject = "Changed"
	edited.UpdatedAt = base
	ok, err := st.UpdateEditable(ctx, edited, base)
	if err != nil || !ok {
		t.Fatalf("UpdateEditable = %v, %v", ok, err)
	}

	c, err := st.Claim(ctx, m, base)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if c != nil {
		t.Fatal("expected stale snapshot claim to fail")
	}
}

func TestClaim_RejectsTerminalSnapshot(t *testing.T) {
	st := newTestStore(t)

	m := newMessage(model.PriorityNow, base)
	m.Status = model.Completed
	if _, err := st.Claim(context.Background(), m, base); err == nil {
		t.Fatal("expected illegal transition error")
	}
}

func TestEditAndDelete_BlockedOnceClaimed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	m := mustInsert(t, st, newMessage(model.PriorityNow, base))
	if c, err := st.Claim(ctx, m, base); err != nil || c == nil {
		t.Fatalf("Claim = %v, %v", c, err)
	}

	m.Subject = "too late"
	ok, err := st.UpdateEditable(ctx, m, base)
	if err != nil {
		t.Fatalf("UpdateEditable error: %v", err)
	}
	if ok {
		t.Fatal("expected update to be rejected for a processing record")
	}

	ok, err = st.DeleteEditable(ctx, m.ID, base)
	if err != nil {
		t.Fatalf("DeleteEditable error: %v", err)
	}
	if ok {
		t.Fatal("expected delete to be rejected for a processing record")
	}
}

func TestEditAndDelete_BlockedAfterWindow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	m := mustInsert(t, st, newMessage(model.PriorityNow, base))
	after := m.EditableUntil.Add(time.Second)

	ok, err := st.DeleteEditable(ctx, m.ID, after)
	if err != nil || ok {
		t.Fatalf("DeleteEditable after window = %v, %v", ok, err)
	}

	ok, err = st.DeleteEditable(ctx, m.ID, m.EditableUntil)
	if err != nil || !ok {
		t.Fatalf("DeleteEditable at window end = %v, %v", ok, err)
	}
}

func TestFinish_RetryThenFail(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	m := newMessage(model.PriorityNow, base)
	m.MaxAttempts = 2
	m = mustInsert(t, st, m)

	c, err := st.Claim(ctx, m, base)
	if err != nil || c == nil {
		t.Fatalf("Claim = %v, %v", c, err)
	}
	ok, err := st.Finish(ctx, c, repo.Outcome{Status: c.From(), CountAttempt: true, Error: "boom"}, base)
	if err != nil || !ok {
		t.Fatalf("Finish = %v, %v", ok, err)
	}

	got, _ := st.Get(ctx, m.ID)
	if got.Status != model.Pending || got.AttemptCount != 1 || got.LastError == nil || *got.LastError != "boom" {
		t.Fatalf("after first failure: status=%s attempts=%d lastError=%v", got.Status, got.AttemptCount, got.LastError)
	}
	if got.ProcessedAt != nil {
		t.Fatalf("expected nil ProcessedAt on retry")
	}

	c, err = st.Claim(ctx, *got, base)
	if err != nil || c == nil {
		t.Fatalf("second Claim = %v, %v", c, err)
	}
	ok, err = st.Finish(ctx, c, repo.Outcome{Status: model.Failed, CountAttempt: true, Error: "boom again"}, base)
	if err != nil || !ok {
		t.Fatalf("Finish = %v, %v", ok, err)
	}

	got, _ = st.Get(ctx, m.ID)
	if got.Status != model.Failed || got.AttemptCount != 2 || got.ProcessedAt == nil {
		t.Fatalf("after second failure: status=%s attempts=%d processedAt=%v", got.Status, got.AttemptCount, got.ProcessedAt)
	}
}

func TestFinish_LostClaimIsReported(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	m := mustInsert(t, st, newMessage(model.PriorityNow, base))
	c, err := st.Claim(ctx, m, base)
	if err != nil || c == nil {
		t.Fatalf("Claim = %v, %v", c, err)
	}

	stolen := *c
	stolen.Token = "someone-else"
	ok, err := st.Finish(ctx, &stolen, repo.Outcome{Status: model.Completed}, base)
	if err != nil {
		t.Fatalf("Finish error: %v", err)
	}
	if ok {
		t.Fatal("expected Finish with wrong token to report a lost claim")
	}

	if _, err := st.Finish(ctx, c, repo.Outcome{Status: model.Processing}, base); err == nil {
		t.Fatal("expected processing -> processing to be rejected")
	}
}

func TestListStale_ReturnsPreClaimStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	at := base.Add(-time.Minute)
	m := newMessage(model.PriorityNow, base.Add(-time.Hour))
	m.ScheduledFor = &at
	m.Status = model.Scheduled
	m = mustInsert(t, st, m)

	c, err := st.Claim(ctx, m, base)
	if err != nil || c == nil {
		t.Fatalf("Claim = %v, %v", c, err)
	}
	if ok, err := st.MarkReserved(ctx, c, "2026-10-15"); err != nil || !ok {
		t.Fatalf("MarkReserved = %v, %v", ok, err)
	}

	stale, err := st.ListStale(ctx, base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale claim, got %d", len(stale))
	}
	if stale[0].From() != model.Scheduled {
		t.Fatalf("expected pre-claim status scheduled, got %s", stale[0].From())
	}
	if stale[0].ReservedDay != "2026-10-15" {
		t.Fatalf("expected the held slot's day, got %q", stale[0].ReservedDay)
	}

	// Finishing clears the marker, and a lost claim cannot set it.
	if ok, err := st.Finish(ctx, c, repo.Outcome{Status: model.Scheduled}, base); err != nil || !ok {
		t.Fatalf("Finish = %v, %v", ok, err)
	}
	if ok, err := st.MarkReserved(ctx, c, "2026-10-15"); err != nil || ok {
		t.Fatalf("MarkReserved after finish = %v, %v", ok, err)
	}

	none, err := st.ListStale(ctx, base, 10)
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no stale claims before cutoff, got %d", len(none))
	}
}

func TestListAndStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	future1 := base.Add(time.Hour)
	future2 := base.Add(2 * time.Hour)
	for i := 0; i < 5; i++ {
		m := newMessage(model.PriorityStandard, base.Add(time.Duration(i)*time.Second))
		m.Subject = fmt.Sprintf("msg %d", i)
		switch i {
		case 3:
			m.ScheduledFor = &future2
			m.Status = model.Scheduled
		case 4:
			m.ScheduledFor = &future1
			m.Status = model.Scheduled
			m.Priority = model.PriorityLow
		}
		mustInsert(t, st, m)
	}

	items, total, err := st.List(ctx, repo.ListFilter{Limit: 2, Offset: 0})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("total=%d len=%d", total, len(items))
	}
	if items[0].Subject != "msg 4" || items[1].Subject != "msg 3" {
		t.Fatalf("expected newest first, got %q, %q", items[0].Subject, items[1].Subject)
	}

	scheduled := model.Scheduled
	low := model.PriorityLow
	items, total, err = st.List(ctx, repo.ListFilter{Status: &scheduled, Priority: &low})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].Subject != "msg 4" {
		t.Fatalf("filtered list total=%d items=%v", total, items)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.ByStatus[model.Pending] != 3 || stats.ByStatus[model.Scheduled] != 2 {
		t.Fatalf("unexpected counts: %v", stats.ByStatus)
	}
	if stats.NextScheduled == nil || !stats.NextScheduled.Equal(future1) {
		t.Fatalf("NextScheduled = %v, want %v", stats.NextScheduled, future1)
	}
}

func TestTryReserve_NeverExceedsLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	c, err := st.EnsureDay(ctx, "2026-10-15", 5)
	if err != nil {
		t.Fatalf("EnsureDay failed: %v", err)
	}
	if c.Count != 0 || c.Limit != 5 {
		t.Fatalf("unexpected new counter: %+v", c)
	}

	var (
		wg       sync.WaitGroup
		reserved atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.TryReserve(ctx, "2026-10-15")
			if err != nil {
				t.Errorf("TryReserve error: %v", err)
				return
			}
			if ok {
				reserved.Add(1)
			}
		}()
	}
	wg.Wait()

	if reserved.Load() != 5 {
		t.Fatalf("expected 5 reservations, got %d", reserved.Load())
	}

	c, ok, err := st.GetDay(ctx, "2026-10-15")
	if err != nil || !ok {
		t.Fatalf("GetDay = %v, %v", ok, err)
	}
	if c.Count != 0 || c.InFlight != 5 || c.Remaining() != 0 {
		t.Fatalf("unexpected counter after reservations: %+v", c)
	}
}

func TestEnsureDay_RefreshesLimitAndKeepsCount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.EnsureDay(ctx, "2026-10-15", 3); err != nil {
		t.Fatalf("EnsureDay failed: %v", err)
	}
	if ok, _ := st.TryReserve(ctx, "2026-10-15"); !ok {
		t.Fatalf("expected reservation to succeed")
	}
	if err := st.Commit(ctx, "2026-10-15"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	c, err := st.EnsureDay(ctx, "2026-10-15", 7)
	if err != nil {
		t.Fatalf("EnsureDay failed: %v", err)
	}
	if c.Limit != 7 || c.Count != 1 || c.InFlight != 0 {
		t.Fatalf("expected limit 7 with count 1 kept, got %+v", c)
	}

	if ok, err := st.TryReserve(ctx, "2026-10-16"); err != nil || ok {
		t.Fatalf("TryReserve on missing day = %v, %v", ok, err)
	}
}

func TestCommitAndRelease(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.EnsureDay(ctx, "2026-10-15", 1); err != nil {
		t.Fatalf("EnsureDay failed: %v", err)
	}
	if ok, _ := st.TryReserve(ctx, "2026-10-15"); !ok {
		t.Fatalf("expected first reservation to succeed")
	}
	if ok, _ := st.TryReserve(ctx, "2026-10-15"); ok {
		t.Fatalf("expected the in-flight slot to block a second reservation")
	}

	// A failed send gives the slot back; a second release is a no-op.
	for i := 0; i < 2; i++ {
		if err := st.Release(ctx, "2026-10-15"); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
	}
	c, _, _ := st.GetDay(ctx, "2026-10-15")
	if c.Count != 0 || c.InFlight != 0 || c.Remaining() != 1 {
		t.Fatalf("expected slot released without counting, got %+v", c)
	}

	if ok, _ := st.TryReserve(ctx, "2026-10-15"); !ok {
		t.Fatalf("expected reservation after release to succeed")
	}
	if err := st.Commit(ctx, "2026-10-15"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	c, _, _ = st.GetDay(ctx, "2026-10-15")
	if c.Count != 1 || c.InFlight != 0 || c.Remaining() != 0 {
		t.Fatalf("expected one delivery, got %+v", c)
	}
}

func TestSettings_LazyDefaultsAndSave(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	got, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if got.DailyLimit != model.DefaultDailyLimit || got.DispatchInterval != model.DefaultDispatchInterval || !got.Enabled {
		t.Fatalf("unexpected defaults: %+v", got)
	}

	want := model.Settings{DailyLimit: 5, DispatchInterval: "*/5 * * * *", Enabled: false, UpdatedAt: base}
	if err := st.SaveSettings(ctx, want); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	got, err = st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if got.DailyLimit != 5 || got.DispatchInterval != "*/5 * * * *" || got.Enabled {
		t.Fatalf("settings not saved: %+v", got)
	}
	if !got.UpdatedAt.Equal(base) {
		t.Fatalf("UpdatedAt = %v, want %v", got.UpdatedAt, base)
	}
}
