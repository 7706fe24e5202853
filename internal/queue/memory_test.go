package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func enqueue(t *testing.T, s *MemoryStore, botID, key string, scheduledFor time.Time) *RunRecord {
	t.Helper()
	record, err := s.EnqueueRun(context.Background(), scheduledFor, EnqueueRunInput{
		BotID:          botID,
		RunType:        RunTypeReactive,
		ScheduledFor:   scheduledFor,
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if record == nil {
		t.Fatalf("expected new record for key %s", key)
	}
	return record
}

func TestEnqueueRunIdempotent(t *testing.T) {
	s := NewMemoryStore("w1")
	ctx := context.Background()

	first := enqueue(t, s, "bot-1", "k1", t0)
	second, err := s.EnqueueRun(ctx, t0, EnqueueRunInput{
		BotID: "bot-1", RunType: RunTypeReactive, ScheduledFor: t0, IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("duplicate enqueue errored: %v", err)
	}
	if second != nil {
		t.Fatalf("duplicate enqueue created a record: %+v", second)
	}

	runs, err := s.ClaimDueRuns(ctx, t0, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != first.ID {
		t.Fatalf("expected exactly the first record, got %d", len(runs))
	}
}

func TestClaimDueRunsOrdering(t *testing.T) {
	s := NewMemoryStore("w1")
	ctx := context.Background()

	// Insert out of due order; b and c tie on due time.
	a := enqueue(t, s, "bot-a", "ka", t0.Add(2*time.Minute))
	b := enqueue(t, s, "bot-b", "kb", t0)
	c := enqueue(t, s, "bot-c", "kc", t0)
	enqueue(t, s, "bot-d", "kd", t0.Add(time.Hour)) // not yet due

	runs, err := s.ClaimDueRuns(ctx, t0.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 due runs, got %d", len(runs))
	}
	if runs[0].ID != b.ID || runs[1].ID != c.ID || runs[2].ID != a.ID {
		t.Fatalf("wrong order: got %s, %s, %s", runs[0].BotID, runs[1].BotID, runs[2].BotID)
	}
	for _, run := range runs {
		if run.Status != StatusClaimed {
			t.Fatalf("run %s not claimed: %s", run.ID, run.Status)
		}
		if run.ClaimedBy == nil || *run.ClaimedBy != "w1" {
			t.Fatalf("run %s missing claim identity", run.ID)
		}
	}
}

func TestClaimDueRunsRespectsLimit(t *testing.T) {
	s := NewMemoryStore("w1")
	for i := 0; i < 5; i++ {
		enqueue(t, s, "bot", string(rune('a'+i)), t0)
	}
	runs, err := s.ClaimDueRuns(context.Background(), t0, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(runs))
	}
}

func TestClaimDueRunsConcurrent(t *testing.T) {
	s := NewMemoryStore("w1")
	ctx := context.Background()
	total := 200
	for i := 0; i < total; i++ {
		enqueue(t, s, "bot", DeriveIdempotencyKey(string(rune(i))+"seed"), t0)
	}

	const workers = 10
	var wg sync.WaitGroup
	results := make([][]RunRecord, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				batch, err := s.ClaimDueRuns(ctx, t0, 7)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				results[w] = append(results[w], batch...)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[string]int)
	claimed := 0
	for _, batch := range results {
		for _, run := range batch {
			seen[run.ID]++
			claimed++
		}
	}
	if claimed != total {
		t.Fatalf("expected %d claims total, got %d", total, claimed)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("run %s claimed %d times", id, n)
		}
	}
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	s := NewMemoryStore("w1")
	ctx := context.Background()
	record := enqueue(t, s, "bot-1", "k1", t0)

	// pending: no completion op is valid.
	if err := s.MarkRunning(ctx, record.ID, t0); err == nil {
		t.Fatal("MarkRunning on pending should fail")
	}
	if err := s.MarkCompleted(ctx, record.ID, t0, nil); err == nil {
		t.Fatal("MarkCompleted on pending should fail")
	}
	if err := s.MarkFailed(ctx, record.ID, t0, "boom", 1, nil); err == nil {
		t.Fatal("MarkFailed on pending should fail")
	}

	if _, err := s.ClaimDueRuns(ctx, t0, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// claimed: completion requires running first.
	if err := s.MarkCompleted(ctx, record.ID, t0, nil); err == nil {
		t.Fatal("MarkCompleted on claimed should fail")
	}

	if err := s.MarkRunning(ctx, record.ID, t0); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := s.MarkRunning(ctx, record.ID, t0); err == nil {
		t.Fatal("MarkRunning twice should fail")
	}
	if err := s.MarkCompleted(ctx, record.ID, t0, nil); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	// completed is terminal.
	if err := s.MarkFailed(ctx, record.ID, t0, "boom", 1, nil); err == nil {
		t.Fatal("MarkFailed on completed should fail")
	}

	if err := s.MarkRunning(ctx, "no-such-run", t0); err == nil {
		t.Fatal("MarkRunning on unknown id should fail")
	}
}

func TestScheduleCursorAdvancesOncePerSlot(t *testing.T) {
	s := NewMemoryStore("w1")
	ctx := context.Background()

	if err := s.RegisterBots(ctx, []ScheduledBot{{
		BotID: "bot-1", NextRunAt: t0, RunIntervalHours: 1, Enabled: true,
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	created, err := s.EnqueueScheduledRuns(ctx, t0)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected 1 created, got %d", created)
	}

	// Rewind the cursor to simulate the same tick running twice, then
	// verify the duplicate still advances it.
	if err := s.RegisterBots(ctx, []ScheduledBot{{
		BotID: "bot-1", NextRunAt: t0, RunIntervalHours: 1, Enabled: true,
	}}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	created, err = s.EnqueueScheduledRuns(ctx, t0)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if created != 0 {
		t.Fatalf("duplicate slot created %d records", created)
	}
	bot, ok := s.Bot("bot-1")
	if !ok {
		t.Fatal("bot missing")
	}
	if !bot.NextRunAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("cursor at %s, want %s", bot.NextRunAt, t0.Add(time.Hour))
	}
}

func TestScheduleCursorAdvancesAcrossSlots(t *testing.T) {
	s := NewMemoryStore("w1")
	ctx := context.Background()

	if err := s.RegisterBots(ctx, []ScheduledBot{{
		BotID: "bot-1", NextRunAt: t0, RunIntervalHours: 1, Enabled: true,
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Two passes across advancing time materialize two distinct slots.
	if created, _ := s.EnqueueScheduledRuns(ctx, t0); created != 1 {
		t.Fatal("first slot not created")
	}
	if created, _ := s.EnqueueScheduledRuns(ctx, t0.Add(time.Hour)); created != 1 {
		t.Fatal("second slot not created")
	}
	bot, _ := s.Bot("bot-1")
	if !bot.NextRunAt.Equal(t0.Add(2 * time.Hour)) {
		t.Fatalf("cursor at %s, want %s", bot.NextRunAt, t0.Add(2*time.Hour))
	}
}

func TestDisabledBotNotMaterialized(t *testing.T) {
	s := NewMemoryStore("w1")
	ctx := context.Background()
	if err := s.RegisterBots(ctx, []ScheduledBot{{
		BotID: "bot-1", NextRunAt: t0, RunIntervalHours: 1,
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	created, err := s.EnqueueScheduledRuns(ctx, t0)
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if created != 0 {
		t.Fatalf("disabled bot created %d records", created)
	}
}

func TestStaleReclaimThresholdBoundary(t *testing.T) {
	s := NewMemoryStore("w1")
	ctx := context.Background()
	staleAfter := 10 * time.Minute

	enqueue(t, s, "bot-1", "k1", t0)
	if _, err := s.ClaimDueRuns(ctx, t0, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	count, err := s.RequeueStaleClaims(ctx, t0.Add(staleAfter-time.Millisecond), staleAfter)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if count != 0 {
		t.Fatalf("claim reclaimed %v before threshold", staleAfter)
	}

	count, err = s.RequeueStaleClaims(ctx, t0.Add(staleAfter), staleAfter)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if count != 1 {
		t.Fatalf("claim not reclaimed at threshold, count=%d", count)
	}
}

// The worked scenario: a run claimed at 10:05 is abandoned, reclaimed at
// 10:16 under a 10 minute threshold, and claimed again by a second worker.
func TestStaleClaimRecoveryScenario(t *testing.T) {
	ctx := context.Background()
	staleAfter := 10 * time.Minute
	s := NewMemoryStore("w1")

	if err := s.RegisterBots(ctx, []ScheduledBot{{
		BotID: "B1", NextRunAt: t0, RunIntervalHours: 1, Enabled: true,
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	tick1 := t0.Add(5 * time.Minute)
	created, err := s.EnqueueScheduledRuns(ctx, tick1)
	if err != nil || created != 1 {
		t.Fatalf("expected 1 created, got %d (err %v)", created, err)
	}
	runs, err := s.ClaimDueRuns(ctx, tick1, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected 1 claim, got %d (err %v)", len(runs), err)
	}
	if runs[0].Status != StatusClaimed {
		t.Fatalf("run not claimed: %s", runs[0].Status)
	}

	// Worker dies before MarkRunning. Next tick at 10:16.
	tick2 := t0.Add(16 * time.Minute)
	reclaimed, err := s.RequeueStaleClaims(ctx, tick2, staleAfter)
	if err != nil || reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d (err %v)", reclaimed, err)
	}

	again, err := s.ClaimDueRuns(ctx, tick2, 10)
	if err != nil || len(again) != 1 {
		t.Fatalf("expected reclaim, got %d (err %v)", len(again), err)
	}
	if again[0].ID != runs[0].ID {
		t.Fatal("second claim returned a different record")
	}
}

func TestMarkFailedReschedulesAsFreshPending(t *testing.T) {
	s := NewMemoryStore("w1")
	ctx := context.Background()

	record := enqueue(t, s, "bot-1", "k1", t0)
	if _, err := s.ClaimDueRuns(ctx, t0, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkRunning(ctx, record.ID, t0.Add(time.Second)); err != nil {
		t.Fatalf("running: %v", err)
	}

	rescheduleFor := t0.Add(10 * time.Second)
	if err := s.MarkFailed(ctx, record.ID, t0.Add(2*time.Second), "transient", 1, &rescheduleFor); err != nil {
		t.Fatalf("failed: %v", err)
	}

	got, ok := s.GetRun(record.ID)
	if !ok {
		t.Fatal("run missing")
	}
	if got.Status != StatusPending {
		t.Fatalf("status %s, want pending", got.Status)
	}
	if !got.ScheduledFor.Equal(rescheduleFor) {
		t.Fatalf("scheduledFor %s, want %s", got.ScheduledFor, rescheduleFor)
	}
	if got.ClaimedBy != nil || got.ClaimedAt != nil || got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatalf("claim/execution timestamps not cleared: %+v", got)
	}
	if got.RetryCount != 1 || got.ErrorMessage == nil || *got.ErrorMessage != "transient" {
		t.Fatalf("failure bookkeeping wrong: %+v", got)
	}

	// Not eligible before the reschedule time.
	early, _ := s.ClaimDueRuns(ctx, rescheduleFor.Add(-time.Second), 1)
	if len(early) != 0 {
		t.Fatal("rescheduled run claimable before its time")
	}
	due, _ := s.ClaimDueRuns(ctx, rescheduleFor, 1)
	if len(due) != 1 {
		t.Fatal("rescheduled run not claimable at its time")
	}
}

func TestMarkFailedTerminal(t *testing.T) {
	s := NewMemoryStore("w1")
	ctx := context.Background()

	record := enqueue(t, s, "bot-1", "k1", t0)
	if _, err := s.ClaimDueRuns(ctx, t0, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkRunning(ctx, record.ID, t0); err != nil {
		t.Fatalf("running: %v", err)
	}
	finished := t0.Add(time.Minute)
	if err := s.MarkFailed(ctx, record.ID, finished, "exhausted", 4, nil); err != nil {
		t.Fatalf("failed: %v", err)
	}

	got, _ := s.GetRun(record.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status %s, want failed", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(finished) {
		t.Fatalf("completedAt %v, want %s", got.CompletedAt, finished)
	}
	// Terminal: never claimed again.
	runs, _ := s.ClaimDueRuns(ctx, finished.Add(time.Hour), 10)
	if len(runs) != 0 {
		t.Fatal("terminal failed run was claimed")
	}
}

func TestMarkCompletedStoresOutput(t *testing.T) {
	s := NewMemoryStore("w1")
	ctx := context.Background()

	record := enqueue(t, s, "bot-1", "k1", t0)
	if _, err := s.ClaimDueRuns(ctx, t0, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	started := t0.Add(time.Second)
	if err := s.MarkRunning(ctx, record.ID, started); err != nil {
		t.Fatalf("running: %v", err)
	}
	finished := t0.Add(time.Minute)
	output := &RunOutputResult{Metadata: map[string]any{"note": "done"}}
	if err := s.MarkCompleted(ctx, record.ID, finished, output); err != nil {
		t.Fatalf("completed: %v", err)
	}

	got, _ := s.GetRun(record.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status %s", got.Status)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("startedAt %v", got.StartedAt)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(finished) {
		t.Fatalf("completedAt %v", got.CompletedAt)
	}
	if got.OutputResult == nil || got.OutputResult.Metadata["note"] != "done" {
		t.Fatalf("output not stored: %+v", got.OutputResult)
	}
}

func TestClaimReturnsSnapshots(t *testing.T) {
	s := NewMemoryStore("w1")
	ctx := context.Background()
	enqueue(t, s, "bot-1", "k1", t0)

	runs, err := s.ClaimDueRuns(ctx, t0, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	runs[0].Status = StatusCompleted
	*runs[0].ClaimedBy = "intruder"

	got, _ := s.GetRun(runs[0].ID)
	if got.Status != StatusClaimed {
		t.Fatalf("snapshot mutation leaked into store: %s", got.Status)
	}
	if got.ClaimedBy == nil || *got.ClaimedBy != "w1" {
		t.Fatalf("claim identity mutated: %v", got.ClaimedBy)
	}
}
