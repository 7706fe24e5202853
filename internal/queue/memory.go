package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process RunStore backend. One mutex over the whole
// record set gives it the same claim semantics the Postgres store gets from
// conditional updates, which makes it the conformance backend for the store
// contract. Not for multi-process deployments.
type MemoryStore struct {
	mu       sync.Mutex
	workerID string
	runs     map[string]*RunRecord
	order    map[string]int // insertion sequence, claim tiebreak
	byKey    map[string]string
	bots     map[string]*ScheduledBot
	seq      int
}

var _ RunStore = (*MemoryStore)(nil)
var _ BotRegistry = (*MemoryStore)(nil)

func NewMemoryStore(workerID string) *MemoryStore {
	return &MemoryStore{
		workerID: workerID,
		runs:     make(map[string]*RunRecord),
		order:    make(map[string]int),
		byKey:    make(map[string]string),
		bots:     make(map[string]*ScheduledBot),
	}
}

func (s *MemoryStore) RegisterBots(ctx context.Context, bots []ScheduledBot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bot := range bots {
		if err := validateBot(bot); err != nil {
			return err
		}
		b := bot
		s.bots[b.BotID] = &b
	}
	return nil
}

func (s *MemoryStore) EnqueueRun(ctx context.Context, now time.Time, input EnqueueRunInput) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(now, input)
}

// enqueueLocked is the check-then-insert step; callers hold s.mu so the key
// check and the insert are one atomic step.
func (s *MemoryStore) enqueueLocked(now time.Time, input EnqueueRunInput) (*RunRecord, error) {
	if _, exists := s.byKey[input.IdempotencyKey]; exists {
		return nil, nil
	}

	run := &RunRecord{
		ID:             uuid.NewString(),
		BotID:          input.BotID,
		Status:         StatusPending,
		RunType:        input.RunType,
		ScheduledFor:   input.ScheduledFor,
		InputParams:    input.InputParams,
		IdempotencyKey: input.IdempotencyKey,
		CreatedAt:      now,
	}
	s.runs[run.ID] = run
	s.order[run.ID] = s.seq
	s.seq++
	s.byKey[input.IdempotencyKey] = run.ID

	snapshot := cloneRecord(run)
	return &snapshot, nil
}

func (s *MemoryStore) EnqueueScheduledRuns(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	for _, bot := range s.bots {
		if !bot.Enabled || bot.NextRunAt.After(now) {
			continue
		}
		slot := bot.NextRunAt
		record, err := s.enqueueLocked(now, EnqueueRunInput{
			BotID:          bot.BotID,
			RunType:        RunTypeScheduled,
			ScheduledFor:   slot,
			IdempotencyKey: ScheduledRunKey(bot.BotID, slot),
		})
		if err != nil {
			return created, err
		}
		if record != nil {
			created++
		}

		// Advance even when the enqueue deduplicated, otherwise a
		// repeated tick would re-materialize the same slot forever.
		next, err := nextSlot(*bot, slot)
		if err != nil {
			return created, err
		}
		bot.NextRunAt = next
	}
	return created, nil
}

func (s *MemoryStore) RequeueStaleClaims(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staleBefore := now.Add(-staleAfter)
	count := 0
	for _, run := range s.runs {
		if run.Status != StatusClaimed || run.ClaimedAt == nil {
			continue
		}
		if run.ClaimedAt.After(staleBefore) {
			continue
		}
		run.Status = StatusPending
		run.ClaimedBy = nil
		run.ClaimedAt = nil
		count++
	}
	return count, nil
}

func (s *MemoryStore) ClaimDueRuns(ctx context.Context, now time.Time, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*RunRecord
	for _, run := range s.runs {
		if run.Status == StatusPending && !run.ScheduledFor.After(now) {
			eligible = append(eligible, run)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].ScheduledFor.Equal(eligible[j].ScheduledFor) {
			return eligible[i].ScheduledFor.Before(eligible[j].ScheduledFor)
		}
		return s.order[eligible[i].ID] < s.order[eligible[j].ID]
	})
	if limit >= 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimedAt := now
	snapshots := make([]RunRecord, 0, len(eligible))
	for _, run := range eligible {
		run.Status = StatusClaimed
		workerID := s.workerID
		run.ClaimedBy = &workerID
		at := claimedAt
		run.ClaimedAt = &at
		snapshots = append(snapshots, cloneRecord(run))
	}
	return snapshots, nil
}

func (s *MemoryStore) MarkRunning(ctx context.Context, runID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok || run.Status != StatusClaimed {
		return ErrRunNotFound
	}
	run.Status = StatusRunning
	at := now
	run.StartedAt = &at
	return nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, runID string, now time.Time, output *RunOutputResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok || run.Status != StatusRunning {
		return ErrRunNotFound
	}
	run.Status = StatusCompleted
	at := now
	run.CompletedAt = &at
	run.OutputResult = output
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, runID string, now time.Time, errorMessage string, retryCount int, rescheduleFor *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok || run.Status != StatusRunning {
		return ErrRunNotFound
	}
	run.ErrorMessage = &errorMessage
	run.RetryCount = retryCount

	if rescheduleFor != nil {
		at := *rescheduleFor
		run.Status = StatusPending
		run.ScheduledFor = at
		run.ClaimedBy = nil
		run.ClaimedAt = nil
		run.StartedAt = nil
		run.CompletedAt = nil
		return nil
	}
	run.Status = StatusFailed
	at := now
	run.CompletedAt = &at
	return nil
}

// GetRun returns a snapshot of a record, for tests and the ops surface.
func (s *MemoryStore) GetRun(runID string) (RunRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return RunRecord{}, false
	}
	return cloneRecord(run), true
}

// Bot returns a snapshot of a registered bot's cursor.
func (s *MemoryStore) Bot(botID string) (ScheduledBot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, ok := s.bots[botID]
	if !ok {
		return ScheduledBot{}, false
	}
	return *bot, true
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func cloneRecord(run *RunRecord) RunRecord {
	out := *run
	out.ClaimedBy = cloneptr(run.ClaimedBy)
	out.ClaimedAt = cloneptr(run.ClaimedAt)
	out.StartedAt = cloneptr(run.StartedAt)
	out.CompletedAt = cloneptr(run.CompletedAt)
	out.ErrorMessage = cloneptr(run.ErrorMessage)
	return out
}

func cloneptr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
