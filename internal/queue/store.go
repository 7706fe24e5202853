package queue

import (
	"context"
	"errors"
	"time"
)

// ErrRunNotFound is returned by the completion operations when the run does
// not exist or is not in the required source state. Callers treat it as an
// integration fault, not something to retry.
var ErrRunNotFound = errors.New("run not found or not in expected state")

// EnqueueRunInput describes a run to enqueue. IdempotencyKey is the dedup
// handle: enqueueing the same key twice stores one record.
type EnqueueRunInput struct {
	BotID          string
	RunType        RunType
	ScheduledFor   time.Time
	IdempotencyKey string
	InputParams    *RunInputParams
}

// RunStore is the queue of bot runs. It is the single arbiter of run state:
// records are mutated only through these operations, and concurrent callers
// of ClaimDueRuns must never receive the same record.
//
// Timestamps are always caller-supplied so the store stays deterministic
// under test.
type RunStore interface {
	// EnqueueRun creates a pending record, or returns (nil, nil) when a
	// record with the same idempotency key already exists. The check and
	// the insert are atomic with respect to concurrent callers.
	EnqueueRun(ctx context.Context, now time.Time, input EnqueueRunInput) (*RunRecord, error)

	// EnqueueScheduledRuns materializes a run for every registered bot
	// whose cursor is due, advancing each cursor by exactly one slot
	// whether or not the enqueue deduplicated. Returns the number of
	// records actually created.
	EnqueueScheduledRuns(ctx context.Context, now time.Time) (int, error)

	// RequeueStaleClaims returns claimed records whose claim is older
	// than staleAfter to pending. This is the only recovery path for a
	// worker that died between claiming and running.
	RequeueStaleClaims(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error)

	// ClaimDueRuns atomically claims up to limit pending records with
	// scheduledFor <= now, earliest due first, and returns snapshots.
	ClaimDueRuns(ctx context.Context, now time.Time, limit int) ([]RunRecord, error)

	// MarkRunning transitions claimed -> running.
	MarkRunning(ctx context.Context, runID string, now time.Time) error

	// MarkCompleted transitions running -> completed and stores the
	// result. Terminal.
	MarkCompleted(ctx context.Context, runID string, now time.Time, output *RunOutputResult) error

	// MarkFailed records the error and retry count. With rescheduleFor
	// set the record returns to pending at that time, claim and execution
	// timestamps cleared; without it the record is terminally failed.
	MarkFailed(ctx context.Context, runID string, now time.Time, errorMessage string, retryCount int, rescheduleFor *time.Time) error
}

// BotRegistry manages the scheduled-bot cursors a store materializes runs
// from. Both backends implement it alongside RunStore.
type BotRegistry interface {
	RegisterBots(ctx context.Context, bots []ScheduledBot) error
}
