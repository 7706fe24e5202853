// Package scheduler drives the run queue: each tick materializes due
// scheduled runs, recovers stale claims, claims a bounded batch, and walks
// every claimed run through its decision cycle.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/dawi369/polymancer/internal/config"
	"github.com/dawi369/polymancer/internal/decision"
	"github.com/dawi369/polymancer/internal/events"
	"github.com/dawi369/polymancer/internal/executor"
	"github.com/dawi369/polymancer/internal/queue"
)

type Scheduler struct {
	cfg      *config.Config
	store    queue.RunStore
	analyzer executor.Analyzer
	logger   *slog.Logger
	events   events.Publisher
	policy   RetryPolicy
	wg       sync.WaitGroup

	// now is the tick clock; swapped in tests.
	now func() time.Time
}

func New(cfg *config.Config, store queue.RunStore, analyzer executor.Analyzer, logger *slog.Logger, publisher events.Publisher) *Scheduler {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		analyzer: analyzer,
		logger:   logger,
		events:   publisher,
		policy: RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
		now: time.Now,
	}
}

// Start runs the tick loop until ctx is cancelled, then waits for in-flight
// runs to report back.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler", "tick_interval", s.cfg.TickInterval, "max_batch_size", s.cfg.MaxBatchSize)

	// Jitter keeps a fleet of workers from ticking in lockstep.
	jitter := time.Duration(rand.Intn(200)) * time.Millisecond
	ticker := time.NewTicker(s.cfg.TickInterval + jitter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler received shutdown signal, waiting for runs to finish...")
			s.wg.Wait()
			s.logger.Info("All runs finished")
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("Tick failed", "error", err)
			}
		}
	}
}

// Tick executes one scheduling pass. Exposed so tests and the -once ops
// mode can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()

	created, err := s.store.EnqueueScheduledRuns(ctx, now)
	if err != nil {
		return fmt.Errorf("enqueue scheduled runs: %w", err)
	}
	if created > 0 {
		runsEnqueued.Add(float64(created))
		s.logger.Info("Materialized scheduled runs", "count", created)
		s.events.Publish(events.Event{
			Level: "info", Type: events.TypeRunEnqueued,
			Message: fmt.Sprintf("materialized %d scheduled runs", created), WorkerID: s.cfg.WorkerID,
		})
	}

	reclaimed, err := s.store.RequeueStaleClaims(ctx, now, s.cfg.ClaimStaleAfter)
	if err != nil {
		return fmt.Errorf("requeue stale claims: %w", err)
	}
	if reclaimed > 0 {
		staleReclaimed.Add(float64(reclaimed))
		s.logger.Warn("Requeued stale claims", "count", reclaimed, "stale_after", s.cfg.ClaimStaleAfter)
		s.events.Publish(events.Event{
			Level: "warn", Type: events.TypeRunReclaimed,
			Message: fmt.Sprintf("requeued %d stale claims", reclaimed), WorkerID: s.cfg.WorkerID,
		})
	}

	claimStart := time.Now()
	runs, err := s.store.ClaimDueRuns(ctx, now, s.cfg.MaxBatchSize)
	if err != nil {
		return fmt.Errorf("claim due runs: %w", err)
	}
	claimDuration.Observe(time.Since(claimStart).Seconds())

	for _, run := range runs {
		runsClaimed.Inc()
		queueWait.Observe(now.Sub(run.ScheduledFor).Seconds())
		s.events.Publish(events.Event{
			Level: "info", Type: events.TypeRunClaimed, Message: "run claimed",
			BotID: run.BotID, RunID: run.ID, WorkerID: s.cfg.WorkerID,
		})

		s.wg.Add(1)
		go func(run queue.RunRecord) {
			defer s.wg.Done()
			s.executeRun(ctx, run)
		}(run)
	}
	return nil
}

func (s *Scheduler) executeRun(ctx context.Context, run queue.RunRecord) {
	logger := s.logger.With("run_id", run.ID, "bot_id", run.BotID, "run_type", run.RunType)

	if err := s.store.MarkRunning(ctx, run.ID, s.now()); err != nil {
		// Without a valid claim the analyzer must not start.
		logger.Error("Failed to mark run running, dropping claim", "error", err)
		return
	}
	logger.Info("Processing run", "retry_count", run.RetryCount)
	s.events.Publish(events.Event{
		Level: "info", Type: events.TypeRunRunning, Message: "run started",
		BotID: run.BotID, RunID: run.ID, WorkerID: s.cfg.WorkerID,
	})

	execStart := time.Now()
	output, analyzeErr := s.analyzer.Analyze(ctx, &run)
	execDuration.WithLabelValues(string(run.RunType)).Observe(time.Since(execStart).Seconds())

	// Completions use a fresh context so a shutdown mid-run still records
	// the outcome.
	completionCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if analyzeErr == nil && output != nil && output.Decision != nil {
		if _, err := decision.Normalize(*output.Decision); err != nil {
			analyzeErr = fmt.Errorf("invalid decision intent: %w", err)
		}
	}

	if analyzeErr != nil {
		s.handleFailure(completionCtx, logger, run, analyzeErr)
		return
	}

	if err := s.store.MarkCompleted(completionCtx, run.ID, s.now(), output); err != nil {
		logger.Error("Failed to mark run completed", "error", err)
		return
	}
	runsCompleted.WithLabelValues("completed").Inc()
	logger.Info("Run completed")
	s.events.Publish(events.Event{
		Level: "info", Type: events.TypeRunCompleted, Message: "run completed",
		BotID: run.BotID, RunID: run.ID, WorkerID: s.cfg.WorkerID,
	})
}

func (s *Scheduler) handleFailure(ctx context.Context, logger *slog.Logger, run queue.RunRecord, analyzeErr error) {
	retryCount := run.RetryCount + 1
	now := s.now()

	if s.policy.ShouldRetry(retryCount) {
		rescheduleFor := now.Add(s.policy.NextDelay(retryCount))
		if err := s.store.MarkFailed(ctx, run.ID, now, analyzeErr.Error(), retryCount, &rescheduleFor); err != nil {
			logger.Error("Failed to reschedule run", "error", err)
			return
		}
		runsCompleted.WithLabelValues("retried").Inc()
		logger.Warn("Run failed, rescheduled", "error", analyzeErr, "retry_count", retryCount, "reschedule_for", rescheduleFor)
		s.events.Publish(events.Event{
			Level: "warn", Type: events.TypeRunRetried, Message: analyzeErr.Error(),
			BotID: run.BotID, RunID: run.ID, WorkerID: s.cfg.WorkerID,
			Metadata: map[string]string{"reschedule_for": rescheduleFor.Format(time.RFC3339)},
		})
		return
	}

	if err := s.store.MarkFailed(ctx, run.ID, now, analyzeErr.Error(), retryCount, nil); err != nil {
		logger.Error("Failed to mark run failed", "error", err)
		return
	}
	runsCompleted.WithLabelValues("failed").Inc()
	logger.Error("Run failed terminally, retry budget exhausted", "error", analyzeErr, "retry_count", retryCount)
	s.events.Publish(events.Event{
		Level: "error", Type: events.TypeRunFailed, Message: analyzeErr.Error(),
		BotID: run.BotID, RunID: run.ID, WorkerID: s.cfg.WorkerID,
	})
}

// Wait blocks until in-flight runs have reported back. Exposed for tests.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
