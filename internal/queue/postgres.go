package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production RunStore backend. The claim protocol rides
// on conditional UPDATEs over FOR UPDATE SKIP LOCKED candidate sets, so
// concurrent workers partition the due set disjointly without advisory
// locking.
type PostgresStore struct {
	pool     *pgxpool.Pool
	workerID string
}

var _ RunStore = (*PostgresStore)(nil)
var _ BotRegistry = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool, workerID string) *PostgresStore {
	return &PostgresStore{pool: pool, workerID: workerID}
}

// Migrate creates the store's tables. Safe to run on every startup.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS bot_runs (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			status TEXT NOT NULL,
			run_type TEXT NOT NULL,
			scheduled_for TIMESTAMPTZ NOT NULL,
			claimed_by TEXT,
			claimed_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			input_params JSONB,
			output_result JSONB,
			error_message TEXT,
			retry_count INT NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS bot_runs_due_idx
			ON bot_runs (scheduled_for, created_at)
			WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS bot_runs_claimed_idx
			ON bot_runs (claimed_at)
			WHERE status = 'claimed'`,
		`CREATE TABLE IF NOT EXISTS scheduled_bots (
			bot_id TEXT PRIMARY KEY,
			next_run_at TIMESTAMPTZ NOT NULL,
			run_interval_hours INT NOT NULL DEFAULT 0,
			cron_expr TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate run store: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) RegisterBots(ctx context.Context, bots []ScheduledBot) error {
	for _, bot := range bots {
		if err := validateBot(bot); err != nil {
			return err
		}
		query := `
			INSERT INTO scheduled_bots (bot_id, next_run_at, run_interval_hours, cron_expr, enabled)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (bot_id) DO UPDATE
			SET run_interval_hours = EXCLUDED.run_interval_hours,
			    cron_expr = EXCLUDED.cron_expr,
			    enabled = EXCLUDED.enabled
		`
		// next_run_at deliberately not overwritten on conflict: the
		// cursor belongs to the scheduler once a bot exists.
		if _, err := s.pool.Exec(ctx, query, bot.BotID, bot.NextRunAt, bot.RunIntervalHours, bot.CronExpr, bot.Enabled); err != nil {
			return fmt.Errorf("register bot %s: %w", bot.BotID, err)
		}
	}
	return nil
}

const runColumns = `
	id, bot_id, status, run_type, scheduled_for,
	claimed_by, claimed_at, started_at, completed_at,
	input_params, output_result, error_message, retry_count,
	idempotency_key, created_at`

func (s *PostgresStore) EnqueueRun(ctx context.Context, now time.Time, input EnqueueRunInput) (*RunRecord, error) {
	return enqueueRun(ctx, s.pool, now, input)
}

// querier lets enqueueRun work both on the pool and inside the scheduled-run
// transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func enqueueRun(ctx context.Context, q querier, now time.Time, input EnqueueRunInput) (*RunRecord, error) {
	params, err := marshalJSONB(input.InputParams)
	if err != nil {
		return nil, fmt.Errorf("marshal input params: %w", err)
	}

	query := `
		INSERT INTO bot_runs (id, bot_id, status, run_type, scheduled_for, input_params, retry_count, idempotency_key, created_at)
		VALUES ($1, $2, 'pending', $3, $4, $5, 0, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + runColumns
	row := q.QueryRow(ctx, query,
		uuid.NewString(), input.BotID, input.RunType, input.ScheduledFor, params, input.IdempotencyKey, now)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Duplicate trigger: expected, idempotent no-op.
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

func (s *PostgresStore) EnqueueScheduledRuns(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT bot_id, next_run_at, run_interval_hours, cron_expr, enabled
		FROM scheduled_bots
		WHERE enabled AND next_run_at <= $1
		FOR UPDATE SKIP LOCKED
	`, now)
	if err != nil {
		return 0, err
	}
	var due []ScheduledBot
	for rows.Next() {
		var bot ScheduledBot
		if err := rows.Scan(&bot.BotID, &bot.NextRunAt, &bot.RunIntervalHours, &bot.CronExpr, &bot.Enabled); err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, bot)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	created := 0
	for _, bot := range due {
		slot := bot.NextRunAt
		record, err := enqueueRun(ctx, tx, now, EnqueueRunInput{
			BotID:          bot.BotID,
			RunType:        RunTypeScheduled,
			ScheduledFor:   slot,
			IdempotencyKey: ScheduledRunKey(bot.BotID, slot),
		})
		if err != nil {
			return 0, fmt.Errorf("enqueue scheduled run for %s: %w", bot.BotID, err)
		}
		if record != nil {
			created++
		}

		next, err := nextSlot(bot, slot)
		if err != nil {
			return 0, err
		}
		// Unconditional advance; a duplicate slot must not be retried.
		if _, err := tx.Exec(ctx, `UPDATE scheduled_bots SET next_run_at = $1 WHERE bot_id = $2`, next, bot.BotID); err != nil {
			return 0, fmt.Errorf("advance cursor for %s: %w", bot.BotID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return created, nil
}

func (s *PostgresStore) RequeueStaleClaims(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	query := `
		WITH stale AS (
			SELECT id FROM bot_runs
			WHERE status = 'claimed' AND claimed_at <= $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE bot_runs
		SET status = 'pending',
		    claimed_by = NULL,
		    claimed_at = NULL
		FROM stale
		WHERE bot_runs.id = stale.id
	`
	tag, err := s.pool.Exec(ctx, query, now.Add(-staleAfter))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ClaimDueRuns(ctx context.Context, now time.Time, limit int) ([]RunRecord, error) {
	query := `
		WITH due AS (
			SELECT id FROM bot_runs
			WHERE status = 'pending' AND scheduled_for <= $1
			ORDER BY scheduled_for ASC, created_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE bot_runs
		SET status = 'claimed',
		    claimed_by = $3,
		    claimed_at = $1
		FROM due
		WHERE bot_runs.id = due.id
		RETURNING ` + runColumns
	rows, err := s.pool.Query(ctx, query, now, limit, s.workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the CTE's ordering.
	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].ScheduledFor.Equal(claimed[j].ScheduledFor) {
			return claimed[i].ScheduledFor.Before(claimed[j].ScheduledFor)
		}
		if !claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		}
		return claimed[i].ID < claimed[j].ID
	})
	return claimed, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, runID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bot_runs
		SET status = 'running', started_at = $1
		WHERE id = $2 AND status = 'claimed'
	`, now, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark running %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, runID string, now time.Time, output *RunOutputResult) error {
	result, err := marshalJSONB(output)
	if err != nil {
		return fmt.Errorf("marshal output result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE bot_runs
		SET status = 'completed', completed_at = $1, output_result = $2
		WHERE id = $3 AND status = 'running'
	`, now, result, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark completed %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, runID string, now time.Time, errorMessage string, retryCount int, rescheduleFor *time.Time) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if rescheduleFor != nil {
		// Retry path: back to the eligible pool as if newly due.
		tag, err = s.pool.Exec(ctx, `
			UPDATE bot_runs
			SET status = 'pending',
			    scheduled_for = $1,
			    error_message = $2,
			    retry_count = $3,
			    claimed_by = NULL,
			    claimed_at = NULL,
			    started_at = NULL,
			    completed_at = NULL
			WHERE id = $4 AND status = 'running'
		`, *rescheduleFor, errorMessage, retryCount, runID)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE bot_runs
			SET status = 'failed',
			    completed_at = $1,
			    error_message = $2,
			    retry_count = $3
			WHERE id = $4 AND status = 'running'
		`, now, errorMessage, retryCount, runID)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark failed %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// ReplayRun clones a terminal failed run into a fresh pending record with a
// new idempotency key, for operator-driven re-triggering.
func (s *PostgresStore) ReplayRun(ctx context.Context, runID string, now time.Time) (*RunRecord, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO bot_runs (id, bot_id, status, run_type, scheduled_for, input_params, retry_count, idempotency_key, created_at)
		SELECT $1, bot_id, 'pending', run_type, $2, input_params, 0, $3, $2
		FROM bot_runs WHERE id = $4 AND status = 'failed'
		RETURNING `+runColumns,
		uuid.NewString(), now, DeriveIdempotencyKey(fmt.Sprintf("replay:%s:%s", runID, now.UTC().Format(time.RFC3339Nano))), runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("replay %s: %w", runID, ErrRunNotFound)
		}
		return nil, err
	}
	return run, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func marshalJSONB(v any) ([]byte, error) {
	switch t := v.(type) {
	case *RunInputParams:
		if t == nil {
			return nil, nil
		}
	case *RunOutputResult:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func scanRun(row pgx.Row) (*RunRecord, error) {
	var (
		run          RunRecord
		inputParams  []byte
		outputResult []byte
	)
	err := row.Scan(
		&run.ID, &run.BotID, &run.Status, &run.RunType, &run.ScheduledFor,
		&run.ClaimedBy, &run.ClaimedAt, &run.StartedAt, &run.CompletedAt,
		&inputParams, &outputResult, &run.ErrorMessage, &run.RetryCount,
		&run.IdempotencyKey, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(inputParams) > 0 {
		run.InputParams = &RunInputParams{}
		if err := json.Unmarshal(inputParams, run.InputParams); err != nil {
			return nil, fmt.Errorf("unmarshal input params: %w", err)
		}
	}
	if len(outputResult) > 0 {
		run.OutputResult = &RunOutputResult{}
		if err := json.Unmarshal(outputResult, run.OutputResult); err != nil {
			return nil, fmt.Errorf("unmarshal output result: %w", err)
		}
	}
	return &run, nil
}
