package queue

import (
	"time"

	"github.com/dawi369/polymancer/internal/decision"
)

type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusClaimed   RunStatus = "claimed"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

type RunType string

const (
	RunTypeScheduled RunType = "scheduled"
	RunTypeReactive  RunType = "reactive"
	RunTypeUser      RunType = "user"
)

// ArticleRef points at a news article a run should consider.
type ArticleRef struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// RunInputParams is the payload handed to the analyzer. The store treats it
// as opaque; it is owned by whoever enqueued the run.
type RunInputParams struct {
	MarketIDs       []string       `json:"market_ids,omitempty"`
	NewsArticleRefs []ArticleRef   `json:"news_article_refs,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// RunOutputResult is written exactly once, on successful completion.
type RunOutputResult struct {
	Decision     *decision.Intent `json:"decision,omitempty"`
	ForecastCard map[string]any   `json:"forecast_card,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
}

// RunRecord is one unit of scheduled or triggered work for a bot. Records are
// never deleted; completed and failed runs are kept for history.
type RunRecord struct {
	ID             string           `db:"id"`
	BotID          string           `db:"bot_id"`
	Status         RunStatus        `db:"status"`
	RunType        RunType          `db:"run_type"`
	ScheduledFor   time.Time        `db:"scheduled_for"`
	ClaimedBy      *string          `db:"claimed_by"`
	ClaimedAt      *time.Time       `db:"claimed_at"`
	StartedAt      *time.Time       `db:"started_at"`
	CompletedAt    *time.Time       `db:"completed_at"`
	InputParams    *RunInputParams  `db:"input_params"`
	OutputResult   *RunOutputResult `db:"output_result"`
	ErrorMessage   *string          `db:"error_message"`
	RetryCount     int              `db:"retry_count"`
	IdempotencyKey string           `db:"idempotency_key"`
	CreatedAt      time.Time        `db:"created_at"`
}

// ScheduledBot is a bot's recurring-schedule cursor. NextRunAt advances by
// exactly one slot every time the scheduler materializes a run for it, even
// when that materialization was a duplicate.
type ScheduledBot struct {
	BotID            string    `db:"bot_id"`
	NextRunAt        time.Time `db:"next_run_at"`
	RunIntervalHours int       `db:"run_interval_hours"`
	// CronExpr, when set, overrides RunIntervalHours with a standard
	// 5-field cron schedule.
	CronExpr string `db:"cron_expr"`
	Enabled  bool   `db:"enabled"`
}
