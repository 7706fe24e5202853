package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the worker's full configuration surface. Every field has an
// environment override and a documented default; file config (see
// file_config.go) is applied on top, flags last.
type Config struct {
	DatabaseURL string
	WorkerID    string
	StoreMode   string // "postgres" or "memory"

	TickInterval    time.Duration // how often the scheduling tick fires
	ClaimStaleAfter time.Duration // claims older than this are presumed abandoned
	MaxRetries      int           // attempts after the first before a run is terminal
	MaxBatchSize    int           // claim budget per tick
	RetryBaseDelay  time.Duration // backoff seed
	RetryMaxDelay   time.Duration // backoff cap

	AnalyzerMode    string // "shell" or "mock"
	AnalyzerCommand []string
	AnalyzerTimeout time.Duration
	MockSleep       time.Duration

	ShutdownTimeout time.Duration
	HealthAddr      string
	AuthToken       string

	Bots []BotConfig
}

// BotConfig declares one bot's recurring schedule, normally from file
// config. StartAt anchors the first slot; empty means "now, on the hour".
type BotConfig struct {
	BotID         string `yaml:"bot_id" toml:"bot_id"`
	StartAt       string `yaml:"start_at" toml:"start_at"` // RFC3339
	IntervalHours int    `yaml:"interval_hours" toml:"interval_hours"`
	CronExpr      string `yaml:"cron" toml:"cron"`
	Disabled      bool   `yaml:"disabled" toml:"disabled"`
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Database connection string")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker ID")
	fs.StringVar(&c.StoreMode, "store", c.StoreMode, "Run store backend (postgres|memory)")
	fs.DurationVar(&c.TickInterval, "tick-interval", c.TickInterval, "Scheduling tick interval")
	fs.DurationVar(&c.ClaimStaleAfter, "claim-stale-after", c.ClaimStaleAfter, "Age after which a claim is reclaimed")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Maximum retries per run")
	fs.IntVar(&c.MaxBatchSize, "max-batch-size", c.MaxBatchSize, "Maximum runs claimed per tick")
	fs.DurationVar(&c.RetryBaseDelay, "retry-base-delay", c.RetryBaseDelay, "Base retry backoff delay")
	fs.StringVar(&c.AnalyzerMode, "analyzer-mode", c.AnalyzerMode, "Analyzer mode (shell|mock)")
	fs.DurationVar(&c.AnalyzerTimeout, "analyzer-timeout", c.AnalyzerTimeout, "Timeout for one analysis")
	fs.StringVar(&c.HealthAddr, "health-addr", c.HealthAddr, "HTTP address for health/metrics")
}

// Load builds a Config from the environment with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		WorkerID:        os.Getenv("WORKER_ID"),
		StoreMode:       envString("STORE_MODE", "postgres"),
		TickInterval:    envDuration("WORKER_TICK_INTERVAL", 30*time.Second),
		ClaimStaleAfter: envDuration("WORKER_CLAIM_STALE_AFTER", 10*time.Minute),
		MaxRetries:      envInt("WORKER_MAX_RETRIES", 3),
		MaxBatchSize:    envInt("WORKER_MAX_BATCH_SIZE", 10),
		RetryBaseDelay:  envDuration("WORKER_RETRY_BASE_DELAY", 5*time.Second),
		RetryMaxDelay:   envDuration("WORKER_RETRY_MAX_DELAY", time.Hour),
		AnalyzerMode:    envString("ANALYZER_MODE", "shell"),
		AnalyzerTimeout: envDuration("ANALYZER_TIMEOUT", 15*time.Minute),
		MockSleep:       envDuration("ANALYZER_MOCK_SLEEP", 100*time.Millisecond),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthAddr:      envString("HEALTH_ADDR", ":8080"),
		AuthToken:       os.Getenv("HEALTH_AUTH_TOKEN"),
	}

	if cmd := os.Getenv("ANALYZER_CMD"); cmd != "" {
		cfg.AnalyzerCommand = strings.Fields(cmd)
	} else {
		cfg.AnalyzerCommand = []string{"python3", "-m", "polymancer.analyze"}
	}

	if cfg.WorkerID == "" {
		hostname, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("worker-%s-%d", hostname, time.Now().Unix())
	}

	return cfg, nil
}

// Validate checks cross-field requirements that can only be judged after
// file config and flags are applied.
func (c *Config) Validate() error {
	switch c.StoreMode {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required with store=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store mode %q", c.StoreMode)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.ClaimStaleAfter <= 0 {
		return fmt.Errorf("claim-stale-after must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return fallback
}
