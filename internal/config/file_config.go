package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"polymancer.yaml",
	"polymancer.yml",
	"polymancer.toml",
	".polymancer.yaml",
	".polymancer.yml",
	".polymancer.toml",
}

// FileConfig mirrors the on-disk config file. Only set fields override the
// environment-derived Config.
type FileConfig struct {
	DSN    string           `yaml:"dsn" toml:"dsn"`
	Worker WorkerFileConfig `yaml:"worker" toml:"worker"`
	Ops    OpsFileConfig    `yaml:"ops" toml:"ops"`
	Bots   []BotConfig      `yaml:"bots" toml:"bots"`
}

type WorkerFileConfig struct {
	WorkerID        string   `yaml:"worker_id" toml:"worker_id"`
	Store           string   `yaml:"store" toml:"store"`
	TickInterval    string   `yaml:"tick_interval" toml:"tick_interval"`
	ClaimStaleAfter string   `yaml:"claim_stale_after" toml:"claim_stale_after"`
	MaxRetries      *int     `yaml:"max_retries" toml:"max_retries"`
	MaxBatchSize    *int     `yaml:"max_batch_size" toml:"max_batch_size"`
	RetryBaseDelay  string   `yaml:"retry_base_delay" toml:"retry_base_delay"`
	RetryMaxDelay   string   `yaml:"retry_max_delay" toml:"retry_max_delay"`
	AnalyzerMode    string   `yaml:"analyzer_mode" toml:"analyzer_mode"`
	AnalyzerCommand []string `yaml:"analyzer_command" toml:"analyzer_command"`
	AnalyzerTimeout string   `yaml:"analyzer_timeout" toml:"analyzer_timeout"`
	ShutdownTimeout string   `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type OpsFileConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
}

// ResolveConfigPath picks the config file: --config flag, then
// POLYMANCER_CONFIG, then well-known filenames in the working directory.
func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("POLYMANCER_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}
	if fileCfg.Worker.WorkerID != "" {
		cfg.WorkerID = fileCfg.Worker.WorkerID
	}
	if fileCfg.Worker.Store != "" {
		cfg.StoreMode = fileCfg.Worker.Store
	}
	if fileCfg.Worker.TickInterval != "" {
		parsed, err := parseDurationField("worker.tick_interval", fileCfg.Worker.TickInterval)
		if err != nil {
			return err
		}
		cfg.TickInterval = parsed
	}
	if fileCfg.Worker.ClaimStaleAfter != "" {
		parsed, err := parseDurationField("worker.claim_stale_after", fileCfg.Worker.ClaimStaleAfter)
		if err != nil {
			return err
		}
		cfg.ClaimStaleAfter = parsed
	}
	if fileCfg.Worker.MaxRetries != nil {
		cfg.MaxRetries = *fileCfg.Worker.MaxRetries
	}
	if fileCfg.Worker.MaxBatchSize != nil {
		cfg.MaxBatchSize = *fileCfg.Worker.MaxBatchSize
	}
	if fileCfg.Worker.RetryBaseDelay != "" {
		parsed, err := parseDurationField("worker.retry_base_delay", fileCfg.Worker.RetryBaseDelay)
		if err != nil {
			return err
		}
		cfg.RetryBaseDelay = parsed
	}
	if fileCfg.Worker.RetryMaxDelay != "" {
		parsed, err := parseDurationField("worker.retry_max_delay", fileCfg.Worker.RetryMaxDelay)
		if err != nil {
			return err
		}
		cfg.RetryMaxDelay = parsed
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("worker.retry_max_delay must be >= worker.retry_base_delay")
	}
	if fileCfg.Worker.AnalyzerMode != "" {
		cfg.AnalyzerMode = fileCfg.Worker.AnalyzerMode
	}
	if len(fileCfg.Worker.AnalyzerCommand) > 0 {
		cfg.AnalyzerCommand = append([]string{}, fileCfg.Worker.AnalyzerCommand...)
	}
	if fileCfg.Worker.AnalyzerTimeout != "" {
		parsed, err := parseDurationField("worker.analyzer_timeout", fileCfg.Worker.AnalyzerTimeout)
		if err != nil {
			return err
		}
		cfg.AnalyzerTimeout = parsed
	}
	if fileCfg.Worker.ShutdownTimeout != "" {
		parsed, err := parseDurationField("worker.shutdown_timeout", fileCfg.Worker.ShutdownTimeout)
		if err != nil {
			return err
		}
		cfg.ShutdownTimeout = parsed
	}
	if fileCfg.Ops.Addr != "" {
		cfg.HealthAddr = fileCfg.Ops.Addr
	}
	if fileCfg.Ops.AuthToken != "" {
		cfg.AuthToken = fileCfg.Ops.AuthToken
	}
	if len(fileCfg.Bots) > 0 {
		for _, bot := range fileCfg.Bots {
			if bot.BotID == "" {
				return fmt.Errorf("bots: bot_id is required")
			}
			if bot.StartAt != "" {
				if _, err := time.Parse(time.RFC3339, bot.StartAt); err != nil {
					return fmt.Errorf("bots: invalid start_at for %s: %w", bot.BotID, err)
				}
			}
			if bot.IntervalHours <= 0 && bot.CronExpr == "" {
				return fmt.Errorf("bots: %s needs interval_hours or cron", bot.BotID)
			}
		}
		cfg.Bots = append([]BotConfig{}, fileCfg.Bots...)
	}

	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		for _, prefix := range []string{"--config=", "-config="} {
			if strings.HasPrefix(arg, prefix) {
				value := strings.TrimPrefix(arg, prefix)
				if value == "" {
					return "", true, fmt.Errorf("missing value for --config")
				}
				return value, true, nil
			}
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
