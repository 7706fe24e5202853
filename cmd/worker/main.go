package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dawi369/polymancer/internal/config"
	"github.com/dawi369/polymancer/internal/db"
	"github.com/dawi369/polymancer/internal/events"
	"github.com/dawi369/polymancer/internal/executor"
	"github.com/dawi369/polymancer/internal/logging"
	"github.com/dawi369/polymancer/internal/queue"
	"github.com/dawi369/polymancer/internal/scheduler"
	"github.com/dawi369/polymancer/internal/web"
)

type runStore interface {
	queue.RunStore
	queue.BotRegistry
	web.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	configPath, err := config.ResolveConfigPath(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to resolve config path: %v", err)
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		log.Fatalf("Failed to apply config file: %v", err)
	}

	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	cfg.BindFlags(fs)
	var (
		_          = fs.String("config", "", "Path to config file")
		triggerBot = fs.String("trigger-bot", "", "Enqueue an on-demand user run for a bot and exit")
		triggerKey = fs.String("trigger-key", "", "Idempotency seed for -trigger-bot (default: random)")
		replayID   = fs.String("replay-id", "", "Clone a terminal failed run into a fresh pending run and exit")
		once       = fs.Bool("once", false, "Run a single scheduling tick and exit")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logging.Init(cfg.WorkerID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store runStore
	var pgStore *queue.PostgresStore
	switch cfg.StoreMode {
	case "memory":
		store = queue.NewMemoryStore(cfg.WorkerID)
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		pgStore = queue.NewPostgresStore(pool, cfg.WorkerID)
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Error("Failed to migrate run store", "error", err)
			os.Exit(1)
		}
		store = pgStore
	}

	if err := store.RegisterBots(ctx, scheduledBots(cfg)); err != nil {
		logger.Error("Failed to register bots", "error", err)
		os.Exit(1)
	}

	// Ops commands run against the store and exit.
	if *triggerBot != "" {
		seed := *triggerKey
		if seed == "" {
			seed = fmt.Sprintf("user:%s:%s", *triggerBot, uuid.NewString())
		}
		record, err := store.EnqueueRun(ctx, time.Now(), queue.EnqueueRunInput{
			BotID:          *triggerBot,
			RunType:        queue.RunTypeUser,
			ScheduledFor:   time.Now(),
			IdempotencyKey: queue.DeriveIdempotencyKey(seed),
		})
		if err != nil {
			logger.Error("Failed to enqueue user run", "bot_id", *triggerBot, "error", err)
			os.Exit(1)
		}
		if record == nil {
			logger.Info("User run already enqueued for that key", "bot_id", *triggerBot)
			return
		}
		logger.Info("Enqueued user run", "bot_id", *triggerBot, "run_id", record.ID)
		return
	}
	if *replayID != "" {
		if pgStore == nil {
			logger.Error("Replay requires the postgres store")
			os.Exit(1)
		}
		record, err := pgStore.ReplayRun(ctx, *replayID, time.Now())
		if err != nil {
			logger.Error("Failed to replay run", "run_id", *replayID, "error", err)
			os.Exit(1)
		}
		logger.Info("Replayed run", "old_id", *replayID, "new_id", record.ID)
		return
	}

	var analyzer executor.Analyzer
	if cfg.AnalyzerMode == "mock" {
		analyzer = executor.NewMockAnalyzer(cfg.MockSleep)
	} else {
		analyzer = executor.NewShellAnalyzer(cfg.AnalyzerCommand, cfg.AnalyzerTimeout)
	}

	broker := events.NewBroker(0)
	sched := scheduler.New(cfg, store, analyzer, logger, broker)

	if *once {
		if err := sched.Tick(ctx); err != nil {
			logger.Error("Tick failed", "error", err)
			os.Exit(1)
		}
		sched.Wait()
		logger.Info("Single tick complete")
		return
	}

	server := web.NewServer(store, cfg.HealthAddr, cfg.AuthToken, broker)

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("Ops server exited", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down...", "signal", sig.String())
		cancel()
	}()

	logger.Info("Worker starting", "store", cfg.StoreMode, "bots", len(cfg.Bots), "analyzer_mode", cfg.AnalyzerMode)
	if err := sched.Start(ctx); err != nil {
		logger.Error("Scheduler exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker stopped cleanly")
}

// scheduledBots converts configured bot schedules into registry cursors.
// Bots without an anchor start at the top of the next minute so the first
// slot is deterministic within a deployment rollout.
func scheduledBots(cfg *config.Config) []queue.ScheduledBot {
	bots := make([]queue.ScheduledBot, 0, len(cfg.Bots))
	for _, b := range cfg.Bots {
		start := time.Now().UTC().Truncate(time.Minute).Add(time.Minute)
		if b.StartAt != "" {
			if parsed, err := time.Parse(time.RFC3339, b.StartAt); err == nil {
				start = parsed
			}
		}
		bots = append(bots, queue.ScheduledBot{
			BotID:            b.BotID,
			NextRunAt:        start,
			RunIntervalHours: b.IntervalHours,
			CronExpr:         b.CronExpr,
			Enabled:          !b.Disabled,
		})
	}
	return bots
}
