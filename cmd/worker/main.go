// Command worker runs the task execution runtime: queue consumers with
// admission control, the task processor with its registered handlers,
// and the flow manager keeping workflow records in sync.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/stash-api/internal/config"
	"github.com/phrazzld/stash-api/internal/notify"
	"github.com/phrazzld/stash-api/internal/platform/gemini"
	"github.com/phrazzld/stash-api/internal/platform/logger"
	"github.com/phrazzld/stash-api/internal/platform/membroker"
	"github.com/phrazzld/stash-api/internal/platform/postgres"
	"github.com/phrazzld/stash-api/internal/platform/upstream"
	"github.com/phrazzld/stash-api/internal/queue"
	"github.com/phrazzld/stash-api/internal/ratelimit"
	"github.com/phrazzld/stash-api/internal/service"
	"github.com/phrazzld/stash-api/internal/task"
	"github.com/phrazzld/stash-api/internal/worker"
	"github.com/phrazzld/stash-api/internal/workflow"
)

// shutdownTimeout bounds how long draining in-flight work may take.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	// Database.
	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := postgres.Migrate(ctx, db, log); err != nil {
		return err
	}

	// Key-value store backing the admission guards.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	buckets := ratelimit.NewRedisBucketStore(rdb)

	// Broker and its facades.
	broker := membroker.New(membroker.Config{RateLimitDelay: time.Second}, log)
	registry := queue.NewRegistry(broker, log)
	hub := notify.NewHub(log)

	// Stores and services.
	taskStore := postgres.NewPostgresTaskStore(db)
	workflowStore := postgres.NewPostgresWorkflowStore(db)
	contentStore := postgres.NewPostgresContentStore(db)
	taskService := service.NewTaskService(taskStore, registry, log)

	// Task processor and handlers.
	processor := task.NewProcessor(log)

	if cfg.Upstream.BaseURL != "" {
		fetcher, err := upstream.NewFetcher(cfg.Upstream, log)
		if err != nil {
			return err
		}
		for _, target := range []task.Target{task.TargetArticle, task.TargetPaste} {
			processor.RegisterHandler(task.NewSaveHandler(target, fetcher, contentStore, log))
		}
	} else {
		log.Warn("no upstream base url configured, save handlers disabled")
	}

	if cfg.LLM.GeminiAPIKey != "" {
		summarizer, err := gemini.NewSummarizer(ctx, cfg.LLM, log)
		if err != nil {
			return err
		}
		processor.RegisterHandler(task.NewAIProcessHandler(summarizer, log))
	} else {
		log.Warn("no gemini api key configured, ai_process handler disabled")
	}

	// One host per queue, each with its own token bucket.
	var hosts []*worker.Host
	for _, queueName := range task.QueueNames() {
		guard := ratelimit.NewGuard(buckets, queueName, cfg.Queue.GuardCapacity, cfg.Queue.GuardRate)
		host := worker.NewHost(worker.HostConfig{
			Queue:       queueName,
			Concurrency: cfg.Queue.Concurrency,
			Guard:       guard,
			Process:     processor.Process,
			Tasks:       taskStore,
			Notifier:    hub,
		}, broker, log)
		if err := host.Start(ctx); err != nil {
			return err
		}
		hosts = append(hosts, host)
	}

	// Workflow bookkeeping follows the same queues the hosts consume.
	flowManager := workflow.NewFlowManager(broker, workflowStore, log)
	if err := flowManager.SetupQueueEvents(ctx, task.QueueNames()...); err != nil {
		return fmt.Errorf("failed to subscribe flow manager: %w", err)
	}

	// Re-dispatch work left unfinished by a previous run.
	if err := taskService.RecoverTasks(ctx); err != nil {
		log.Error("task recovery failed", "error", err)
	}

	log.Info("worker started",
		"queues", task.QueueNames(),
		"concurrency", cfg.Queue.Concurrency)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, host := range hosts {
		if err := host.Close(); err != nil {
			log.Error("failed to stop worker host", "error", err)
		}
	}
	if err := flowManager.Close(); err != nil {
		log.Error("failed to stop flow manager", "error", err)
	}
	if err := registry.CloseAll(); err != nil {
		log.Error("failed to close queues", "error", err)
	}
	if err := broker.Close(shutdownCtx); err != nil {
		log.Error("failed to close broker", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}
