package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openkb/qgen/internal/api"
	"github.com/openkb/qgen/internal/cache"
	"github.com/openkb/qgen/internal/config"
	"github.com/openkb/qgen/internal/flow"
	"github.com/openkb/qgen/internal/repository"
	"github.com/openkb/qgen/internal/store"
	"github.com/openkb/qgen/internal/tracker"
)

const usage = `usage: qgen <command> [flags]

commands:
  start    launch a question-generation job and hand it to the tracker
  status   print the tracked job's state
  watch    follow the tracked job until it finishes
  retry    re-launch a failed job with its original parameters
  save     save a completed job's questions to the test-question list
  dismiss  drop a finished job from the tracker
`

func main() {
	logger := log.New(os.Stderr, "[qgen] ", log.LstdFlags|log.LUTC)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, repoCloser := setupStateRepository(ctx, cfg, logger)
	defer repoCloser()

	taskStore := store.New(ctx, repo, logger)
	client := api.NewClient(api.ClientConfig{
		BaseURL:        cfg.BackendBaseURL,
		AuthToken:      cfg.BackendAuthToken,
		Timeout:        time.Duration(cfg.BackendTimeoutMS) * time.Millisecond,
		MaxRetries:     cfg.BackendMaxRetries,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	pollInterval := time.Duration(cfg.PollIntervalMS) * time.Millisecond
	jobTracker := tracker.New(tracker.Config{
		Backend:      client,
		Store:        taskStore,
		Logger:       logger,
		PollInterval: pollInterval,
	})

	var err error
	switch command {
	case "start":
		err = runStart(ctx, cfg, client, taskStore, logger, pollInterval, args)
	case "status":
		err = runStatus(jobTracker)
	case "watch":
		err = runWatch(ctx, jobTracker, pollInterval)
	case "retry":
		err = jobTracker.Retry(ctx)
	case "save":
		err = jobTracker.Save(ctx)
	case "dismiss":
		err = jobTracker.Dismiss(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Printf("%s failed: %v", command, err)
		os.Exit(1)
	}
}

func runStart(
	ctx context.Context,
	cfg config.Config,
	client *api.Client,
	taskStore *store.Store,
	logger *log.Logger,
	pollInterval time.Duration,
	args []string,
) error {
	flags := flag.NewFlagSet("start", flag.ExitOnError)
	kbID := flags.String("kb", "", "knowledge base id (required)")
	docs := flags.String("docs", "", "comma-separated document ids; empty means all documents")
	count := flags.String("count", "", "desired question count (required)")
	_ = flags.Parse(args)
	if *kbID == "" {
		return errors.New("-kb is required")
	}

	prereqs := cache.NewPrereqCache(cache.Config{
		TTL:        time.Duration(cfg.PrereqCacheTTLSeconds) * time.Second,
		MaxEntries: cfg.PrereqCacheMaxEntries,
	})
	session := flow.New(flow.Config{
		Backend:         client,
		Store:           taskStore,
		Prereqs:         prereqs,
		Logger:          logger,
		PollInterval:    pollInterval,
		KnowledgeBaseID: *kbID,
	})

	if err := session.Open(ctx); err != nil {
		return err
	}
	if session.IsFirstGeneration() {
		logger.Printf("first generation for this knowledge base")
	}
	if delta := session.Delta(); len(delta.NewDocIDs)+len(delta.ModifiedDocIDs) > 0 {
		logger.Printf("documents changed since last run: %d new, %d modified",
			len(delta.NewDocIDs), len(delta.ModifiedDocIDs))
	}

	var err error
	if *docs == "" {
		err = session.SelectAllDocuments(ctx)
	} else {
		err = session.SelectDocuments(ctx, splitIDs(*docs))
	}
	if err != nil {
		return err
	}

	bounds := session.Bounds()
	if *count == "" && bounds.Recommended > 0 {
		*count = fmt.Sprintf("%d", bounds.Recommended)
		logger.Printf("using recommended question count %d (limit %d)", bounds.Recommended, bounds.Limit)
	}
	if err := session.SetCount(*count); err != nil {
		return err
	}
	if err := session.Launch(ctx); err != nil {
		return err
	}

	task := session.Task()
	// Closing the session hands the running job to the store so `watch`
	// can pick it up from any later invocation.
	session.Close(ctx)
	fmt.Printf("generation started history_id=%s\n", task.HistoryID)
	fmt.Println("run `qgen watch` to follow progress")
	return nil
}

func runStatus(jobTracker *tracker.Tracker) error {
	printStatus(jobTracker.Status())
	return nil
}

func runWatch(ctx context.Context, jobTracker *tracker.Tracker, pollInterval time.Duration) error {
	status := jobTracker.Status()
	if status.Phase == tracker.PhaseIdle {
		fmt.Println("no generation task to watch")
		return nil
	}

	go jobTracker.Run(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		printStatus(status)
		if status.Phase == tracker.PhaseComplete || status.Phase == tracker.PhaseFailed {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			status = jobTracker.Status()
		}
	}
}

func printStatus(status tracker.Status) {
	switch status.Phase {
	case tracker.PhaseIdle:
		fmt.Println("no generation task tracked")
	case tracker.PhaseRunning:
		fmt.Printf("generating history_id=%s %d%%\n", status.HistoryID, status.Percent)
	case tracker.PhaseComplete:
		fmt.Printf("complete history_id=%s questions=%d (run `qgen save` to keep them)\n",
			status.HistoryID, status.QuestionCount)
	case tracker.PhaseFailed:
		fmt.Printf("failed history_id=%s (run `qgen retry` to relaunch)\n", status.HistoryID)
	}
}

func setupStateRepository(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (repository.StateRepository, func()) {
	if cfg.DatabaseURL != "" {
		pgRepo, err := repository.NewPostgresStateRepository(ctx, cfg.DatabaseURL, cfg.StateProfile)
		if err == nil {
			return pgRepo, pgRepo.Close
		}
		logger.Printf("postgres state repository unavailable, falling back: %v", err)
	}

	if cfg.RedisAddr != "" {
		redisRepo, err := repository.NewRedisStateRepository(ctx, repository.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
		if err == nil {
			return redisRepo, func() { _ = redisRepo.Close() }
		}
		logger.Printf("redis state repository unavailable, falling back: %v", err)
	}

	path := cfg.StateFile
	if path == "" {
		path = repository.DefaultStatePath()
	}
	fileRepo, err := repository.NewFileStateRepository(path)
	if err != nil {
		logger.Printf("file state repository unavailable, task state will not survive restarts: %v", err)
		return repository.NewMemoryStateRepository(), func() {}
	}
	return fileRepo, func() {}
}

func splitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}
