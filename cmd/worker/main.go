package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"openrabbit/internal/config"
	"openrabbit/internal/conversation"
	"openrabbit/internal/forge"
	"openrabbit/internal/indexer"
	"openrabbit/internal/llm"
	"openrabbit/internal/logging"
	"openrabbit/internal/queue"
	"openrabbit/internal/review"
	"openrabbit/internal/store"
	"openrabbit/internal/tokencache"
)

func main() {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if _, err := strconv.ParseInt(cfg.GitHub.AppID, 10, 64); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: GITHUB_APP_ID must be numeric: %v\n", err)
		os.Exit(1)
	}

	logger, logCleanup := logging.Setup(cfg)
	defer logCleanup()
	slog.SetDefault(logger)

	opts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		slog.Error("parse redis url failed", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	st, err := store.New(cfg.Storage.DSN, cfg.Storage.Timeout)
	if err != nil {
		slog.Error("init storage failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	tokenTTL := time.Hour - cfg.Review.TokenSafetyMargin
	tokens, err := tokencache.New(cfg.GitHub.AppID, cfg.GitHub.PrivateKeyPath, cfg.GitHub.APIBaseURL, rdb, tokenTTL)
	if err != nil {
		slog.Error("init token cache failed", "error", err)
		os.Exit(1)
	}

	model := llm.New(cfg.LLM, cfg.Review.ModelConcurrency)
	if err := model.Ping(context.Background()); err != nil {
		slog.Error("llm health check failed", "error", err)
		os.Exit(1)
	}

	newForge := func(installationID int64) (*forge.Client, error) {
		return forge.New(tokens, installationID, cfg.GitHub.APIBaseURL)
	}

	orchestrator := &review.Orchestrator{
		Forges: func(id int64) (review.Forge, error) { return newForge(id) },
		Client: model,
		Store:  st,
		Cfg:    cfg.Review,
		Analyzer: &review.Analyzer{
			Timeout: cfg.Review.AnalyzerTimeout,
		},
	}

	tracker := &conversation.Tracker{
		Forges:   func(id int64) (conversation.Forge, error) { return newForge(id) },
		Client:   model,
		Store:    st,
		MaxTurns: cfg.Review.ConversationTurns,
	}

	indexWorker := &indexer.Worker{Store: st}

	q := queue.New(rdb)
	keeper := queue.NewKeeper(q, cfg.Queue.IdempotencyTTL)
	lock := queue.NewPRLock(rdb, 0)

	consumer := queue.NewConsumer(q, lock, keeper, cfg.Queue, map[queue.TaskKind]queue.Handler{
		queue.KindReview:       orchestrator.Run,
		queue.KindConversation: tracker.Handle,
		queue.KindIndex:        indexWorker.Handle,
	})
	consumer.OnExhausted = review.FailAndNotify(st, orchestrator.Forges)

	consumer.Start()
	slog.Info("worker started",
		"fast", cfg.Queue.FastWorkers, "slow", cfg.Queue.SlowWorkers,
		"index", cfg.Queue.IndexWorkers, "conversation", cfg.Queue.ConvWorkers)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("worker stopping")

	consumer.Stop()
	slog.Info("worker stopped")
}
