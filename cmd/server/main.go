package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"openrabbit/internal/admin"
	"openrabbit/internal/config"
	"openrabbit/internal/logging"
	"openrabbit/internal/queue"
	"openrabbit/internal/store"
	"openrabbit/internal/webhook"
)

func main() {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
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

	q := queue.New(rdb)
	keeper := queue.NewKeeper(q, cfg.Queue.IdempotencyTTL)
	webhookHandler := webhook.NewHandler(cfg, q, keeper, st)

	mux := http.NewServeMux()
	mux.Handle("/webhook", webhookHandler)
	admin.NewHandler(st, cfg.Server.AdminSecret).Register(mux)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unhealthy", "error", err)
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := st.Ping(ctx); err != nil {
			slog.Warn("storage unhealthy", "error", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	})

	// Catch misconfigured webhook URLs with a logged hint; still a 404.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			slog.Warn("received request at root path",
				"path", r.URL.Path,
				"method", r.Method,
				"msg", "please configure webhook URL to path '/webhook'",
			)
		}
		http.NotFound(w, r)
	})

	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server start failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("server stopping")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server shutdown forced", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
