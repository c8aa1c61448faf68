// Command server starts the orchestrator: the jobs API, the scheduler loops
// and the supervisory monitor run in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/roost/internal/adapter/httpserver"
	"github.com/fairyhunter13/roost/internal/adapter/platform/stub"
	"github.com/fairyhunter13/roost/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/roost/internal/app"
	"github.com/fairyhunter13/roost/internal/config"
	"github.com/fairyhunter13/roost/internal/domain"
	"github.com/fairyhunter13/roost/internal/observability"
	"github.com/fairyhunter13/roost/internal/scheduler"
	"github.com/fairyhunter13/roost/internal/service/ratelimiter"
	"github.com/fairyhunter13/roost/internal/service/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	actionRepo := postgres.NewActionRepo(pool)
	accountRepo := postgres.NewAccountRepo(pool)

	// Boot recovery sweep: jobs interrupted by the previous process go back
	// to pending before any loop starts.
	recovered, err := jobRepo.RecoverInterrupted(ctx)
	if err != nil {
		slog.Error("boot recovery failed", slog.Any("error", err))
		os.Exit(1)
	}
	if recovered > 0 {
		slog.Info("interrupted jobs recovered", slog.Int64("count", recovered))
	}

	workers, err := accountRepo.ListWorkers(ctx)
	if err != nil {
		slog.Error("worker load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if len(workers) == 0 {
		if cfg.StrictWorkers {
			slog.Error("no worker accounts present and strict mode on")
			os.Exit(1)
		}
		slog.Warn("no worker accounts present, dispatch will idle")
	}

	var cache *redis.Client
	if cfg.CacheURL != "" {
		opts, err := redis.ParseURL(cfg.CacheURL)
		if err != nil {
			slog.Error("cache url invalid", slog.Any("error", err))
			os.Exit(1)
		}
		cache = redis.NewClient(opts)
		if err := cache.Ping(ctx).Err(); err != nil {
			// The limiter fails open without the cache; keep going.
			slog.Warn("cache unreachable, continuing without it", slog.Any("error", err))
		}
		defer func() { _ = cache.Close() }()
	}

	limiter := ratelimiter.New(actionRepo, cfg.ClassLimits(), cache)
	wpool := workerpool.New(accountRepo, limiter, workerpool.Options{
		MaxConcurrent:        cfg.MaxConcurrentWorkers,
		MaxRequestsPerWorker: cfg.MaxRequestsPerWorker,
		MaxIdle:              cfg.WorkerMaxIdle,
	})

	var client domain.PlatformClient = stub.New(cfg.PlatformHost)

	hub := httpserver.NewHub()
	proc := scheduler.NewProcessor(jobRepo, accountRepo, limiter, wpool, client, hub,
		cfg.PlatformHost, cfg.CallTimeout)
	queue := scheduler.NewQueue(jobRepo, accountRepo, wpool, limiter, proc, scheduler.QueueOptions{
		BatchSize:   cfg.DequeueBatchSize,
		IdlePoll:    cfg.IdlePoll,
		JobDeadline: cfg.JobDeadline,
	})
	manager := scheduler.NewManager(jobRepo, accountRepo, wpool, limiter, queue, hub, scheduler.ManagerOptions{
		Loops:           cfg.MaxConcurrentWorkers,
		MonitorInterval: cfg.MonitorInterval,
		CleanupInterval: cfg.CleanupInterval,
		StopGrace:       cfg.StopGrace,
		StaleActionAge:  cfg.StaleActionAge,
	})
	if err := manager.Start(ctx); err != nil {
		slog.Error("scheduler start failed", slog.Any("error", err))
		os.Exit(1)
	}

	srv := httpserver.NewServer(cfg, manager, jobRepo, accountRepo, hub)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			exitCode = 1
		}
	}

	manager.Stop(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}
	os.Exit(exitCode)
}
