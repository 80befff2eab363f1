package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/resend-dispatch/internal/api"
	"github.com/ignite/resend-dispatch/internal/config"
	"github.com/ignite/resend-dispatch/internal/domain"
	"github.com/ignite/resend-dispatch/internal/pkg/distlock"
	"github.com/ignite/resend-dispatch/internal/pkg/logger"
	"github.com/ignite/resend-dispatch/internal/ratelimit"
	"github.com/ignite/resend-dispatch/internal/repository/memory"
	"github.com/ignite/resend-dispatch/internal/repository/postgres"
	"github.com/ignite/resend-dispatch/internal/resend"
	"github.com/ignite/resend-dispatch/internal/runner"
	"github.com/ignite/resend-dispatch/internal/service/dispatch"
	"github.com/ignite/resend-dispatch/internal/workpool"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepLockTTL    = 10 * time.Minute
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.ShouldRedact())
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, db, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	window := ratelimit.FixedWindow{Period: millis(cfg.Dispatch.RateLimitWindowMs), Rate: 1}
	var (
		redisClient *redis.Client
		limiter     ratelimit.Limiter
	)
	if cfg.Redis.URL != "" {
		redisClient, err = connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		limiter = ratelimit.NewRedisLimiter(redisClient, window)
	} else {
		logger.Warn("REDIS_URL not set; rate limit is enforced per process only")
		limiter = ratelimit.NewMemoryLimiter(window)
	}

	group, gctx := errgroup.WithContext(ctx)

	jobs := runner.New(gctx)
	emailPool := workpool.New("email", cfg.Dispatch.EmailPoolSize, 0)
	callbackPool := workpool.New("callback", cfg.Dispatch.CallbackPoolSize, 0)
	emailPool.Start(gctx)
	callbackPool.Start(gctx)

	svc := dispatch.NewService(store, dispatch.Dependencies{
		Runner:       jobs,
		EmailPool:    emailPool,
		CallbackPool: callbackPool,
		Limiter:      limiter,
		Provider:     resend.NewClient(cfg.Resend.BaseURL, nil, cfg.Resend.Timeout()),
		Notifier:     dispatch.NewCallbackNotifier(cfg.Resend.Timeout()),
	}, dispatch.Settings{
		SegmentWidth:       millis(cfg.Dispatch.SegmentMs),
		BaseBatchDelay:     millis(cfg.Dispatch.BaseBatchDelayMs),
		BatchSize:          cfg.Dispatch.BatchSize,
		FixedWindowDelay:   millis(cfg.Dispatch.FixedWindowDelayMs),
		FinalizedRetention: time.Duration(cfg.Retention.FinalizedHours) * time.Hour,
		AbandonedRetention: time.Duration(cfg.Retention.AbandonedHours) * time.Hour,
		SweepPageSize:      cfg.Retention.PageSize,
	})

	if err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("recover dispatch: %w", err)
	}

	sweeper := dispatch.NewSweeper(svc,
		time.Duration(cfg.Retention.FinalizedIntervalMinutes)*time.Minute,
		time.Duration(cfg.Retention.AbandonedIntervalMinutes)*time.Minute,
		func(key string) dispatch.Locker {
			return distlock.NewLock(redisClient, db, key, sweepLockTTL)
		},
	)
	group.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})

	health := api.NewHealthChecker(db, redisClient, map[string]api.PoolStats{
		"email":    emailPool,
		"callback": callbackPool,
	})
	server := api.NewServer(cfg.Server, api.NewHandlers(svc, runtimeOptions(cfg.Resend)), health)

	group.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.Server.Addr(), "storage", cfg.Storage.Type)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		// Batches still queued in the pool are re-enqueued by Recover on the
		// next start.
		jobs.Stop()
		emailPool.Stop()
		callbackPool.Stop()
		return err
	})

	return group.Wait()
}

// runtimeOptions builds the options applied to every send.
func runtimeOptions(rc config.ResendConfig) domain.Options {
	opts := domain.Options{
		APIKey:           rc.APIKey,
		TestMode:         rc.IsTestMode(),
		RetryAttempts:    rc.RetryAttempts,
		InitialBackoffMs: int64(rc.InitialBackoffMs),
		HandleClick:      rc.HandleClick,
	}
	if rc.CallbackURL != "" {
		opts.OnEmailEvent = &domain.EventHandler{Handle: rc.CallbackURL}
	}
	return opts
}

func openStore(ctx context.Context, sc config.StorageConfig) (dispatch.Store, *sql.DB, error) {
	switch strings.ToLower(sc.Type) {
	case "memory":
		logger.Warn("using in-memory storage; emails are lost on restart")
		return memory.NewStore(), nil, nil
	case "postgres":
		if sc.DatabaseURL == "" {
			return nil, nil, errors.New("storage.database_url (DATABASE_URL) is required for postgres storage")
		}
		db, err := postgres.Open(ctx, sc.DatabaseURL, sc.MaxOpenConns)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to PostgreSQL", "host", extractHost(sc.DatabaseURL))
		return postgres.NewStore(db), db, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", sc.Type)
	}
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	logger.Info("connected to Redis", "addr", opts.Addr)
	return client, nil
}

// extractHost returns the host part of a DSN so credentials never reach logs.
func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
