package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/waitlistq/internal/analytics"
	"github.com/lalithlochan/waitlistq/internal/api"
	"github.com/lalithlochan/waitlistq/internal/auth"
	"github.com/lalithlochan/waitlistq/internal/circuitbreaker"
	"github.com/lalithlochan/waitlistq/internal/config"
	"github.com/lalithlochan/waitlistq/internal/db"
	"github.com/lalithlochan/waitlistq/internal/metrics"
	"github.com/lalithlochan/waitlistq/internal/notify"
	"github.com/lalithlochan/waitlistq/internal/observ"
	"github.com/lalithlochan/waitlistq/internal/redis"
	"github.com/lalithlochan/waitlistq/internal/sns"
	"github.com/lalithlochan/waitlistq/internal/sqs"
	"github.com/lalithlochan/waitlistq/internal/waitlist"
	"github.com/lalithlochan/waitlistq/internal/worker"
)

// store is everything the gateway needs from persistence. Both
// *db.Repository and *db.MemoryStore satisfy it.
type store interface {
	waitlist.Store
	notify.Store
	analytics.Store
	worker.Repository
	CreateOwner(ctx context.Context, owner *db.Owner) error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting waitlistq gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("delivery", cfg.DeliveryMode),
	)

	ctx := context.Background()
	tokens := auth.NewTokens(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, owner endpoints will reject every request")
	}
	if cfg.CronSecret == "" {
		logger.Warn("CRON_SECRET not set, cron endpoints are disabled")
	}

	var st store
	switch cfg.StoreDriver {
	case config.StoreMemory:
		mem := db.NewMemoryStore()
		if err := seedDevOwner(ctx, mem, tokens, cfg, logger); err != nil {
			return err
		}
		st = mem
	default:
		database, err := db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		st = db.NewRepository(database, logger)
	}

	// Redis backs the join rate limiter and the scan/delivery run locks.
	var (
		joinLimiter *redis.RateLimiter
		runLock     *redis.RunLock
	)
	if cfg.RedisHost != "" {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, rate limiting and run locks disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			runLock = redis.NewRunLock(redisClient, redis.DefaultRunLockTTL, logger)
			if cfg.JoinRateLimit > 0 {
				joinLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
					Limit:  cfg.JoinRateLimit,
					Window: time.Minute,
					Prefix: "join",
				})
			}
		}
	}

	aggregator := analytics.NewAggregator(st)
	svc := waitlist.NewService(st, aggregator, waitlist.Config{
		BaseURL:          cfg.BaseURL,
		DefaultPlanLimit: cfg.DefaultPlanLimit,
	}, logger)

	if cfg.SNSTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, sns.Config{
			Region:   cfg.AWSRegion,
			TopicARN: cfg.SNSTopicARN,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, join events will not be published", zap.Error(err))
		} else {
			svc.WithPublisher(publisher)
		}
	}

	scanner := notify.NewScanner(st, aggregator, logger)
	var scheduler *notify.Scheduler
	if runLock != nil {
		scheduler = notify.NewScheduler(scanner, runLock, logger)
		scheduler.OnFinish(recordRun(runLock, logger))
	} else {
		scheduler = notify.NewScheduler(scanner, nil, logger)
	}

	if cfg.SchedulerEnabled {
		if err := scheduler.Start(notify.Schedules{
			Digest:     cfg.DigestSchedule,
			Expiry:     cfg.ExpirySchedule,
			Milestones: cfg.MilestoneSchedule,
		}); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			scheduler.Stop(stopCtx)
		}()
	}

	sender, err := newSender(ctx, cfg, logger)
	if err != nil {
		return err
	}
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(cfg.DeliveryMode), logger)

	w := worker.New(st, circuitbreaker.NewProtectedSender(sender, breaker, logger), worker.Config{
		PollInterval: cfg.DeliveryPollInterval,
		MaxRetries:   cfg.DeliveryMaxRetries,
	}, logger)
	if runLock != nil {
		w.WithLock(runLock)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go w.Start(workerCtx)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(api.RequestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	handler := api.NewHandler(logger, svc, scheduler, cfg.CronSecret)
	r.Mount("/", handler.Routes(tokens, joinLimiter))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// newSender picks the delivery backend for DELIVERY_MODE
func newSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (worker.Sender, error) {
	switch cfg.DeliveryMode {
	case config.DeliverySES:
		sender, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			Endpoint:  cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		return sender, nil
	case config.DeliverySQS:
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS producer: %w", err)
		}
		return worker.NewSQSSender(producer, logger), nil
	default:
		return worker.NewLogSender(logger), nil
	}
}

// recordRun stores each finished scan so operators can see the last run
func recordRun(lock *redis.RunLock, logger *zap.Logger) func(context.Context, *notify.Report) {
	return func(ctx context.Context, rep *notify.Report) {
		err := lock.Record(ctx, &redis.RunRecord{
			Scan:      rep.Scan,
			Processed: rep.Processed,
			Notified:  rep.Notified,
			Skipped:   rep.Skipped,
			Errors:    len(rep.Errors),
		})
		if err != nil {
			logger.Warn("failed to record scan run", zap.String("scan", rep.Scan), zap.Error(err))
		}
	}
}

// seedDevOwner gives the in-memory store an owner to work with and logs a
// token for it.
func seedDevOwner(ctx context.Context, st *db.MemoryStore, tokens *auth.Tokens, cfg *config.Config, logger *zap.Logger) error {
	owner := &db.Owner{
		ID:        uuid.New(),
		Email:     "dev@waitlistq.local",
		Plan:      db.PlanFree,
		PlanLimit: cfg.DefaultPlanLimit,
	}
	if err := st.CreateOwner(ctx, owner); err != nil {
		return fmt.Errorf("failed to seed dev owner: %w", err)
	}

	tok, err := tokens.Issue(owner.ID, owner.Email, auth.DefaultTokenTTL)
	if err != nil {
		logger.Warn("in-memory store seeded without a token", zap.String("owner_id", owner.ID.String()), zap.Error(err))
		return nil
	}
	logger.Info("in-memory store seeded",
		zap.String("owner_id", owner.ID.String()),
		zap.String("token", tok),
	)
	return nil
}
