package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/config"
	"github.com/akinyi-dev/backend-gems/internal/db"
	"github.com/akinyi-dev/backend-gems/internal/events"
	"github.com/akinyi-dev/backend-gems/internal/lock"
	"github.com/akinyi-dev/backend-gems/internal/notify"
	"github.com/akinyi-dev/backend-gems/internal/obs"
	"github.com/akinyi-dev/backend-gems/internal/payment"
	"github.com/akinyi-dev/backend-gems/internal/queue"
	"github.com/akinyi-dev/backend-gems/internal/resilience"
)

const sweepTask = "payment:sweep"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger("json", "info").With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics("gems", nil)

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	queries := db.New(pool)

	mailer := common.NopEmailSender{}
	emailNotifier := notify.EmailNotifier{
		Mail:    mailer,
		Enabled: cfg.NotifyEmailEnabled,
		From:    cfg.NotifyEmailFrom,
	}

	providerHTTP := &resilience.HTTPClient{
		Client:      &http.Client{Timeout: cfg.OutboundTimeout},
		Breaker:     resilience.NewBreaker(10, 0.5, 30*time.Second).WithTarget("daraja").WithLogger(&logger),
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Target:      "daraja",
		Logger:      &logger,
	}
	daraja := payment.NewDaraja(
		cfg.DarajaBaseURL,
		cfg.DarajaConsumerKey,
		cfg.DarajaConsumerSecret,
		cfg.DarajaShortCode,
		cfg.DarajaPasskey,
		cfg.CallbackURL("mpesa"),
		providerHTTP,
		cfg.TokenExpiryMargin,
	)

	paymentSvc := &payment.Service{
		Store:           payment.NewStore(queries),
		Pool:            pool,
		Providers:       payment.NewRegistry(daraja),
		DefaultProvider: cfg.PaymentProvider,
		Currency:        cfg.CurrencyCode,
		Events:          &events.Bus{Store: queries, Notifiers: []events.Notifier{emailNotifier}},
		Logger:          logger,
	}

	locker := lock.Locker{R: redisClient}

	emailWorker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.QueueRedisPrefix,
		Kind:              notify.EmailJobKind(),
		Concurrency:       4,
		VisibilityTimeout: 2 * time.Minute,
		Handler:           notify.HandleEmailJob(emailNotifier),
		Logger:            &logger,
	}

	redisConn, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis uri for asynq")
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(sweepTask, func(ctx context.Context, _ *asynq.Task) error {
		release, err := locker.Acquire(ctx, sweepTask, cfg.LockTTL)
		if err != nil {
			if errors.Is(err, lock.ErrNotAcquired) {
				logger.Debug().Msg("sweep already running elsewhere")
				return nil
			}
			return err
		}
		defer release()

		n, err := paymentSvc.ExpireStale(ctx, cfg.SweepMaxAge, int32(cfg.SweepBatchSize))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info().Int("expired", n).Msg("stale payments expired")
		}
		return nil
	})

	srv := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: 2,
		Logger:      asynqLogger{logger},
	})
	scheduler := asynq.NewScheduler(redisConn, &asynq.SchedulerOpts{
		Logger: asynqLogger{logger},
	})
	if _, err := scheduler.Register("@every "+cfg.SweepInterval.String(), asynq.NewTask(sweepTask, nil)); err != nil {
		logger.Fatal().Err(err).Msg("register sweep schedule")
	}

	errCh := make(chan error, 3)
	go func() { errCh <- srv.Run(mux) }()
	go func() { errCh <- scheduler.Run() }()
	go func() { errCh <- emailWorker.Run(ctx) }()

	logger.Info().Msg("worker started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("worker component exited")
		}
	}

	scheduler.Shutdown()
	srv.Shutdown()
	logger.Info().Msg("worker stopped")
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "gems-worker"

	pool, err := pgxpool.NewWithConfig(initCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(initCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(initCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

// asynqLogger adapts zerolog to the asynq logging interface.
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmtArgs(args)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmtArgs(args)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmtArgs(args)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmtArgs(args)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmtArgs(args)) }

func fmtArgs(args []interface{}) string {
	return strings.TrimSpace(fmt.Sprintln(args...))
}
