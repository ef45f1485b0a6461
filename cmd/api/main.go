package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/akinyi-dev/backend-gems/internal/auth"
	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/config"
	"github.com/akinyi-dev/backend-gems/internal/db"
	"github.com/akinyi-dev/backend-gems/internal/events"
	"github.com/akinyi-dev/backend-gems/internal/health"
	"github.com/akinyi-dev/backend-gems/internal/listing"
	"github.com/akinyi-dev/backend-gems/internal/notify"
	"github.com/akinyi-dev/backend-gems/internal/obs"
	"github.com/akinyi-dev/backend-gems/internal/payment"
	"github.com/akinyi-dev/backend-gems/internal/queue"
	"github.com/akinyi-dev/backend-gems/internal/ratelimit"
	"github.com/akinyi-dev/backend-gems/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "gems")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "gems-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "gems-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	queries := db.New(pool)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	authService, err := auth.NewService(auth.Config{
		Queries:        queries,
		Secret:         cfg.JWTSecret,
		AccessTokenTTL: cfg.AccessTokenTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}
	authHandler := auth.Handler{Svc: authService}
	authMiddleware := auth.Middleware{Service: authService}

	mailer := common.NopEmailSender{}
	emailNotifier := notify.EmailNotifier{
		Mail:    mailer,
		Enabled: cfg.NotifyEmailEnabled,
		From:    cfg.NotifyEmailFrom,
	}
	scheduler := notify.Scheduler{
		Queue: queue.Enqueuer{
			R:        redisClient,
			Prefix:   cfg.QueueRedisPrefix,
			DedupTTL: cfg.IdempotencyTTL,
		},
		MaxAttempts: cfg.QueueMaxAttempts,
	}
	bus := &events.Bus{
		Store:     queries,
		Scheduler: scheduler,
		Notifiers: []events.Notifier{emailNotifier},
	}

	providerHTTP := &resilience.HTTPClient{
		Client: &http.Client{
			Timeout:   cfg.OutboundTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Breaker:     resilience.NewBreaker(10, 0.5, 30*time.Second).WithTarget("daraja").WithLogger(&logger),
		MaxAttempts: 1,
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
	registry := payment.NewRegistry(daraja)

	paymentSvc := &payment.Service{
		Store:           payment.NewStore(queries),
		Pool:            pool,
		Providers:       registry,
		DefaultProvider: cfg.PaymentProvider,
		Currency:        cfg.CurrencyCode,
		Events:          bus,
		Logger:          logger,
	}
	watcher := &payment.Watcher{
		Svc:          paymentSvc,
		PollInterval: cfg.WatchPollInterval,
		Timeout:      cfg.WatchTimeout,
	}
	paymentHandler := &payment.Handler{Svc: paymentSvc, Watcher: watcher}
	webhookHandler := payment.Webhook{
		Svc:       paymentSvc,
		Providers: registry,
		Replay:    redisClient,
		ReplayTTL: cfg.CallbackReplayTTL,
		Logger:    logger,
	}

	listingSvc := &listing.Service{Q: queries, Events: bus, Logger: logger}
	listingHandler := listing.Handler{Svc: listingSvc}

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	limiterStore, err := ratelimit.NewRedisStore(redisClient, cfg.QueueRedisPrefix+":rl")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter store")
	}
	limiter := ratelimit.StoreLimiter{Store: limiterStore}
	onLimiterError := func(err error) {
		logger.Warn().Err(err).Msg("rate limiter error")
	}
	loginLimit := ratelimit.Handler{
		Limiter: limiter,
		Config: ratelimit.Config{
			Key:    func(r *http.Request) string { return "login:" + common.ClientIP(r) },
			Window: cfg.LoginRateWindow,
			Max:    cfg.LoginRateMax,
		},
		OnError: onLimiterError,
	}
	callbackLimit := ratelimit.Handler{
		Limiter: limiter,
		Config: ratelimit.Config{
			Key:    func(r *http.Request) string { return "callback:" + common.ClientIP(r) },
			Window: cfg.CallbackRateWindow,
			Max:    cfg.CallbackRateMax,
		},
		OnError: onLimiterError,
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	if envBool("OBS_ENABLE_PPROF", false) {
		r.Mount("/debug", protectPprof(newPprofMux(), logger))
	}

	healthHandler := health.Handler{
		Checker:      health.Probes{DB: pool, Redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/auth", func(a chi.Router) {
			a.With(loginLimit.Middleware).Post("/login", authHandler.Login)
			a.With(authMiddleware.RequireAuth).Get("/me", authHandler.Me)
		})

		v.Get("/listings/{listingId}", listingHandler.Get)

		v.Route("/payments", func(p chi.Router) {
			p.Use(authMiddleware.RequireAuth)
			p.Group(func(g chi.Router) {
				g.Use(idem.Middleware)
				g.Post("/", paymentHandler.Initiate)
				g.Post("/attempts", paymentHandler.Attempt)
			})
			p.Get("/{paymentId}", paymentHandler.Status)
			p.Post("/{paymentId}/reconcile", paymentHandler.Reconcile)
			p.Get("/{paymentId}/watch", paymentHandler.Watch)
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMiddleware.RequireRole("admin"))
			admin.Post("/listings/{listingId}/moderate", listingHandler.Moderate)
		})

		v.With(callbackLimit.Middleware).Post("/webhooks/payment/{provider}", webhookHandler.Handle)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
}

func newPprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// protectPprof guards the profiling endpoints with basic auth. When no
// credentials are configured the endpoints are disabled outright.
func protectPprof(next http.Handler, logger zerolog.Logger) http.Handler {
	user := os.Getenv("PPROF_BASIC_AUTH_USER")
	pass := os.Getenv("PPROF_BASIC_AUTH_PASSWORD")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user == "" || pass == "" {
			http.NotFound(w, r)
			return
		}
		gotUser, gotPass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass)) != 1 {
			logger.Warn().Str("remote", common.ClientIP(r)).Msg("pprof auth rejected")
			w.Header().Set("WWW-Authenticate", `Basic realm="pprof"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}
