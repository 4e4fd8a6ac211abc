package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/bellhop/internal/api"
	"github.com/lalithlochan/bellhop/internal/circuitbreaker"
	"github.com/lalithlochan/bellhop/internal/config"
	"github.com/lalithlochan/bellhop/internal/db"
	"github.com/lalithlochan/bellhop/internal/dedup"
	"github.com/lalithlochan/bellhop/internal/dispatch"
	"github.com/lalithlochan/bellhop/internal/metrics"
	"github.com/lalithlochan/bellhop/internal/observ"
	"github.com/lalithlochan/bellhop/internal/push"
	"github.com/lalithlochan/bellhop/internal/realtime"
	"github.com/lalithlochan/bellhop/internal/redis"
	"github.com/lalithlochan/bellhop/internal/sqs"
	"github.com/lalithlochan/bellhop/internal/worker"
)

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

	logger.Info("starting bellhop gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("realtime_transport", cfg.RealtimeTransport),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, observ.Component(logger, "db"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, observ.Component(logger, "repository"))

	// Redis backs dedup claims, rate limiting and the redis realtime transport
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, observ.Component(logger, "redis"))
	if err != nil {
		if cfg.RealtimeTransport == config.TransportRedis {
			return fmt.Errorf("redis realtime transport needs redis: %w", err)
		}
		logger.Warn("redis unavailable, dedup claims and rate limiting disabled",
			zap.Error(err),
			zap.String("addr", cfg.RedisAddr()),
		)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Deduplication
	var claims dedup.Claimer
	if redisClient != nil && cfg.DedupClaimsEnabled {
		claims = redis.NewDedupClaims(redisClient, observ.Component(logger, "dedup"))
	}
	gate := dedup.NewGate(repo, claims, dedup.Windows{
		WithOrder: cfg.DedupWindowWithOrder,
		Default:   cfg.DedupWindow,
	}, observ.Component(logger, "dedup"))

	// Push senders, each behind its own circuit breaker
	sender, breakers, err := newPushSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	service := dispatch.NewService(repo, gate, sender, dispatch.Config{
		PushConcurrency: cfg.PushConcurrency,
		PushTimeout:     time.Duration(cfg.PushTimeout) * time.Second,
	}, observ.Component(logger, "dispatch"))

	// Realtime fan-out
	var transport realtime.Transport
	switch cfg.RealtimeTransport {
	case config.TransportRedis:
		feed := redis.NewInsertFeed(redisClient, observ.Component(logger, "feed"))
		service.WithAnnouncer(feed)
		transport = realtime.NewRedisTransport(feed)
	default:
		transport = realtime.NewPGTransport(database.Pool(), repo, observ.Component(logger, "realtime"))
	}

	manager := realtime.NewManager(transport, realtime.ManagerConfig{
		MaxRetries:  cfg.ChannelMaxRetries,
		RetryBase:   cfg.ChannelRetryBase,
		JoinTimeout: cfg.ChannelJoinTimeout,
	}, observ.Component(logger, "realtime"))

	bridge := realtime.NewBridge(manager, observ.Component(logger, "realtime"))
	bridge.Init(ctx)
	defer bridge.Dispose()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// Queue-backed dispatch
	var producer *sqs.Producer
	if cfg.SQSQueueURL != "" {
		sqsClient, err := sqs.NewClient(ctx, cfg.SQSRegion)
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}
		producer = sqs.NewProducer(sqsClient, cfg.SQSQueueURL, observ.Component(logger, "sqs"))
		consumer := sqs.NewConsumer(sqsClient, cfg.SQSQueueURL, observ.Component(logger, "sqs"))

		var dlq worker.DeadLetter
		if cfg.SQSDLQURL != "" {
			dlq = sqs.NewProducer(sqsClient, cfg.SQSDLQURL, observ.Component(logger, "sqs"))
		}

		qw := worker.New(consumer, dlq, service, worker.Config{}, observ.Component(logger, "worker"))
		go qw.Start(workerCtx)

		logger.Info("queue worker started",
			zap.String("queue_url", cfg.SQSQueueURL),
			zap.Bool("dlq_enabled", dlq != nil),
		)
	}

	sweeper := worker.NewSweeper(repo, cfg.RetentionPeriod, cfg.SweepInterval, observ.Component(logger, "sweeper"))
	go sweeper.Start(workerCtx)

	go reportPoolStats(workerCtx, database)

	opts := api.Options{
		Realtime:  bridge,
		FeedLimit: cfg.FeedLimit,
		KeepAlive: cfg.StreamKeepAlive,
	}
	if producer != nil {
		opts.Queue = producer
	}
	handler := api.NewHandler(observ.Component(logger, "api"), repo, service, opts)
	defer handler.CloseSessions()

	var limiter api.Limiter
	if redisClient != nil {
		limiter = redis.NewRateLimiter(redisClient, observ.Component(logger, "ratelimit"), redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(limiter, logger, api.RecipientKeyFunc))

		// Streams are long-lived; everything else gets a deadline
		handler.StreamRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Routes(r)
		})
	})

	r.Get("/health", healthHandler(database, redisClient, breakers))
	r.Handle("/metrics", metrics.Handler())

	// No WriteTimeout: it would cut event streams
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
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

		// Streams never finish on their own
		handler.CloseSessions()
		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// newPushSender builds the platform senders. Web push runs when a VAPID key
// pair is configured; SNS runs when an AWS config loads.
func newPushSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (push.Sender, []*circuitbreaker.CircuitBreaker, error) {
	pushLogger := observ.Component(logger, "push")
	timeout := time.Duration(cfg.PushTimeout) * time.Second

	var senders []push.Sender
	var breakers []*circuitbreaker.CircuitBreaker

	protect := func(s push.Sender, name string) {
		cb := circuitbreaker.New(circuitbreaker.DefaultConfig(name), pushLogger)
		senders = append(senders, circuitbreaker.NewProtectedSender(s, cb, pushLogger))
		breakers = append(breakers, cb)
	}

	webEnabled := false
	if cfg.WebPushEnabled() {
		webSender, err := push.NewWebSender(pushLogger, push.WebConfig{
			Timeout:         timeout,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			Subscriber:      cfg.VAPIDSubject,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("web push sender: %w", err)
		}
		protect(webSender, "push-web")
		webEnabled = true
	} else {
		logger.Warn("VAPID keys not set, web push disabled")
	}

	snsSender, err := push.NewSNSSender(ctx, push.SNSConfig{Region: cfg.SNSRegion}, pushLogger)
	if err != nil {
		logger.Warn("SNS sender unavailable, mobile push disabled", zap.Error(err))
	} else {
		protect(snsSender, "push-sns")
	}

	logger.Info("push senders ready",
		zap.Bool("web_enabled", webEnabled),
		zap.Bool("sns_enabled", err == nil),
		zap.Bool("log_only", cfg.Env == "development"),
	)

	return push.NewMultiSender(pushLogger, pushChain(pushLogger, cfg.Env == "development", senders...)...), breakers, nil
}

// pushChain orders senders for routing. In development the log sender goes
// first so every platform is logged instead of delivered.
func pushChain(logger *zap.Logger, development bool, senders ...push.Sender) []push.Sender {
	if !development {
		return senders
	}
	return append([]push.Sender{push.NewLogSender(logger)}, senders...)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func healthHandler(database *db.DB, redisClient *redis.Client, breakers []*circuitbreaker.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := map[string]string{"database": "ok"}
		if err := database.Health(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks["database"] = err.Error()
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Ping(ctx); err != nil {
				checks["redis"] = err.Error()
			}
		}

		senders := make(map[string]string, len(breakers))
		for _, cb := range breakers {
			senders[cb.Name()] = cb.GetState().String()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  http.StatusText(status),
			"checks":  checks,
			"senders": senders,
		})
	}
}

func reportPoolStats(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))
		}
	}
}
