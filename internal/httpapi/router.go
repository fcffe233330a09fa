package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"chat_gateway/internal/auth"
	"chat_gateway/internal/billing"
	"chat_gateway/internal/config"
	"chat_gateway/internal/logging"
	"chat_gateway/internal/middleware"
	"chat_gateway/internal/providers"
	"chat_gateway/internal/queue"
	"chat_gateway/internal/quota"
	"chat_gateway/internal/ratelimit"
	"chat_gateway/internal/reservation"
	"chat_gateway/internal/storage"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Config       *config.Config
	DB           *storage.DB
	Redis        *storage.RedisClient
	Users        *storage.UserRepository
	Usage        *storage.UsageRepository
	Ledger       quota.Ledger
	Billing      billing.Adapter
	Reservations *reservation.Manager
	Provider     providers.Provider
	RateLimiter  *ratelimit.RateLimiter
	UsageWorker  *storage.UsageQueueWorker
	Logger       *logging.Logger
}

// NewRouter creates an HTTP router with all dependencies wired up
func NewRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	logger := logging.NewLogger("httpapi")

	db, err := storage.NewDB(storage.DBConfig{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		UserCacheSize:   cfg.Database.UserCacheSize,
		UserCacheTTL:    cfg.Database.UserCacheTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Redis is optional: only the redis ledger backend, rate limiting
	// and the redis-backed usage queue need it.
	var redisClient *storage.RedisClient
	if cfg.Redis.Address != "" {
		redisClient, err = storage.NewRedisClient(storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
	}

	userRepo := storage.NewUserRepository(db)
	usageRepo := storage.NewUsageRepository(db)

	ledger, err := buildLedger(cfg, db, redisClient)
	if err != nil {
		return nil, nil, err
	}

	var adapter billing.Adapter
	if cfg.Billing.StripeAPIKey != "" {
		adapter, err = billing.NewStripeAdapter(billing.StripeAdapterConfig{
			APIKey:           cfg.Billing.StripeAPIKey,
			MeteredEventName: cfg.Billing.MeteredEventName,
			UnlimitedMetaKey: cfg.Billing.UnlimitedMetaKey,
			RequestTimeout:   cfg.Billing.RequestTimeout,
		}, userRepo)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize billing: %w", err)
		}
	} else {
		logger.Warn("no billing backend configured, running free-tier only")
		adapter = billing.NewUnconfiguredAdapter()
	}

	provider, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		DefaultModel:   cfg.Provider.Model,
		RequestTimeout: cfg.Provider.RequestTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize provider: %w", err)
	}

	var limiter *ratelimit.RateLimiter
	if cfg.RateLimit.Enabled {
		if redisClient == nil {
			return nil, nil, fmt.Errorf("rate limiting requires Redis")
		}
		limiter = ratelimit.NewRateLimiter(redisClient.Client())
	}

	usageWorker := buildUsageWorker(cfg, redisClient, usageRepo)
	usageWorker.Start(context.Background())

	deps := &Dependencies{
		Config:       cfg,
		DB:           db,
		Redis:        redisClient,
		Users:        userRepo,
		Usage:        usageRepo,
		Ledger:       ledger,
		Billing:      adapter,
		Reservations: reservation.NewManager(ledger, adapter, usageWorker),
		Provider:     provider,
		RateLimiter:  limiter,
		UsageWorker:  usageWorker,
		Logger:       logger,
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps, cfg)

	return mux, deps, nil
}

func buildLedger(cfg *config.Config, db *storage.DB, redisClient *storage.RedisClient) (quota.Ledger, error) {
	switch cfg.Quota.Backend {
	case "memory":
		return quota.NewMemoryLedger(cfg.Quota.FreeMessageLimit), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("quota backend %q requires Redis", cfg.Quota.Backend)
		}
		return quota.NewRedisLedger(redisClient.Client(), cfg.Quota.FreeMessageLimit), nil
	case "postgres", "":
		return quota.NewPostgresLedger(db, cfg.Quota.FreeMessageLimit), nil
	default:
		return nil, fmt.Errorf("unknown quota backend %q", cfg.Quota.Backend)
	}
}

func buildUsageWorker(cfg *config.Config, redisClient *storage.RedisClient, usageRepo *storage.UsageRepository) *storage.UsageQueueWorker {
	queueCfg := queue.DefaultConfig("usage")
	if cfg.Queue.BatchSize > 0 {
		queueCfg.BatchSize = cfg.Queue.BatchSize
	}
	if cfg.Queue.BatchTimeout > 0 {
		queueCfg.BatchTimeout = cfg.Queue.BatchTimeout
	}
	if cfg.Queue.MaxRetries > 0 {
		queueCfg.MaxRetries = cfg.Queue.MaxRetries
	}
	if cfg.Queue.RetryBackoff > 0 {
		queueCfg.RetryBackoff = cfg.Queue.RetryBackoff
	}

	var q queue.Queue
	var dlq queue.DeadLetterQueue
	if cfg.Queue.UseRedis && redisClient != nil {
		q = queue.NewRedisQueue(redisClient.Client(), queueCfg.QueueName)
		dlq = queue.NewRedisDeadLetterQueue(redisClient.Client(), queueCfg.QueueName)
	} else {
		q = queue.NewMemoryQueue(queueCfg)
		dlq = queue.NewMemoryDeadLetterQueue()
	}

	return storage.NewUsageQueueWorker(q, dlq, usageRepo, queueCfg)
}

// Close releases everything NewRouter opened, draining the usage worker
// first so queued audit records reach the database.
func (d *Dependencies) Close() error {
	if d.UsageWorker != nil {
		if err := d.UsageWorker.Stop(); err != nil {
			d.Logger.Warn("usage worker shutdown failed", "error", err)
		}
	}
	if d.Provider != nil {
		d.Provider.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.DB != nil {
		return d.DB.Close()
	}
	return nil
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies, cfg *config.Config) {
	// Health check endpoint - public
	mux.HandleFunc("/health", deps.handleHealth)

	// Auth endpoints - public (no middleware)
	authHandler := NewAuthHandler(deps.Users, cfg)
	mux.HandleFunc("/api/auth/signup", authHandler.Signup)
	mux.HandleFunc("/api/auth/login", authHandler.Login)

	// User endpoints - session-protected
	session := middleware.SessionMiddleware(cfg)
	mux.Handle("/api/chat", session(http.HandlerFunc(deps.handleChat)))
	mux.Handle("/api/quota", session(http.HandlerFunc(deps.handleQuota)))
	mux.Handle("/api/usage", session(http.HandlerFunc(deps.handleUsage)))

	// Admin management endpoints - require the admin role
	adminSession := middleware.SessionMiddleware(cfg, auth.RoleAdmin)
	usersHandler := NewAdminUsersHandler(deps.Users)
	mux.Handle("/admin/users", adminSession(http.HandlerFunc(usersHandler.HandleCollection)))
	mux.Handle("/admin/users/", adminSession(http.HandlerFunc(usersHandler.HandleItem)))
}
