package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/anushkaabajpaiii/auth-vault/internal/auth"
	"github.com/anushkaabajpaiii/auth-vault/internal/db"
	"github.com/anushkaabajpaiii/auth-vault/internal/maintenance"
	"github.com/anushkaabajpaiii/auth-vault/internal/observability"
)

type Options struct {
	LoadDotEnv bool
}

type Runtime struct {
	Handler http.Handler
	Addr    string
	Logger  *observability.Logger
	Close   func() error
}

type pinger interface {
	Ping(ctx context.Context) error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx := context.Background()
	closers := []func() error{}
	closeAll := func() error {
		observability.FlushSentry()
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	var store auth.Store
	var health pinger
	switch cfg.StoreDriver {
	case StoreDriverMemory:
		logger.Info("store_memory_enabled", map[string]any{"env": cfg.AppEnv})
		store = auth.NewMemoryStore()
	default:
		pool, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns:        int32(cfg.DBMaxConns),
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 10 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() error { pool.Close(); return nil })

		if cfg.RunMigrations {
			if err := db.RunMigrations(ctx, pool); err != nil {
				_ = closeAll()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		store = auth.NewRepository(pool)
		health = pool
	}

	codec, err := auth.NewTokenCodec(cfg.JWTSecret, cfg.AccessTokenTTL)
	if err != nil {
		_ = closeAll()
		return nil, err
	}

	metrics, err := observability.NewSessionMetrics(otel.GetMeterProvider())
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	authService := auth.NewService(store, codec, auth.NewBcryptHasher(cfg.BcryptCost))
	authService.WithSecurityConfig(cfg.LoginMaxAttempt, cfg.LoginLockWindow)
	authService.WithObservability(logger, metrics)

	if err := authService.BootstrapAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	loginLimiter := auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("%w: parse REDIS_URL: %v", auth.ErrConfiguration, err)
		}
		redisClient := redis.NewClient(redisOpts)
		closers = append(closers, redisClient.Close)
		loginLimiter = auth.NewRedisLoginRateLimiter(redisClient, cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	}

	cleanupHandler := maintenance.NewCleanupHandler(
		store,
		logger,
		cfg.CronSecret,
		cfg.RefreshTokenRetention,
		cfg.CleanupBatchSize,
	)

	mux := NewRouter(authService, loginLimiter, cleanupHandler, health)
	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Addr:    ":" + cfg.Port,
		Logger:  logger,
		Close:   closeAll,
	}, nil
}

// NewRouter mounts the HTTP surface of the session engine.
func NewRouter(authService *auth.Service, loginLimiter *auth.LoginRateLimiter, cleanup *maintenance.CleanupHandler, health pinger) *http.ServeMux {
	authHandler := auth.NewHandler(authService)
	authenticated := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(authService, h)
	}
	adminOnly := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(authService, auth.RequireRole(h, auth.RoleAdmin))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", healthHandler(health))
	mux.HandleFunc("POST /api/auth/signup", authHandler.Signup)
	mux.Handle("POST /api/auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /api/auth/refresh-token", authHandler.Refresh)
	mux.HandleFunc("POST /api/auth/logout", authHandler.Logout)
	mux.Handle("POST /api/auth/logout-all", authenticated(authHandler.LogoutAll))
	mux.Handle("GET /api/auth/me", authenticated(authHandler.Me))
	mux.Handle("GET /api/auth/admin/login-attempts", adminOnly(authHandler.LoginAttempts))
	mux.Handle("GET /api/admin/users", adminOnly(authHandler.ListUsers))
	mux.Handle("PATCH /api/admin/users/{id}/deactivate", adminOnly(authHandler.DeactivateUser))
	if cleanup != nil {
		mux.HandleFunc("GET /internal/maintenance/cleanup", cleanup.Handle)
		mux.HandleFunc("POST /internal/maintenance/cleanup", cleanup.Handle)
	}
	return mux
}

func healthHandler(database pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "message": "AuthVault API running", "time": time.Now().UTC().Format(time.RFC3339)}
		if database != nil {
			if err := database.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
