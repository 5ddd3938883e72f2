package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anushkaabajpaiii/auth-vault/internal/auth"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	AppEnv      string
	Port        string
	SentryDSN   string
	StoreDriver string

	DatabaseURL   string
	DBMaxConns    int
	RunMigrations bool

	JWTSecret       string
	AccessTokenTTL  time.Duration
	LoginMaxAttempt int
	LoginLockWindow time.Duration
	BcryptCost      int

	RedisURL             string
	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration

	CronSecret            string
	RefreshTokenRetention time.Duration
	CleanupBatchSize      int

	AdminEmail    string
	AdminPassword string
}

// LoadConfig reads the environment. A missing JWT secret, or a missing
// database URL for the postgres driver, is an ErrConfiguration.
func LoadConfig() (Config, error) {
	cfg := Config{
		AppEnv:      envOrDefault("APP_ENV", "development"),
		Port:        envOrDefault("PORT", "5000"),
		SentryDSN:   strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		StoreDriver: strings.ToLower(envOrDefault("STORE_DRIVER", StoreDriverPostgres)),

		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:    envIntOrDefault("DB_MAX_CONNS", 10),
		RunMigrations: EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", true),

		AccessTokenTTL:  envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		LoginMaxAttempt: envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		LoginLockWindow: envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		BcryptCost:      envIntOrDefault("BCRYPT_COST", 10),

		RedisURL:             strings.TrimSpace(os.Getenv("REDIS_URL")),
		LoginRateLimitMax:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),

		CronSecret:            strings.TrimSpace(os.Getenv("CRON_SECRET")),
		RefreshTokenRetention: envDaysOrDefault("AUTH_REFRESH_TOKEN_RETENTION_DAYS", 14),
		CleanupBatchSize:      envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),

		AdminEmail:    os.Getenv("ADMIN_EMAIL"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	}

	secret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return Config{}, err
	}
	cfg.JWTSecret = secret

	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("%w: missing required env: DATABASE_URL", auth.ErrConfiguration)
		}
	case StoreDriverMemory:
	default:
		return Config{}, fmt.Errorf("%w: unknown STORE_DRIVER %q", auth.ErrConfiguration, cfg.StoreDriver)
	}

	return cfg, nil
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("%w: missing required env: %s", auth.ErrConfiguration, name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
