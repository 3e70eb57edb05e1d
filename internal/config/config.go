package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName           = "PagemintCredits"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultWelcomeBonus      = int64(50)
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultReconcileInterval = 5 * time.Minute
)

// Config captures application runtime configuration loaded from environment
// variables. A .env file in the working directory is honored for local
// development.
type Config struct {
	AppName           string
	AppEnv            string
	Port              string
	LogLevel          string
	DatabaseURL       string
	RedisURL          string
	NATSURL           string
	CatalogPath       string
	WelcomeBonus      int64
	IdempotencyTTL    time.Duration
	ShutdownPeriod    time.Duration
	ReconcileInterval time.Duration
}

// Load reads configuration values from the environment. DATABASE_URL and
// REDIS_URL are required outside development; without them the service runs
// on in-memory backends, which lose all state on restart.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getEnv("APP_NAME", defaultAppName),
		AppEnv:            getEnv("APP_ENV", defaultAppEnv),
		Port:              getEnv("PORT", defaultPort),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		NATSURL:           os.Getenv("NATS_URL"),
		CatalogPath:       os.Getenv("CATALOG_PATH"),
		WelcomeBonus:      defaultWelcomeBonus,
		IdempotencyTTL:    defaultIdempotencyTTL,
		ShutdownPeriod:    defaultShutdownDelay,
		ReconcileInterval: defaultReconcileInterval,
	}

	if v := os.Getenv("WELCOME_BONUS"); v != "" {
		bonus, err := strconv.ParseInt(v, 10, 64)
		if err != nil || bonus < 0 {
			return Config{}, fmt.Errorf("invalid WELCOME_BONUS: %q", v)
		}
		cfg.WelcomeBonus = bonus
	}

	var err error
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = durationEnv("RECONCILE_INTERVAL", cfg.ReconcileInterval); err != nil {
		return Config{}, err
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// IsDev reports whether the service runs in a development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
