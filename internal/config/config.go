package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Webhook  WebhookConfig
	Dispatch DispatchConfig
	Log      LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	Driver string
	URL    string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type WebhookConfig struct {
	URL        string
	Timeout    time.Duration
	RatePerSec float64
}

type DispatchConfig struct {
	// CounterBackend is "sql" or "redis".
	CounterBackend     string
	Location           *time.Location
	DefaultMaxAttempts int
	DefaultEditWindow  time.Duration
	ClaimLease         time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadAll reads the process configuration from the environment and returns
// every problem it finds at once.
func LoadAll() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	var err error
	cfg.Database.URL, err = requireEnv("DATABASE_URL")
	collect(err)
	cfg.Webhook.URL, err = requireEnv("WEBHOOK_URL")
	collect(err)
	cfg.Webhook.Timeout, err = getEnvDuration("TRANSPORT_TIMEOUT", 10*time.Second)
	collect(err)
	cfg.Webhook.RatePerSec, err = getEnvFloat("TRANSPORT_RATE_PER_SEC", 0)
	collect(err)

	cfg.Redis, err = loadRedisConfig()
	collect(err)

	cfg.Dispatch, err = loadDispatchConfig()
	collect(err)

	collect(validate(cfg))
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttlSeconds, ttlErr := getEnvInt("REDIS_TTL_SECONDS", 86400)

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttlSeconds) * time.Second,
	}, errors.Join(dbErr, ttlErr)
}

func loadDispatchConfig() (DispatchConfig, error) {
	var errs []error

	d := DispatchConfig{
		CounterBackend: strings.ToLower(getEnv("COUNTER_BACKEND", "sql")),
	}

	tz := getEnv("DISPATCH_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_TIMEZONE %q: %w", tz, err))
	}
	d.Location = loc

	if d.DefaultMaxAttempts, err = getEnvInt("DEFAULT_MAX_ATTEMPTS", 3); err != nil {
		errs = append(errs, err)
	}
	if d.DefaultEditWindow, err = getEnvDuration("DEFAULT_EDIT_WINDOW", 15*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if d.ClaimLease, err = getEnvDuration("CLAIM_LEASE", 15*time.Minute); err != nil {
		errs = append(errs, err)
	}
	return d, joinErrors(errs)
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Webhook.Timeout <= 0 {
		errs = append(errs, errors.New("TRANSPORT_TIMEOUT must be > 0"))
	}
	if cfg.Webhook.RatePerSec < 0 {
		errs = append(errs, errors.New("TRANSPORT_RATE_PER_SEC must be >= 0"))
	}
	if cfg.Dispatch.DefaultMaxAttempts <= 0 {
		errs = append(errs, errors.New("DEFAULT_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.Dispatch.DefaultEditWindow <= 0 {
		errs = append(errs, errors.New("DEFAULT_EDIT_WINDOW must be > 0"))
	}
	if cfg.Dispatch.ClaimLease <= cfg.Webhook.Timeout {
		errs = append(errs, errors.New("CLAIM_LEASE must be longer than TRANSPORT_TIMEOUT"))
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		errs = append(errs, errors.New("REDIS_TTL_SECONDS must be > 0"))
	}

	switch cfg.Dispatch.CounterBackend {
	case "sql":
	case "redis":
		if !cfg.Redis.Enabled {
			errs = append(errs, errors.New("COUNTER_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("COUNTER_BACKEND must be sql or redis, got %q", cfg.Dispatch.CounterBackend))
	}

	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid number for env %s: %s", key, v)
	}
	return f, nil
}

// getEnvDuration accepts Go durations ("90s", "15m") or plain seconds.
func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("invalid duration for env %s: %s", key, v)
	}
	return d, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
