package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/occupancy-proxy/pkg/logging"
	"github.com/Sternrassler/occupancy-proxy/pkg/refresher"
	"github.com/Sternrassler/occupancy-proxy/pkg/upstream"
)

// minCacheTTL keeps yesterday's buckets alive until the end of today.
const minCacheTTL = 48 * time.Hour

// config is the process configuration read from the environment.
type config struct {
	Port      string
	RedisURL  string
	RedisDB   int
	LogLevel  logging.LogLevel
	LogPretty bool

	UpstreamURL string
	UserAgent   string
	RetryMax    int

	FetchTimeout time.Duration
	Location     *time.Location
	CacheTTL     time.Duration

	RefreshInterval    time.Duration
	RefreshStudios     []string
	RefreshConcurrency int
}

// loadConfig reads the configuration from the environment. Every invalid
// value is reported, not just the first one.
func loadConfig() (config, error) {
	var errs *multierror.Error

	cfg := config{
		Port:        getEnv("PORT", "8080"),
		RedisURL:    getEnv("REDIS_URL", "localhost:6379"),
		LogLevel:    logging.LogLevel(getEnv("LOG_LEVEL", string(logging.LevelInfo))),
		UpstreamURL: getEnv("UPSTREAM_URL", upstream.DefaultBaseURL),
		UserAgent:   getEnv("USER_AGENT", "occupancy-proxy/0.1.0"),

		RefreshStudios: refresher.ParseRoster(getEnv("REFRESH_STUDIOS", "")),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.LogPretty, err = getEnvBool("LOG_PRETTY", false); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.RetryMax, err = getEnvInt("UPSTREAM_RETRY_MAX", 0); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.FetchTimeout, err = getEnvDuration("FETCH_TIMEOUT", 10*time.Second); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.CacheTTL, err = getEnvDuration("CACHE_TTL", 0); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.RefreshInterval, err = getEnvDuration("REFRESH_INTERVAL", time.Hour); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cfg.RefreshConcurrency, err = getEnvInt("REFRESH_CONCURRENCY", 1); err != nil {
		errs = multierror.Append(errs, err)
	}

	tz := getEnv("TZ_LOCATION", "Europe/Berlin")
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("TZ_LOCATION: %w", err))
	}

	if !logging.ValidLevel(cfg.LogLevel) {
		errs = multierror.Append(errs, fmt.Errorf("LOG_LEVEL: unknown level %q", cfg.LogLevel))
	}
	if cfg.RedisDB < 0 {
		errs = multierror.Append(errs, fmt.Errorf("REDIS_DB must be >= 0 (got %d)", cfg.RedisDB))
	}
	if cfg.FetchTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("FETCH_TIMEOUT must be > 0 (got %s)", cfg.FetchTimeout))
	}
	if cfg.CacheTTL < 0 || (cfg.CacheTTL > 0 && cfg.CacheTTL < minCacheTTL) {
		errs = multierror.Append(errs, fmt.Errorf("CACHE_TTL must be 0 or >= %s (got %s)", minCacheTTL, cfg.CacheTTL))
	}
	if cfg.RefreshInterval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("REFRESH_INTERVAL must be > 0 (got %s)", cfg.RefreshInterval))
	}
	if cfg.RefreshConcurrency < 1 {
		errs = multierror.Append(errs, fmt.Errorf("REFRESH_CONCURRENCY must be >= 1 (got %d)", cfg.RefreshConcurrency))
	}

	return cfg, errs.ErrorOrNil()
}

// redisOptions accepts both a plain host:port and a redis:// URL.
func (c config) redisOptions() (*redis.Options, error) {
	if strings.Contains(c.RedisURL, "://") {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		if c.RedisDB != 0 {
			opts.DB = c.RedisDB
		}
		return opts, nil
	}
	return &redis.Options{
		Addr: c.RedisURL,
		DB:   c.RedisDB,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
