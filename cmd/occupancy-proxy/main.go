// Command occupancy-proxy serves studio occupancy snapshots from an hourly
// redis cache in front of the upstream capacity feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/occupancy-proxy/pkg/cache"
	"github.com/Sternrassler/occupancy-proxy/pkg/logging"
	"github.com/Sternrassler/occupancy-proxy/pkg/refresher"
	"github.com/Sternrassler/occupancy-proxy/pkg/resolver"
	"github.com/Sternrassler/occupancy-proxy/pkg/upstream"
)

const (
	startupPingTimeout = 5 * time.Second
	shutdownTimeout    = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("occupancy-proxy failed")
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Pretty = cfg.LogPretty
	logging.Setup(logCfg)
	logger := logging.NewLogger("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup Redis
	redisOpts, err := cfg.redisOptions()
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	store := cache.NewManager(redisClient, cfg.CacheTTL)

	// An unreachable redis degrades every request to an upstream fetch, so
	// startup continues and /ready reports the state.
	pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Str("redis", redisOpts.Addr).Msg("Redis not reachable, serving from upstream")
	} else {
		logger.Info().Str("redis", redisOpts.Addr).Msg("Connected to Redis")
	}
	cancel()

	upstreamCfg := upstream.DefaultConfig(cfg.UserAgent)
	upstreamCfg.BaseURL = cfg.UpstreamURL
	upstreamCfg.Timeout = cfg.FetchTimeout
	upstreamCfg.RetryMax = cfg.RetryMax
	fetcher, err := upstream.New(upstreamCfg)
	if err != nil {
		return fmt.Errorf("create upstream client: %w", err)
	}

	res, err := resolver.New(store, fetcher, resolver.Config{
		Location:     cfg.Location,
		FetchTimeout: cfg.FetchTimeout,
	})
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}

	if len(cfg.RefreshStudios) > 0 {
		refreshCfg := refresher.DefaultConfig()
		refreshCfg.Roster = cfg.RefreshStudios
		refreshCfg.Interval = cfg.RefreshInterval
		refreshCfg.Concurrency = cfg.RefreshConcurrency

		ref, err := refresher.New(res, refreshCfg)
		if err != nil {
			return fmt.Errorf("create refresher: %w", err)
		}
		if err := ref.Start(ctx); err != nil {
			return fmt.Errorf("start refresher: %w", err)
		}
		defer ref.Stop()
	} else {
		logger.Info().Msg("REFRESH_STUDIOS is empty, refresher disabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(res, fetcher, store, logging.NewLogger("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("upstream", cfg.UpstreamURL).
			Str("location", cfg.Location.String()).
			Str("user_agent", cfg.UserAgent).
			Msg("Starting occupancy proxy")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
