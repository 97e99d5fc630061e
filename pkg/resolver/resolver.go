// Package resolver implements the cache-aside read path of the occupancy proxy.
//
// A request for a studio is mapped to an hourly cache bucket. The bucket is
// served from the cache store when present and otherwise fetched from the
// upstream provider, written back and returned. Requests for yesterday are
// served from the newest bucket recorded on that day.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/occupancy-proxy/pkg/cache"
	"github.com/Sternrassler/occupancy-proxy/pkg/logging"
	"github.com/Sternrassler/occupancy-proxy/pkg/occupancy"
)

// Store is the key-value backend holding raw snapshot payloads.
type Store interface {
	// Get returns the payload under key, or cache.ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Keys returns every key matching a glob with a trailing wildcard.
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Fetcher retrieves a raw snapshot payload for a studio from the upstream provider.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, studio string) ([]byte, error)
}

// Config holds the resolver configuration.
type Config struct {
	// Location is the reference timezone cache keys are derived in.
	Location *time.Location

	// FetchTimeout bounds each upstream fetch and the cache write that follows it.
	FetchTimeout time.Duration

	// Clock supplies the current time (real clock when nil).
	Clock clockwork.Clock
}

// DefaultConfig returns a default configuration keyed in UTC.
func DefaultConfig() Config {
	return Config{
		Location:     time.UTC,
		FetchTimeout: 10 * time.Second,
	}
}

// Resolver serves snapshots cache-aside.
type Resolver struct {
	store   Store
	fetcher Fetcher
	config  Config
	clock   clockwork.Clock
	flights singleflight.Group
	logger  zerolog.Logger
}

// New creates a resolver over the given store and fetcher.
func New(store Store, fetcher Fetcher, cfg Config) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}

	if fetcher == nil {
		return nil, fmt.Errorf("upstream fetcher is required")
	}

	if cfg.Location == nil {
		return nil, fmt.Errorf("reference location is required")
	}

	if cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("fetch_timeout must be > 0 (got %s)", cfg.FetchTimeout)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Resolver{
		store:   store,
		fetcher: fetcher,
		config:  cfg,
		clock:   clock,
		logger:  logging.NewLogger("resolver"),
	}, nil
}

// Resolve returns the snapshot for studio, either for the current hour or,
// when wantYesterday is set, the newest snapshot cached yesterday.
//
// Store read errors are treated as misses. Store write errors are logged and
// never fail the call. Errors: ErrNoHistoricalData, ErrUpstreamUnavailable,
// ErrMalformedPayload, ErrStore.
func (r *Resolver) Resolve(ctx context.Context, studio string, wantYesterday bool) (*occupancy.Snapshot, error) {
	mode := modeLabel(wantYesterday)
	startTime := time.Now()
	defer func() {
		resolveDuration.WithLabelValues(mode).Observe(time.Since(startTime).Seconds())
	}()

	if studio == "" {
		resolveTotal.WithLabelValues(mode, resultInvalidInput).Inc()
		return nil, ErrEmptyStudio
	}

	key, err := r.resolveKey(ctx, studio, wantYesterday)
	if err != nil {
		resolveTotal.WithLabelValues(mode, resultLabel(err)).Inc()
		return nil, err
	}

	logger := r.logger.With().Str("studio", studio).Str("key", key).Bool("yesterday", wantYesterday).Logger()

	data, err := r.store.Get(ctx, key)
	switch {
	case err == nil:
		snapshot, err := occupancy.Decode(data)
		if err != nil {
			logger.Error().Err(err).Msg("Cached payload is malformed")
			resolveTotal.WithLabelValues(mode, resultMalformed).Inc()
			return nil, fmt.Errorf("cached %s: %w", key, err)
		}
		logger.Debug().Msg("Cache hit")
		resolveTotal.WithLabelValues(mode, resultHit).Inc()
		return snapshot, nil
	case errors.Is(err, cache.ErrCacheMiss):
		logger.Debug().Msg("Cache miss")
	default:
		logger.Warn().Err(err).Msg("Cache get error, falling back to upstream")
	}

	snapshot, err := r.fetch(ctx, studio, key, logger)
	if err != nil {
		resolveTotal.WithLabelValues(mode, resultLabel(err)).Inc()
		return nil, err
	}

	resolveTotal.WithLabelValues(mode, resultFetched).Inc()
	return snapshot, nil
}

// NewestKey returns the newest bucket key cached for studio dayOffset days ago.
func (r *Resolver) NewestKey(ctx context.Context, studio string, dayOffset int) (string, error) {
	if studio == "" {
		return "", ErrEmptyStudio
	}
	if dayOffset < 0 {
		return "", fmt.Errorf("day offset must be >= 0 (got %d)", dayOffset)
	}
	return r.newestKey(ctx, studio, r.now(), dayOffset)
}

func (r *Resolver) now() time.Time {
	return r.clock.Now().In(r.config.Location)
}

func (r *Resolver) resolveKey(ctx context.Context, studio string, wantYesterday bool) (string, error) {
	now := r.now()
	if !wantYesterday {
		return cache.CurrentKey(studio, now), nil
	}
	return r.newestKey(ctx, studio, now, 1)
}

func (r *Resolver) newestKey(ctx context.Context, studio string, now time.Time, dayOffset int) (string, error) {
	pattern := cache.SearchPattern(studio, now, dayOffset)

	keys, err := r.store.Keys(ctx, pattern)
	if err != nil {
		r.logger.Error().Err(err).Str("studio", studio).Str("pattern", pattern).Msg("Key enumeration failed")
		return "", fmt.Errorf("%w: %w", ErrStore, err)
	}
	keys = bucketKeys(studio, keys)
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: studio %s on %s", ErrNoHistoricalData, studio, now.AddDate(0, 0, -dayOffset).Format("2006-01-02"))
	}

	key, err := cache.SelectNewest(keys)
	if err != nil {
		return "", fmt.Errorf("select newest key for %s: %w", pattern, err)
	}
	return key, nil
}

// bucketKeys keeps only the hourly buckets of studio.
func bucketKeys(studio string, keys []string) []string {
	own := keys[:0]
	for _, k := range keys {
		if cache.IsBucketKey(studio, k) {
			own = append(own, k)
		}
	}
	return own
}

// fetch loads the studio from upstream and writes it under key. Concurrent
// misses on the same key share one upstream call. The shared call is not tied
// to any single caller's context, so one caller giving up does not fail the
// others; every caller still stops waiting when its own context ends.
func (r *Resolver) fetch(ctx context.Context, studio, key string, logger zerolog.Logger) (*occupancy.Snapshot, error) {
	ch := r.flights.DoChan(key, func() (interface{}, error) {
		return r.fetchAndStore(context.WithoutCancel(ctx), studio, key, logger)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			sharedFetchesTotal.Inc()
		}
		return res.Val.(*occupancy.Snapshot).Clone(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: studio %s: %w", ErrUpstreamUnavailable, studio, ctx.Err())
	}
}

func (r *Resolver) fetchAndStore(ctx context.Context, studio, key string, logger zerolog.Logger) (*occupancy.Snapshot, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
	defer cancel()

	payload, err := r.fetcher.FetchSnapshot(fetchCtx, studio)
	if err != nil {
		logger.Warn().Err(err).Msg("Upstream fetch failed")
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	// A payload that does not decode is never cached, otherwise it would be
	// served for the rest of the hour.
	snapshot, err := occupancy.Decode(payload)
	if err != nil {
		logger.Error().Err(err).Int("bytes", len(payload)).Msg("Upstream payload is malformed")
		return nil, fmt.Errorf("upstream %s: %w", studio, err)
	}

	writeCtx, cancelWrite := context.WithTimeout(ctx, r.config.FetchTimeout)
	defer cancelWrite()

	if err := r.store.Set(writeCtx, key, payload); err != nil {
		logger.Warn().Err(err).Msg("Failed to cache snapshot")
	} else {
		logger.Debug().Int("bytes", len(payload)).Msg("Cached snapshot")
	}

	return snapshot, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrNoHistoricalData):
		return resultNoHistory
	case errors.Is(err, ErrUpstreamUnavailable):
		return resultUpstream
	case errors.Is(err, ErrMalformedPayload):
		return resultMalformed
	default:
		return resultStoreError
	}
}
