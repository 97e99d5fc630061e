// Package refresher keeps the cache warm by resolving a fixed roster of
// studios once per refresh interval.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/occupancy-proxy/pkg/logging"
	"github.com/Sternrassler/occupancy-proxy/pkg/occupancy"
)

// ErrAlreadyStarted is returned by Start on a running refresher.
var ErrAlreadyStarted = errors.New("refresher already started")

// State is the lifecycle state of a refresher.
type State int32

const (
	// StateIdle means no cycle is running.
	StateIdle State = iota

	// StateRefreshing means a cycle is in progress.
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Resolver is the part of the resolver a refresh cycle drives.
type Resolver interface {
	Resolve(ctx context.Context, studio string, wantYesterday bool) (*occupancy.Snapshot, error)
}

// Config holds refresher configuration.
type Config struct {
	// Roster is the set of studio ids refreshed every cycle.
	Roster []string

	// Interval is the time between cycle starts.
	Interval time.Duration

	// Concurrency is the number of studios resolved in parallel (1 = sequential).
	Concurrency int

	// Clock drives the ticker (real clock when nil).
	Clock clockwork.Clock
}

// DefaultConfig returns an hourly, sequential configuration with an empty roster.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Hour,
		Concurrency: 1,
	}
}

// Refresher periodically resolves every roster entry.
type Refresher struct {
	resolver Resolver
	roster   []string
	config   Config
	clock    clockwork.Clock
	logger   zerolog.Logger

	state   atomic.Int32
	cycleMu sync.Mutex

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New creates a refresher. Empty and duplicate roster entries are dropped.
func New(resolver Resolver, cfg Config) (*Refresher, error) {
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}

	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0 (got %s)", cfg.Interval)
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	roster := normalizeRoster(cfg.Roster)
	if len(roster) == 0 {
		return nil, fmt.Errorf("roster must contain at least one studio")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Refresher{
		resolver: resolver,
		roster:   roster,
		config:   cfg,
		clock:    clock,
		logger:   logging.NewLogger("refresher"),
	}, nil
}

// ParseRoster splits a comma separated list of studio ids.
func ParseRoster(s string) []string {
	return normalizeRoster(strings.Split(s, ","))
}

func normalizeRoster(entries []string) []string {
	seen := make(map[string]struct{}, len(entries))
	roster := make([]string, 0, len(entries))
	for _, entry := range entries {
		studio := strings.TrimSpace(entry)
		if studio == "" {
			continue
		}
		if _, ok := seen[studio]; ok {
			continue
		}
		seen[studio] = struct{}{}
		roster = append(roster, studio)
	}
	return roster
}

// Roster returns a copy of the studios refreshed each cycle.
func (r *Refresher) Roster() []string {
	return append([]string(nil), r.roster...)
}

// State returns the current lifecycle state.
func (r *Refresher) State() State {
	return State(r.state.Load())
}

// Start runs one cycle immediately and then one per interval until Stop is
// called or ctx ends. Ticks that fire while a cycle is running are dropped.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		return ErrAlreadyStarted
	}

	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	// The ticker exists before the first cycle so intervals are measured
	// from cycle starts.
	ticker := r.clock.NewTicker(r.config.Interval)
	go r.loop(ctx, ticker, r.stop, r.done)

	r.logger.Info().
		Int("studios", len(r.roster)).
		Dur("interval", r.config.Interval).
		Int("concurrency", r.config.Concurrency).
		Msg("Refresher started")

	return nil
}

// Stop stops the ticker and waits for an in-flight cycle to finish.
// Stop on a refresher that is not running is a no-op.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop == nil {
		return
	}

	close(r.stop)
	<-r.done
	r.stop = nil
	r.done = nil

	r.logger.Info().Msg("Refresher stopped")
}

func (r *Refresher) loop(ctx context.Context, ticker clockwork.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		if err := r.RefreshOnce(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Refresh cycle finished with failures")
		}
		finished := r.clock.Now()

	wait:
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case tick := <-ticker.Chan():
				// Ticks that fired during the cycle are dropped.
				if !tick.Before(finished) {
					break wait
				}
			}
		}
	}
}

// RefreshOnce resolves every roster entry for the current hour. Failures do
// not stop the cycle; they are returned together as a *multierror.Error.
// Cycles never overlap: a call made while another cycle runs waits for it.
func (r *Refresher) RefreshOnce(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	r.state.Store(int32(StateRefreshing))
	defer r.state.Store(int32(StateIdle))

	startTime := time.Now()
	err := r.refreshAll(ctx)
	duration := time.Since(startTime)

	refreshCycles.Inc()
	refreshDuration.Observe(duration.Seconds())

	var merr *multierror.Error
	failures := 0
	if errors.As(err, &merr) {
		failures = len(merr.Errors)
	} else if err != nil {
		failures = 1
	}

	if err == nil {
		lastSuccess.Set(float64(r.clock.Now().Unix()))
	}

	r.logger.Info().
		Int("studios", len(r.roster)).
		Int("failed", failures).
		Dur("duration", duration).
		Msg("Refresh cycle complete")

	return err
}

// refreshAll distributes the roster over a bounded worker pool.
func (r *Refresher) refreshAll(ctx context.Context) error {
	queue := make(chan string, len(r.roster))
	for _, studio := range r.roster {
		queue <- studio
	}
	close(queue)

	var (
		mu     sync.Mutex
		result *multierror.Error
	)

	workers := r.config.Concurrency
	if workers > len(r.roster) {
		workers = len(r.roster)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for studio := range queue {
				if ctx.Err() != nil {
					return
				}

				if _, err := r.resolver.Resolve(ctx, studio, false); err != nil {
					refreshFailures.Inc()
					r.logger.Warn().
						Err(err).
						Str("studio", studio).
						Int("worker_id", workerID).
						Msg("Studio refresh failed")

					mu.Lock()
					result = multierror.Append(result, fmt.Errorf("studio %s: %w", studio, err))
					mu.Unlock()
					continue
				}

				r.logger.Debug().Str("studio", studio).Msg("Studio refreshed")
			}
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		result = multierror.Append(result, fmt.Errorf("refresh aborted: %w", err))
	}

	return result.ErrorOrNil()
}
