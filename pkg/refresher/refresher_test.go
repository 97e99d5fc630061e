package refresher

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/Sternrassler/occupancy-proxy/pkg/occupancy"
)

// fakeResolver records calls and fails for the configured studios.
type fakeResolver struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error

	// cycles receives the studio after every call.
	cycles chan string

	// block, when set, holds every call until closed.
	block chan struct{}

	inFlight    int
	maxInFlight int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		failures: make(map[string]error),
		cycles:   make(chan string, 100),
	}
}

func (f *fakeResolver) Resolve(ctx context.Context, studio string, wantYesterday bool) (*occupancy.Snapshot, error) {
	f.mu.Lock()
	f.calls = append(f.calls, studio)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	block := f.block
	err := f.failures[studio]
	f.mu.Unlock()

	if wantYesterday {
		err = errors.New("refresher must only resolve the current hour")
	}

	if block != nil {
		<-block
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	f.cycles <- studio

	if err != nil {
		return nil, err
	}
	return &occupancy.Snapshot{Items: []occupancy.Entry{}}, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitForCalls(t *testing.T, f *fakeResolver, n int) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-f.cycles:
		case <-timeout:
			t.Fatalf("timed out waiting for %d resolve calls (got %d)", n, i)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		resolver Resolver
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:     "valid",
			resolver: newFakeResolver(),
			mutate:   func(c *Config) { c.Roster = []string{"S1"} },
		},
		{
			name:     "nil resolver",
			mutate:   func(c *Config) { c.Roster = []string{"S1"} },
			errorMsg: "resolver is required",
		},
		{
			name:     "zero interval",
			resolver: newFakeResolver(),
			mutate: func(c *Config) {
				c.Roster = []string{"S1"}
				c.Interval = 0
			},
			errorMsg: "interval must be > 0 (got 0s)",
		},
		{
			name:     "empty roster",
			resolver: newFakeResolver(),
			mutate:   func(c *Config) { c.Roster = []string{" ", ""} },
			errorMsg: "roster must contain at least one studio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			r, err := New(tt.resolver, cfg)
			if tt.errorMsg == "" {
				if err != nil || r == nil {
					t.Fatalf("New() = %v, %v", r, err)
				}
				return
			}
			if err == nil || err.Error() != tt.errorMsg {
				t.Errorf("New() error = %v, want %q", err, tt.errorMsg)
			}
		})
	}
}

func TestParseRoster(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"", []string{}},
		{"S1", []string{"S1"}},
		{"S1, S2 ,S3", []string{"S1", "S2", "S3"}},
		{"S1,,S1,S2", []string{"S1", "S2"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseRoster(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseRoster(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestRefreshOnce_AllSucceed(t *testing.T) {
	resolver := newFakeResolver()
	cfg := DefaultConfig()
	cfg.Roster = []string{"S1", "S2", "S3"}

	r, err := New(resolver, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := r.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("RefreshOnce() error = %v", err)
	}

	if !reflect.DeepEqual(resolver.calls, []string{"S1", "S2", "S3"}) {
		t.Errorf("Resolve calls = %v, want roster order", resolver.calls)
	}
	if r.State() != StateIdle {
		t.Errorf("State() = %v, want idle", r.State())
	}
}

func TestRefreshOnce_ContinuesPastFailures(t *testing.T) {
	resolver := newFakeResolver()
	resolver.failures["S2"] = errors.New("upstream unavailable")
	resolver.failures["S4"] = errors.New("malformed payload")

	cfg := DefaultConfig()
	cfg.Roster = []string{"S1", "S2", "S3", "S4"}

	r, err := New(resolver, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = r.RefreshOnce(context.Background())
	if err == nil {
		t.Fatal("RefreshOnce() should report failures")
	}

	if resolver.callCount() != 4 {
		t.Errorf("Resolve calls = %d, want every studio attempted", resolver.callCount())
	}

	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("RefreshOnce() error type = %T, want *multierror.Error", err)
	}
	if len(merr.Errors) != 2 {
		t.Errorf("aggregated %d errors, want 2: %v", len(merr.Errors), err)
	}
	for _, studio := range []string{"S2", "S4"} {
		if !strings.Contains(err.Error(), "studio "+studio) {
			t.Errorf("error %q does not name %s", err, studio)
		}
	}
}

func TestRefreshOnce_Concurrency(t *testing.T) {
	resolver := newFakeResolver()
	resolver.block = make(chan struct{})

	cfg := DefaultConfig()
	cfg.Roster = []string{"S1", "S2", "S3", "S4", "S5", "S6"}
	cfg.Concurrency = 3

	r, err := New(resolver, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.RefreshOnce(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for resolver.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.State() != StateRefreshing {
		t.Errorf("State() = %v during cycle, want refreshing", r.State())
	}
	close(resolver.block)

	if err := <-done; err != nil {
		t.Fatalf("RefreshOnce() error = %v", err)
	}

	if resolver.maxInFlight != 3 {
		t.Errorf("max in-flight resolves = %d, want 3", resolver.maxInFlight)
	}

	got := append([]string(nil), resolver.calls...)
	sort.Strings(got)
	if !reflect.DeepEqual(got, cfg.Roster) {
		t.Errorf("Resolve calls = %v, want every studio once", got)
	}
}

func TestRefreshOnce_CancelledContext(t *testing.T) {
	resolver := newFakeResolver()
	cfg := DefaultConfig()
	cfg.Roster = []string{"S1", "S2"}

	r, err := New(resolver, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = r.RefreshOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RefreshOnce() error = %v, want context.Canceled", err)
	}
	if resolver.callCount() != 0 {
		t.Errorf("Resolve calls = %d, want 0", resolver.callCount())
	}
}

func TestStart_RunsImmediatelyThenEveryInterval(t *testing.T) {
	resolver := newFakeResolver()
	clock := clockwork.NewFakeClock()

	cfg := DefaultConfig()
	cfg.Roster = []string{"S1", "S2"}
	cfg.Clock = clock

	r, err := New(resolver, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	waitForCalls(t, resolver, 2)

	clock.BlockUntil(1)
	clock.Advance(time.Hour)
	waitForCalls(t, resolver, 2)

	clock.Advance(time.Hour)
	waitForCalls(t, resolver, 2)

	if resolver.callCount() != 6 {
		t.Errorf("Resolve calls = %d, want 3 cycles of 2 studios", resolver.callCount())
	}
}

func TestStart_SlowCycleDropsMissedTicks(t *testing.T) {
	block := make(chan struct{})
	resolver := newFakeResolver()
	resolver.block = block
	clock := clockwork.NewFakeClock()

	cfg := DefaultConfig()
	cfg.Roster = []string{"S1"}
	cfg.Clock = clock

	r, err := New(resolver, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	// The first cycle is stuck while two intervals pass.
	clock.BlockUntil(1)
	clock.Advance(time.Hour)
	clock.Advance(time.Hour)
	close(block)

	waitForCalls(t, resolver, 1)

	time.Sleep(50 * time.Millisecond)
	if resolver.callCount() != 1 {
		t.Fatalf("Resolve calls = %d after slow cycle, want 1", resolver.callCount())
	}

	clock.Advance(time.Hour)
	waitForCalls(t, resolver, 1)
}

func TestStart_Twice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Roster = []string{"S1"}
	cfg.Clock = clockwork.NewFakeClock()

	resolver := newFakeResolver()
	r, err := New(resolver, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r.Stop()

	if err := r.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestStop_WaitsForCycleAndIsReusable(t *testing.T) {
	clock := clockwork.NewFakeClock()
	resolver := newFakeResolver()

	cfg := DefaultConfig()
	cfg.Roster = []string{"S1"}
	cfg.Clock = clock

	r, err := New(resolver, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Stop before Start is a no-op.
	r.Stop()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForCalls(t, resolver, 1)
	r.Stop()

	if r.State() != StateIdle {
		t.Errorf("State() = %v after Stop, want idle", r.State())
	}

	clock.Advance(3 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	if resolver.callCount() != 1 {
		t.Errorf("Resolve calls = %d after Stop, want 1", resolver.callCount())
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	waitForCalls(t, resolver, 1)
	r.Stop()
}

func TestStart_ContextCancelEndsLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	resolver := newFakeResolver()

	cfg := DefaultConfig()
	cfg.Roster = []string{"S1"}
	cfg.Clock = clock

	r, err := New(resolver, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForCalls(t, resolver, 1)
	cancel()

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after context cancel")
	}
}

func TestState_String(t *testing.T) {
	if StateIdle.String() != "idle" || StateRefreshing.String() != "refreshing" {
		t.Errorf("State strings = %q, %q", StateIdle, StateRefreshing)
	}
}
