// Package upstream provides the HTTP client for the studio capacity feed.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream requests.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "occupancy_upstream_requests_total",
		Help: "Total upstream capacity requests by status",
	}, []string{"status"})

	upstreamRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "occupancy_upstream_request_duration_seconds",
		Help:    "Upstream capacity request duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "occupancy_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

const (
	// DefaultBaseURL is the public capacity endpoint of the studio chain.
	DefaultBaseURL = "https://typo3.johnreed.fitness/studiocapacity.json"

	// maxPayloadBytes caps the size of an accepted snapshot payload.
	maxPayloadBytes = 4 << 20

	// maxErrorBodyBytes caps how much of an error response ends up in the error message.
	maxErrorBodyBytes = 512
)

// Client fetches raw capacity snapshots from the upstream provider.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the capacity endpoint. The studio id is added as the
	// studioId query parameter.
	BaseURL string

	// User-Agent header sent with every request
	UserAgent string

	// Timeout bounds a whole fetch, retries included.
	Timeout time.Duration

	// Retry
	RetryMax     int // 0 = a single attempt
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		UserAgent:    userAgent,
		Timeout:      10 * time.Second,
		RetryMax:     0,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
	}
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	if cfg.RetryMax < 0 {
		return nil, fmt.Errorf("retry_max must be >= 0 (got %d)", cfg.RetryMax)
	}

	logger := log.With().Str("component", "upstream-client").Logger()

	httpClient := &retryablehttp.Client{
		HTTPClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		Logger:       leveledLogger{logger: logger},
		RetryWaitMin: cfg.RetryWaitMin,
		RetryWaitMax: cfg.RetryWaitMax,
		RetryMax:     cfg.RetryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		config:     cfg,
		logger:     logger,
	}, nil
}

// FetchSnapshot performs a single logical GET for the studio's capacity
// snapshot and returns the raw response body. Every failure is an *Error.
func (c *Client) FetchSnapshot(ctx context.Context, studio string) ([]byte, error) {
	startTime := time.Now()
	defer func() {
		upstreamRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.snapshotURL(studio), nil)
	if err != nil {
		return nil, &Error{Studio: studio, ErrorClass: ErrorClassNetwork, Message: "create request", Err: err}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("studio", studio).Msg("Fetching capacity snapshot")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		upstreamRequestsTotal.WithLabelValues("network_error").Inc()
		c.logger.Warn().Err(err).Str("studio", studio).Msg("Upstream request failed")
		return nil, &Error{Studio: studio, ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	upstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		errClass := classifyStatus(resp.StatusCode)
		upstreamErrorsTotal.WithLabelValues(string(errClass)).Inc()

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		message := strings.TrimSpace(string(snippet))
		if message == "" {
			message = resp.Status
		}

		c.logger.Warn().
			Str("studio", studio).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Upstream returned error status")

		return nil, &Error{Studio: studio, StatusCode: resp.StatusCode, ErrorClass: errClass, Message: message}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &Error{Studio: studio, StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Message: "read body", Err: err}
	}
	if len(body) > maxPayloadBytes {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
		return nil, &Error{Studio: studio, StatusCode: resp.StatusCode, ErrorClass: ErrorClassServer, Message: "payload too large"}
	}

	c.logger.Debug().
		Str("studio", studio).
		Int("bytes", len(body)).
		Dur("duration", time.Since(startTime)).
		Msg("Fetched capacity snapshot")

	return body, nil
}

// snapshotURL adds the studio id to the configured base URL, keeping any
// query parameters the base URL already carries.
func (c *Client) snapshotURL(studio string) string {
	u := *c.baseURL
	query := u.Query()
	query.Set("studioId", studio)
	u.RawQuery = query.Encode()
	return u.String()
}
