package resolver

import (
	"errors"

	"github.com/Sternrassler/occupancy-proxy/pkg/cache"
	"github.com/Sternrassler/occupancy-proxy/pkg/occupancy"
)

// Errors returned by Resolve and NewestKey. Callers match them with errors.Is.
var (
	// ErrNoHistoricalData means no bucket exists for the requested past day.
	ErrNoHistoricalData = errors.New("no historical data")

	// ErrUpstreamUnavailable means the upstream fetch failed or timed out.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrMalformedPayload means an upstream or cached payload could not be decoded.
	ErrMalformedPayload = occupancy.ErrMalformedPayload

	// ErrStore means the historical key enumeration failed.
	ErrStore = errors.New("cache store error")

	// ErrEmptyKeySet signals a selection over no keys. Resolve checks for
	// emptiness first, so seeing it indicates a bug.
	ErrEmptyKeySet = cache.ErrEmptyKeySet

	// ErrEmptyStudio is returned for an empty studio id.
	ErrEmptyStudio = errors.New("studio id is required")
)
