package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/occupancy-proxy/pkg/metrics"
	"github.com/Sternrassler/occupancy-proxy/pkg/occupancy"
	"github.com/Sternrassler/occupancy-proxy/pkg/resolver"
)

// readyTimeout bounds the redis PING behind /ready.
const readyTimeout = 2 * time.Second

// snapshotResolver is the resolver surface the routes use.
type snapshotResolver interface {
	Resolve(ctx context.Context, studio string, wantYesterday bool) (*occupancy.Snapshot, error)
	NewestKey(ctx context.Context, studio string, dayOffset int) (string, error)
}

// rawFetcher reads the upstream payload of a studio without caching.
type rawFetcher interface {
	FetchSnapshot(ctx context.Context, studio string) ([]byte, error)
}

// pinger reports whether the cache store is reachable.
type pinger interface {
	Ping(ctx context.Context) error
}

// newRouter wires the HTTP routes and middleware.
func newRouter(res snapshotResolver, fetcher rawFetcher, store pinger, logger zerolog.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(requestLogger(logger))

	r.HandleFunc("/", capacityHandler(res)).Methods(http.MethodGet)
	r.HandleFunc("/keys", keysHandler(res)).Methods(http.MethodGet)
	r.HandleFunc("/jr", rawHandler(fetcher)).Methods(http.MethodGet)
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", readyHandler(store)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	var h http.Handler = r
	h = handlers.CompressHandler(h)
	h = handlers.ProxyHeaders(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{logger: logger}))(h)
	return h
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(store pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Readiness check failed")
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// capacityHandler serves GET /?studio=<id>&yesterday=<bool>.
func capacityHandler(res snapshotResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studio, yesterday, err := parseQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		snapshot, err := res.Resolve(r.Context(), studio, yesterday)
		if err != nil {
			writeError(w, r, studio, err)
			return
		}

		contentType := negotiate(r)
		var body []byte
		if contentType == occupancy.ContentTypeProtobuf {
			body, err = occupancy.EncodeProto(snapshot)
		} else {
			body, err = occupancy.EncodeJSON(snapshot)
		}
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Str("studio", studio).Msg("Failed to encode snapshot")
			http.Error(w, "encode snapshot", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Add("Vary", "Accept")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}

// keysHandler serves GET /keys?studio=<id>&yesterday=<bool> with the newest
// bucket key of the requested day.
func keysHandler(res snapshotResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studio, yesterday, err := parseQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		dayOffset := 0
		if yesterday {
			dayOffset = 1
		}

		key, err := res.NewestKey(r.Context(), studio, dayOffset)
		if err != nil {
			writeError(w, r, studio, err)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, key)
	}
}

// rawHandler serves GET /jr?studio=<id>, the upstream payload passed through
// unfiltered. It never touches the cache.
func rawHandler(fetcher rawFetcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studio, err := studioParam(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		body, err := fetcher.FetchSnapshot(r.Context(), studio)
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Str("studio", studio).Msg("Upstream passthrough failed")
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", occupancy.ContentTypeJSON)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}

// studioParam reads the studio id, accepting studio_id as an alias.
func studioParam(q url.Values) (string, error) {
	studio := strings.TrimSpace(q.Get("studio"))
	if studio == "" {
		studio = strings.TrimSpace(q.Get("studio_id"))
	}
	if studio == "" {
		return "", errors.New("missing studio parameter")
	}
	return studio, nil
}

// parseQuery reads the studio id and the yesterday flag. A bare
// "yesterday" without a value counts as true.
func parseQuery(r *http.Request) (string, bool, error) {
	q := r.URL.Query()

	studio, err := studioParam(q)
	if err != nil {
		return "", false, err
	}

	if !q.Has("yesterday") {
		return studio, false, nil
	}
	raw := q.Get("yesterday")
	if raw == "" {
		return studio, true, nil
	}
	yesterday, err := strconv.ParseBool(raw)
	if err != nil {
		return "", false, fmt.Errorf("invalid yesterday parameter %q", raw)
	}
	return studio, yesterday, nil
}

// negotiate picks the response encoding from the format parameter or the
// Accept header.
func negotiate(r *http.Request) string {
	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "proto", "protobuf":
		return occupancy.ContentTypeProtobuf
	case "json":
		return occupancy.ContentTypeJSON
	}

	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mediaType, occupancy.ContentTypeProtobuf) {
			return occupancy.ContentTypeProtobuf
		}
	}
	return occupancy.ContentTypeJSON
}

// statusFor maps resolver errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, resolver.ErrEmptyStudio):
		return http.StatusBadRequest
	case errors.Is(err, resolver.ErrNoHistoricalData):
		return http.StatusNotFound
	case errors.Is(err, resolver.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, resolver.ErrMalformedPayload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, studio string, err error) {
	status := statusFor(err)

	logger := zerolog.Ctx(r.Context())
	event := logger.Debug()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Str("studio", studio).Int("status_code", status).Msg("Request failed")

	http.Error(w, err.Error(), status)
}
