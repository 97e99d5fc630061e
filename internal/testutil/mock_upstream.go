// Package testutil provides testing utilities for the occupancy proxy.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// SamplePayload is a typical capacity feed response with one unpopulated entry.
const SamplePayload = `{"startTime":"2024-06-01T06:00:00","endTime":"2024-06-01T23:00:00","items":[` +
	`{"startTime":"09:00","endTime":"10:00","percentage":34,"level":"LOW","isCurrent":false},` +
	`{"startTime":"10:00","endTime":"11:00","percentage":61,"level":"NORMAL","isCurrent":true},` +
	`{"startTime":"11:00","endTime":"12:00","percentage":0,"level":"LOW","isCurrent":false}]}`

// MockUpstreamResponse defines the behavior for a mock capacity response.
type MockUpstreamResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUpstream is a configurable mock capacity feed for testing.
type MockUpstream struct {
	server    *httptest.Server
	mu        sync.RWMutex
	responses map[string]MockUpstreamResponse
	fallback  MockUpstreamResponse

	// Tracking
	RequestCount      int
	StudioCounts      map[string]int
	LastRequestHeader http.Header
}

// NewMockUpstream creates a new mock upstream server that answers every
// studio with SamplePayload until configured otherwise.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		responses:    make(map[string]MockUpstreamResponse),
		fallback:     NewHealthyResponse(SamplePayload),
		StudioCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		studio := r.URL.Query().Get("studioId")

		mock.mu.Lock()
		mock.RequestCount++
		mock.StudioCounts[studio]++
		mock.LastRequestHeader = r.Header.Clone()
		resp, exists := mock.responses[studio]
		if !exists {
			resp = mock.fallback
		}
		mock.mu.Unlock()

		if studio == "" {
			http.Error(w, "studioId is required", http.StatusBadRequest)
			return
		}

		writeResponse(w, r, resp)
	}))

	return mock
}

// URL returns the capacity endpoint URL of the mock server.
func (m *MockUpstream) URL() string {
	return m.server.URL + "/studiocapacity.json"
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.StudioCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetResponse configures the response for one studio.
func (m *MockUpstream) SetResponse(studio string, resp MockUpstreamResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[studio] = resp
}

// SetDefaultResponse configures the response for studios without their own.
func (m *MockUpstream) SetDefaultResponse(resp MockUpstreamResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = resp
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockUpstream) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetStudioCount returns the number of requests made for one studio.
func (m *MockUpstream) GetStudioCount(studio string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.StudioCounts[studio]
}

// GetLastRequestHeader returns the headers of the most recent request.
func (m *MockUpstream) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp MockUpstreamResponse) {
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewHealthyResponse creates a standard 200 OK JSON response.
func NewHealthyResponse(data string) MockUpstreamResponse {
	return MockUpstreamResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockUpstreamResponse {
	return MockUpstreamResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "Internal server error",
		Headers: map[string]string{
			"Content-Type": "text/plain; charset=utf-8",
		},
	}
}

// NewNotFoundResponse creates a 404 response as sent for unknown studios.
func NewNotFoundResponse() MockUpstreamResponse {
	return MockUpstreamResponse{
		StatusCode: http.StatusNotFound,
		Body:       "Page not found",
		Headers: map[string]string{
			"Content-Type": "text/html; charset=utf-8",
		},
	}
}

// NewSlowResponse creates a healthy response that arrives after delay.
func NewSlowResponse(data string, delay time.Duration) MockUpstreamResponse {
	resp := NewHealthyResponse(data)
	resp.Delay = delay
	return resp
}
