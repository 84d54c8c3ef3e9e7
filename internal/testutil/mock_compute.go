// Package testutil provides testing utilities for the batch gateway.
package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/batch-gateway/pkg/batch"
	"github.com/Sternrassler/batch-gateway/pkg/compute"
	"github.com/rs/zerolog"
)

// MockResponse defines the behavior for a mock compute endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCompute is a configurable stand-in for the internal compute endpoint.
// Paths without a custom handler are served by the real compute handler.
type MockCompute struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	// Tracking
	RequestCount int
	Paths        []string
	LastHeader   http.Header
}

// NewMockCompute creates and starts a mock compute server.
func NewMockCompute() *MockCompute {
	mock := &MockCompute{
		handlers: make(map[string]http.HandlerFunc),
	}
	fallback := compute.Handler(zerolog.Nop(), nil)

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.Paths = append(mock.Paths, r.URL.Path)
		mock.LastHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		fallback(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockCompute) URL() string {
	return m.server.URL
}

// Endpoint returns the server address as a batch endpoint snapshot.
func (m *MockCompute) Endpoint() batch.Endpoint {
	u, _ := url.Parse(m.server.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return batch.Endpoint{Scheme: u.Scheme, Host: host, Port: port}
}

// Close shuts down the mock server.
func (m *MockCompute) Close() {
	m.server.CloseClientConnections()
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockCompute) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.Paths = nil
	m.LastHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockCompute) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path. The delay honours
// request cancellation so aborted calls do not hold the server open.
func (m *MockCompute) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
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
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockCompute) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetLastHeader returns the headers of the most recent request.
func (m *MockCompute) GetLastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastHeader
}

// NewJSONResponse creates a 200 OK response with a JSON body.
func NewJSONResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewTextResponse creates a 200 OK response with a plain-text body.
func NewTextResponse(text string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       text,
		Headers: map[string]string{
			"Content-Type": "text/plain; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// NewSlowResponse creates a JSON response delivered after delay.
func NewSlowResponse(data string, delay time.Duration) MockResponse {
	resp := NewJSONResponse(data)
	resp.Delay = delay
	return resp
}
