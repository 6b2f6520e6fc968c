// Package testutil provides testing utilities for the quote client.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock upstream response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUpstream is a configurable mock quote API for testing.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	requestCount      int
	pathCounts        map[string]int
	bodies            [][]byte
	requestIDs        []string
	lastRequestHeader http.Header
	symbolBatches     [][]string
}

// NewMockUpstream creates a new mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.bodies = append(mock.bodies, body)
		mock.requestIDs = append(mock.requestIDs, r.Header.Get("X-Request-ID"))
		mock.lastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success": false, "error": "not found"}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.bodies = nil
	m.requestIDs = nil
	m.lastRequestHeader = nil
	m.symbolBatches = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockUpstream) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeMockResponse(w, resp)
	})
}

// SetSequence serves responses in order; the last one repeats once the
// sequence is used up.
func (m *MockUpstream) SetSequence(path string, responses ...MockResponse) {
	var mu sync.Mutex
	next := 0
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		resp := responses[next]
		if next < len(responses)-1 {
			next++
		}
		mu.Unlock()
		writeMockResponse(w, resp)
	})
}

// SetQuotes serves POST /api/quotes from the given symbol table. Symbols not
// in the table are left out of the response data.
func (m *MockUpstream) SetQuotes(quotes map[string]any) {
	m.SetHandler("/api/quotes", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Symbols []string `json:"symbols"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeMockResponse(w, NewBadRequestResponse("malformed body"))
			return
		}

		batch := append([]string(nil), req.Symbols...)
		sort.Strings(batch)
		m.mu.Lock()
		m.symbolBatches = append(m.symbolBatches, batch)
		m.mu.Unlock()

		data := make(map[string]any, len(req.Symbols))
		for _, sym := range req.Symbols {
			if q, ok := quotes[sym]; ok {
				data[sym] = q
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockUpstream) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockUpstream) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// Bodies returns the request bodies received so far.
func (m *MockUpstream) Bodies() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]byte(nil), m.bodies...)
}

// RequestIDs returns the X-Request-ID header of every request received.
func (m *MockUpstream) RequestIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.requestIDs...)
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockUpstream) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader
}

// SymbolBatches returns the symbol lists received by /api/quotes, each sorted.
func (m *MockUpstream) SymbolBatches() [][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]string(nil), m.symbolBatches...)
}

func writeMockResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewHealthyResponse creates a 200 OK response wrapping data in the success envelope.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"success": true, "data": ` + data + `}`,
		Headers: map[string]string{
			"Content-Type":          "application/json",
			"X-RateLimit-Remaining": "100",
			"X-RateLimit-Reset":     "60",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"success": false, "error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type":          "application/json",
			"Retry-After":           "30",
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     "30",
		},
	}
}

// NewServerErrorResponse creates a generic 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"success": false, "error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewServerRateLimitResponse creates a 500 whose body reports a rate limit.
func NewServerRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"success": false, "error": "Upstream provider rate limit reached"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewUnavailableResponse creates a 503 Service Unavailable response.
func NewUnavailableResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"success": false, "error": "Service temporarily unavailable"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewBadGatewayResponse creates a 502 Bad Gateway response without a body.
func NewBadGatewayResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusBadGateway}
}

// NewBadRequestResponse creates a 400 Bad Request response.
func NewBadRequestResponse(msg string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"success": false, "error": "` + msg + `"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
