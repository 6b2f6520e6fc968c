// Package client provides the resilient HTTP client for the quote API: bounded
// retries with exponential backoff, failure classification, outbound pacing
// and an optional circuit breaker.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/quote-client/pkg/failure"
	"github.com/Sternrassler/quote-client/pkg/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of a failed response body is kept as the error message.
const maxErrorBody = 512

// Throttle is shared rate-limit state consulted before each call.
// *ratelimit.Tracker implements it.
type Throttle interface {
	// Blocked reports whether calls must fail fast, and until when.
	Blocked(ctx context.Context) (bool, time.Time, error)

	// RecordRateLimited stores a rate-limited response so other callers back off.
	RecordRateLimited(ctx context.Context, headers http.Header) error

	// UpdateFromHeaders refreshes state from the rate-limit headers of any response.
	UpdateFromHeaders(ctx context.Context, headers http.Header) error
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the upstream API address every RequestSpec path is resolved against.
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Retry controls the attempt cap and backoff growth.
	Retry RetryConfig

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// RateLimit paces outbound attempts (requests per second). Zero disables pacing.
	RateLimit float64

	// RateBurst is the token bucket size when RateLimit is set.
	RateBurst int

	// BreakerThreshold trips a circuit breaker after this many consecutive
	// transient failures. Zero disables the breaker.
	BreakerThreshold uint32

	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration

	// Classifier decides retry vs fail-fast. Defaults to HTTPClassifier.
	Classifier Classifier

	// Throttle is optional shared rate-limit state.
	Throttle Throttle

	// HTTPClient overrides the underlying transport.
	HTTPClient *http.Client

	// Logger overrides the component logger.
	Logger *zerolog.Logger

	// OnAttempt observes every attempt state change.
	OnAttempt func(Attempt)
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		UserAgent:       "quote-client/0.1.0",
		Retry:           DefaultRetryConfig(),
		Timeout:         30 * time.Second,
		RateBurst:       1,
		BreakerCooldown: 30 * time.Second,
		Classifier:      HTTPClassifier{},
	}
}

// Client performs one logical upstream call per Execute, absorbing transient
// faults. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	config     Config
	logger     zerolog.Logger

	sleep func(context.Context, time.Duration) error
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay < 0 {
		return nil, fmt.Errorf("base_delay must not be negative (got %s)", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter >= 1 {
		return nil, fmt.Errorf("jitter must be in [0, 1) (got %v)", cfg.Retry.Jitter)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Classifier == nil {
		cfg.Classifier = HTTPClassifier{}
	}

	logger := logging.NewLogger("quote-client")
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "quote-client").Logger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		httpClient: httpClient,
		baseURL:    base,
		config:     cfg,
		logger:     logger,
		sleep:      sleepContext,
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.BreakerThreshold > 0 {
		cooldown := cfg.BreakerCooldown
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		threshold := cfg.BreakerThreshold
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "quote-upstream",
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")
			},
		})
	}

	return c, nil
}

// Execute performs the call described by spec with bounded, classified retries.
// Failures are returned as *failure.Error; after the last attempt the last
// observed error is returned as is.
func (c *Client) Execute(ctx context.Context, spec RequestSpec) (*Response, error) {
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	path := spec.Path

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(path).Observe(time.Since(startTime).Seconds())
	}()

	var body []byte
	if spec.Body != nil {
		var err error
		body, err = json.Marshal(spec.Body)
		if err != nil {
			return nil, failure.Fatal(0, "encode request body", err)
		}
	}

	target := c.resolve(spec)

	if c.config.Throttle != nil {
		blocked, until, err := c.config.Throttle.Blocked(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Throttle state unavailable, proceeding")
		} else if blocked {
			requestsTotal.WithLabelValues(path, "throttled").Inc()
			errorsTotal.WithLabelValues(string(failure.ClassRateLimited)).Inc()
			c.logger.Warn().
				Str("path", path).
				Time("blocked_until", until).
				Msg("Request blocked by shared rate limit state")
			return nil, failure.RateLimited(0, "blocked until "+until.UTC().Format(time.RFC3339))
		}
	}

	requestID := uuid.NewString()
	c.logger.Debug().
		Str("path", path).
		Str("method", method).
		Str("request_id", requestID).
		Msg("Executing upstream request")

	var resp *Response
	attempts, err := c.retryWithBackoff(ctx, path, func(attempt int) error {
		r, err := c.attempt(ctx, method, target, path, body, spec.Header, requestID)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp.Attempts = attempts
	return resp, nil
}

// attempt runs one HTTP round trip and classifies the outcome.
func (c *Client) attempt(ctx context.Context, method, target, path string, body []byte, header http.Header, requestID string) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, failure.Fatal(0, "rate limiter wait", err)
		}
	}

	if c.breaker == nil {
		return c.roundTrip(ctx, method, target, path, body, header, requestID)
	}

	// Only transient failures count against the breaker; the real outcome is
	// carried out of the closure.
	var resp *Response
	var callErr error
	_, err := c.breaker.Execute(func() (interface{}, error) {
		resp, callErr = c.roundTrip(ctx, method, target, path, body, header, requestID)
		if callErr != nil && failure.ClassOf(callErr) == failure.ClassTransientUpstream {
			return nil, callErr
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		requestsTotal.WithLabelValues(path, "circuit_open").Inc()
		errorsTotal.WithLabelValues(string(failure.ClassTransientUpstream)).Inc()
		return nil, failure.Transient(0, "circuit open", err)
	}
	return resp, callErr
}

func (c *Client) roundTrip(ctx context.Context, method, target, path string, body []byte, header http.Header, requestID string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, failure.Fatal(0, "create request", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		class := c.config.Classifier.Classify(0, nil, err)
		errorsTotal.WithLabelValues(string(class)).Inc()
		requestsTotal.WithLabelValues(path, "network_error").Inc()
		c.logger.Error().Err(err).Str("path", path).Msg("HTTP request failed")
		return nil, &failure.Error{Class: class, Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(failure.ClassTransientUpstream)).Inc()
		requestsTotal.WithLabelValues(path, "read_error").Inc()
		return nil, failure.Transient(httpResp.StatusCode, "read response body", err)
	}

	status := strconv.Itoa(httpResp.StatusCode)
	requestsTotal.WithLabelValues(path, status).Inc()

	if c.config.Throttle != nil {
		if err := c.config.Throttle.UpdateFromHeaders(ctx, httpResp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit state from headers")
		}
	}

	class := c.config.Classifier.Classify(httpResp.StatusCode, respBody, nil)
	if class == "" {
		return &Response{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header.Clone(),
			Body:       respBody,
		}, nil
	}

	errorsTotal.WithLabelValues(string(class)).Inc()
	c.logger.Warn().
		Str("path", path).
		Int("status", httpResp.StatusCode).
		Str("error_class", string(class)).
		Msg("Upstream request error")

	if class == failure.ClassRateLimited && c.config.Throttle != nil {
		if err := c.config.Throttle.RecordRateLimited(ctx, httpResp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record rate limit")
		}
	}

	return nil, &failure.Error{
		Class:      class,
		StatusCode: httpResp.StatusCode,
		Message:    errorMessage(httpResp.Status, respBody),
	}
}

func (c *Client) resolve(spec RequestSpec) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(spec.Path, "/")
	if len(spec.Query) > 0 {
		u.RawQuery = spec.Query.Encode()
	}
	return u.String()
}

// errorMessage prefers the upstream's {"error": "..."} text over the status line.
func errorMessage(status string, body []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return status
	}
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return text
}

// Get is a convenience wrapper for a GET call.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Execute(ctx, RequestSpec{Method: http.MethodGet, Path: path, Query: query})
}

// Post is a convenience wrapper for a JSON POST call.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Execute(ctx, RequestSpec{Method: http.MethodPost, Path: path, Body: body})
}
