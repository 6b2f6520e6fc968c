package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Sternrassler/quote-client/pkg/failure"
)

// Outcome is the result of one attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"
)

// Attempt describes one try within a single Execute call.
type Attempt struct {
	Attempt   int // zero-based
	StartedAt time.Time
	Outcome   Outcome
	Class     failure.Class
	Delay     time.Duration // wait before the next attempt, zero if none
	Err       error
}

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt; it doubles after each retry.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff wait.
	MaxDelay time.Duration

	// Jitter spreads each wait by ±Jitter (0.2 = ±20%). Zero disables it.
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the wait after a retryable failure on attempt (zero-based):
// BaseDelay * 2^attempt, capped at MaxDelay, then jittered.
func (rc RetryConfig) Backoff(attempt int) time.Duration {
	d := float64(rc.BaseDelay) * math.Pow(2, float64(attempt))
	if rc.MaxDelay > 0 && d > float64(rc.MaxDelay) {
		d = float64(rc.MaxDelay)
	}
	if rc.Jitter > 0 {
		d *= 1 - rc.Jitter + rand.Float64()*2*rc.Jitter
	}
	return time.Duration(d)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryWithBackoff runs fn until it succeeds, fails with a class other than
// transient-upstream, or the attempts run out. The last error is returned
// unchanged apart from its attempt count.
func (c *Client) retryWithBackoff(ctx context.Context, path string, fn func(attempt int) error) (int, error) {
	cfg := c.config.Retry

	var lastErr error
	var lastClass failure.Class

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		info := Attempt{Attempt: attempt, StartedAt: time.Now(), Outcome: OutcomePending}
		c.observe(info)

		err := fn(attempt)
		if err == nil {
			if attempt > 0 {
				c.logger.Info().
					Str("path", path).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			info.Outcome = OutcomeSuccess
			c.observe(info)
			return attempt + 1, nil
		}

		lastErr = err
		lastClass = failure.ClassOf(err)
		setAttempts(err, attempt+1)
		info.Class = lastClass
		info.Err = err

		if !shouldRetry(lastClass) {
			info.Outcome = OutcomeFatal
			c.observe(info)
			c.logger.Debug().
				Str("path", path).
				Int("attempt", attempt).
				Str("error_class", string(lastClass)).
				Msg("Not retrying")
			return attempt + 1, err
		}

		info.Outcome = OutcomeRetryable
		if attempt+1 >= cfg.MaxAttempts {
			c.observe(info)
			break
		}

		delay := cfg.Backoff(attempt)
		info.Delay = delay
		c.observe(info)

		retriesTotal.WithLabelValues(string(lastClass)).Inc()
		retryBackoffSeconds.WithLabelValues(string(lastClass)).Observe(delay.Seconds())

		c.logger.Warn().
			Err(err).
			Str("path", path).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request after backoff")

		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			c.logger.Warn().
				Str("path", path).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return attempt + 1, fmt.Errorf("%w: %w: %w", ErrContextCancelled, sleepErr, err)
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	c.logger.Warn().
		Err(lastErr).
		Str("path", path).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return cfg.MaxAttempts, lastErr
}

func (c *Client) observe(a Attempt) {
	if c.config.OnAttempt != nil {
		c.config.OnAttempt(a)
	}
}

func setAttempts(err error, n int) {
	var fe *failure.Error
	if errors.As(err, &fe) {
		fe.Attempts = n
	}
}
