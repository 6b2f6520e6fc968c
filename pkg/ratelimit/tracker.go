package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quote_rate_limit_remaining",
		Help: "Requests remaining in the current upstream quota window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quote_rate_limit_blocks_total",
		Help: "Total number of requests failed fast because of shared rate limit state",
	})

	rateLimitRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quote_rate_limit_recorded_total",
		Help: "Total number of rate-limited upstream responses recorded",
	})
)

// Tracker stores upstream rate-limit state in Redis and gates requests on it.
type Tracker struct {
	redis        *redis.Client
	logger       zerolog.Logger
	key          string
	defaultBlock time.Duration
	now          func() time.Time
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:        redisClient,
		logger:       logger,
		key:          RedisKeyThrottleState,
		defaultBlock: DefaultBlockDuration,
		now:          time.Now,
	}
}

// WithKey returns a tracker storing its state under key, so independent
// upstreams can share one Redis.
func (t *Tracker) WithKey(key string) *Tracker {
	cp := *t
	cp.key = key
	return &cp
}

// GetState retrieves the current state from Redis.
// Returns an unknown, unblocked state if nothing is stored.
func (t *Tracker) GetState(ctx context.Context) (*ThrottleState, error) {
	data, err := t.redis.Get(ctx, t.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return defaultState(), nil
		}
		return nil, fmt.Errorf("get throttle state: %w", err)
	}

	var state ThrottleState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse throttle state: %w", err)
	}
	return &state, nil
}

func (t *Tracker) save(ctx context.Context, state *ThrottleState) error {
	now := t.now()
	state.LastUpdate = now

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal throttle state: %w", err)
	}
	if err := t.redis.Set(ctx, t.key, data, state.expiry(now)).Err(); err != nil {
		return fmt.Errorf("store throttle state in redis: %w", err)
	}
	return nil
}

// UpdateFromHeaders parses X-RateLimit-Remaining and X-RateLimit-Reset and
// stores the quota. Responses without the headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return nil
	}

	remain, err := parseIntHeader(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	resetStr := headers.Get("X-RateLimit-Reset")
	if resetStr == "" {
		return fmt.Errorf("X-RateLimit-Reset header missing")
	}
	resetSeconds, err := parseIntHeader(resetStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
	}

	state, err := t.GetState(ctx)
	if err != nil {
		return err
	}
	state.Remaining = remain
	state.ResetAt = t.now().Add(time.Duration(resetSeconds) * time.Second)

	if err := t.save(ctx, state); err != nil {
		return err
	}

	quotaRemaining.Set(float64(remain))

	if state.NeedsWarning() {
		t.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Upstream quota nearly exhausted")
	} else {
		t.logger.Debug().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Upstream quota updated")
	}
	return nil
}

// RecordRateLimited blocks requests until the response's Retry-After, or for
// the default block duration when the header is absent or unparseable.
func (t *Tracker) RecordRateLimited(ctx context.Context, headers http.Header) error {
	now := t.now()
	wait, ok := parseRetryAfter(headers.Get("Retry-After"), now)
	if !ok {
		wait = t.defaultBlock
	}
	until := now.Add(wait)

	state, err := t.GetState(ctx)
	if err != nil {
		return err
	}
	if until.After(state.BlockedUntil) {
		state.BlockedUntil = until
	}

	if err := t.save(ctx, state); err != nil {
		return err
	}

	rateLimitRecordedTotal.Inc()
	t.logger.Warn().
		Dur("retry_after", wait).
		Time("blocked_until", state.BlockedUntil).
		Msg("Upstream rate limited - blocking requests")
	return nil
}

// Blocked reports whether requests must fail fast, and until when.
func (t *Tracker) Blocked(ctx context.Context) (bool, time.Time, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, time.Time{}, err
	}

	blocked, until := state.BlockedAt(t.now())
	if blocked {
		rateLimitBlocksTotal.Inc()
		t.logger.Debug().
			Time("blocked_until", until).
			Msg("Request blocked by shared rate limit state")
	}
	return blocked, until, nil
}

// Clear removes the stored state.
func (t *Tracker) Clear(ctx context.Context) error {
	if err := t.redis.Del(ctx, t.key).Err(); err != nil {
		return fmt.Errorf("clear throttle state: %w", err)
	}
	return nil
}

func parseIntHeader(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := parseIntHeader(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
