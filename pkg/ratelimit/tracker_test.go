package ratelimit

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupTestRedis connects to a local Redis test DB, skipping when none is running.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestParseIntHeader(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"100", 100, false},
		{" 7 ", 7, false},
		{"0", 0, false},
		{"-1", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseIntHeader(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseIntHeader(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseIntHeader(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header string
		want   time.Duration
		ok     bool
	}{
		{"seconds", "30", 30 * time.Second, true},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second, true},
		{"date in past", now.Add(-time.Minute).Format(http.TimeFormat), 0, true},
		{"empty", "", 0, false},
		{"garbage", "soon", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseRetryAfter(tt.header, now)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseRetryAfter(%q) = (%v, %v), want (%v, %v)", tt.header, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestUpdateFromHeaders_InvalidHeaders(t *testing.T) {
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	tracker := NewTracker(nil, logger)

	tests := []struct {
		name         string
		remainHeader string
		resetHeader  string
		shouldError  bool
	}{
		{"missing remain header", "", "60", false},
		{"invalid remain header", "invalid", "60", true},
		{"missing reset header", "10", "", true},
		{"invalid reset header", "10", "later", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			if tt.remainHeader != "" {
				headers.Set("X-RateLimit-Remaining", tt.remainHeader)
			}
			if tt.resetHeader != "" {
				headers.Set("X-RateLimit-Reset", tt.resetHeader)
			}

			err := tracker.UpdateFromHeaders(context.Background(), headers)
			if (err != nil) != tt.shouldError {
				t.Errorf("UpdateFromHeaders() error = %v, shouldError %v", err, tt.shouldError)
			}
		})
	}
}

func TestTracker_RecordAndBlock(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, zerolog.Nop())
	ctx := context.Background()

	blocked, _, err := tracker.Blocked(ctx)
	if err != nil {
		t.Fatalf("Blocked() error = %v", err)
	}
	if blocked {
		t.Fatal("empty state should not block")
	}

	headers := http.Header{}
	headers.Set("Retry-After", "20")
	if err := tracker.RecordRateLimited(ctx, headers); err != nil {
		t.Fatalf("RecordRateLimited() error = %v", err)
	}

	blocked, until, err := tracker.Blocked(ctx)
	if err != nil {
		t.Fatalf("Blocked() error = %v", err)
	}
	if !blocked {
		t.Fatal("expected requests to be blocked after a rate-limited response")
	}
	if remaining := time.Until(until); remaining < 15*time.Second || remaining > 20*time.Second {
		t.Errorf("blocked for %v, want about 20s", remaining)
	}

	ttl, err := client.TTL(ctx, RedisKeyThrottleState).Result()
	if err != nil {
		t.Fatalf("TTL error = %v", err)
	}
	if ttl <= 0 {
		t.Errorf("throttle state should expire, TTL = %v", ttl)
	}

	if err := tracker.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if blocked, _, _ := tracker.Blocked(ctx); blocked {
		t.Error("cleared state should not block")
	}
}

func TestTracker_UpdateFromHeaders(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, zerolog.Nop())
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("X-RateLimit-Remaining", "0")
	headers.Set("X-RateLimit-Reset", "45")
	if err := tracker.UpdateFromHeaders(ctx, headers); err != nil {
		t.Fatalf("UpdateFromHeaders() error = %v", err)
	}

	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", state.Remaining)
	}
	if blocked, _, _ := tracker.Blocked(ctx); !blocked {
		t.Error("exhausted quota should block until reset")
	}
}

func TestTracker_WithKeyIsolatesState(t *testing.T) {
	client := setupTestRedis(t)
	a := NewTracker(client, zerolog.Nop())
	b := a.WithKey("quote:throttle:other")
	ctx := context.Background()

	if err := a.RecordRateLimited(ctx, http.Header{}); err != nil {
		t.Fatalf("RecordRateLimited() error = %v", err)
	}
	if blocked, _, _ := b.Blocked(ctx); blocked {
		t.Error("state under another key must not block")
	}
	if blocked, _, _ := a.Blocked(ctx); !blocked {
		t.Error("default block duration should apply without Retry-After")
	}
}
