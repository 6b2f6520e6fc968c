package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Config holds cache settings.
type Config struct {
	// Namespace prefixes every key.
	Namespace string

	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:  "quotes",
		DefaultTTL: 15 * time.Second,
	}
}

// Manager handles caching operations with Redis backend.
type Manager struct {
	redis  *redis.Client
	config Config
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient *redis.Client, cfg Config) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	return &Manager{
		redis:  redisClient,
		config: cfg,
	}
}

func (m *Manager) key(id string) string {
	return Key{Namespace: m.config.Namespace, ID: id}.String()
}

// Get retrieves one entry. Returns ErrCacheMiss if absent or expired.
func (m *Manager) Get(ctx context.Context, id string) (*Entry, error) {
	data, err := m.redis.Get(ctx, m.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, err
	}
	if entry.IsExpired() {
		_ = m.Delete(ctx, id)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.Inc()
	return entry, nil
}

// GetMany looks up ids in one round trip. It returns the fresh entries by id
// and the ids that must be fetched elsewhere, in input order.
func (m *Manager) GetMany(ctx context.Context, ids []string) (map[string]*Entry, []string, error) {
	if len(ids) == 0 {
		return map[string]*Entry{}, nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = m.key(id)
	}

	values, err := m.redis.MGet(ctx, keys...).Result()
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, ids, fmt.Errorf("redis mget: %w", err)
	}

	hits := make(map[string]*Entry, len(ids))
	var misses []string
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			misses = append(misses, ids[i])
			continue
		}
		entry, err := decodeEntry([]byte(raw))
		if err != nil || entry.IsExpired() {
			if err != nil {
				CacheErrors.WithLabelValues("get").Inc()
			}
			misses = append(misses, ids[i])
			continue
		}
		hits[ids[i]] = entry
	}

	CacheHits.Add(float64(len(hits)))
	CacheMisses.Add(float64(len(misses)))
	return hits, misses, nil
}

// Set stores one item. A zero ttl uses the configured default; a negative
// ttl skips caching.
func (m *Manager) Set(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	return m.SetMany(ctx, map[string][]byte{id: data}, ttl)
}

// SetMany stores items in one pipeline with a shared TTL.
func (m *Manager) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}
	if ttl < 0 || len(items) == 0 {
		return nil
	}

	now := time.Now()
	pipe := m.redis.Pipeline()
	for id, data := range items {
		encoded, err := json.Marshal(&Entry{
			Data:     json.RawMessage(data),
			Expires:  now.Add(ttl),
			CachedAt: now,
		})
		if err != nil {
			CacheErrors.WithLabelValues("set").Inc()
			return fmt.Errorf("marshal cache entry %s: %w", id, err)
		}
		pipe.Set(ctx, m.key(id), encoded, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.redis.Del(ctx, m.key(id)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}
