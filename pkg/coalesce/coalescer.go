package coalesce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/quote-client/pkg/failure"
	"github.com/Sternrassler/quote-client/pkg/future"
	"github.com/Sternrassler/quote-client/pkg/logging"
	"github.com/rs/zerolog"
)

// BulkFunc fetches values for a set of unique keys. Keys absent from the
// returned map are reported to their callers as not found.
type BulkFunc[V any] func(ctx context.Context, keys []string) (map[string]V, error)

// Config holds coalescer settings.
type Config struct {
	// Window is how long a batch stays open, measured from its first request.
	Window time.Duration

	// MaxBatchSize closes a batch early once it holds this many unique keys.
	MaxBatchSize int

	// DirectThreshold is the largest FetchMany key count still routed through
	// the batch window. Larger sets call the bulk function directly.
	DirectThreshold int

	// MaxConcurrency bounds parallel chunk fetches on the direct path.
	MaxConcurrency int

	// ChunkSize is the number of keys per bulk call on the direct path.
	ChunkSize int

	// Normalize maps a caller key to its grouping key. Defaults to
	// trimming spaces and upper-casing.
	Normalize func(string) string

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default coalescer configuration.
func DefaultConfig() Config {
	return Config{
		Window:          100 * time.Millisecond,
		MaxBatchSize:    10,
		DirectThreshold: 3,
		MaxConcurrency:  4,
		ChunkSize:       50,
		Normalize:       NormalizeSymbol,
	}
}

// NormalizeSymbol trims surrounding spaces and upper-cases s.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Stats is a point-in-time view of coalescer activity.
type Stats struct {
	Batches   uint64 // batches dispatched
	Requests  uint64 // single-key requests accepted
	Coalesced uint64 // requests that shared a key already in their batch
	OpenSize  int    // requests waiting in the open batch
	InFlight  int    // dispatched batches not yet settled
	Drained   bool
}

type pendingRequest[V any] struct {
	key         string
	requestedAt time.Time
	completion  *future.Future[V]
}

type batch[V any] struct {
	id       uint64
	openedAt time.Time
	requests []*pendingRequest[V]
	keys     []string
	seen     map[string]struct{}
	timer    *time.Timer
}

func (b *batch[V]) add(req *pendingRequest[V]) (duplicate bool) {
	b.requests = append(b.requests, req)
	if _, ok := b.seen[req.key]; ok {
		return true
	}
	b.seen[req.key] = struct{}{}
	b.keys = append(b.keys, req.key)
	return false
}

// Coalescer groups FetchOne calls into batched bulk fetches. It is safe for
// concurrent use.
type Coalescer[V any] struct {
	fetch  BulkFunc[V]
	config Config
	logger zerolog.Logger

	// ctx is handed to every bulk call and cancelled by Drain.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	open     *batch[V]
	inflight map[uint64]*batch[V]
	nextID   uint64
	drained  bool
	stats    Stats
}

// New creates a coalescer dispatching batches to fetch.
func New[V any](fetch BulkFunc[V], cfg Config) (*Coalescer[V], error) {
	if fetch == nil {
		return nil, fmt.Errorf("bulk fetch function is required")
	}

	def := DefaultConfig()
	if cfg.Window == 0 {
		cfg.Window = def.Window
	}
	if cfg.Window < 0 {
		return nil, fmt.Errorf("window must not be negative (got %s)", cfg.Window)
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("max_batch_size must be >= 1 (got %d)", cfg.MaxBatchSize)
	}
	if cfg.DirectThreshold < 0 {
		return nil, fmt.Errorf("direct_threshold must not be negative (got %d)", cfg.DirectThreshold)
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Normalize == nil {
		cfg.Normalize = NormalizeSymbol
	}

	logger := logging.NewLogger("coalescer")
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "coalescer").Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coalescer[V]{
		fetch:    fetch,
		config:   cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[uint64]*batch[V]),
	}, nil
}

// FetchOne enqueues key into the open batch and returns a future for its
// value. The future rejects with *failure.NotFoundError when the batch
// response has no entry for key, with the bulk error when the batch call
// fails, and with failure.ErrCancelled once the coalescer is drained.
func (c *Coalescer[V]) FetchOne(key string) *future.Future[V] {
	normalized := c.config.Normalize(key)
	if normalized == "" {
		requestsTotal.WithLabelValues(outcomeInvalid).Inc()
		return future.Rejected[V](failure.Fatal(0, "empty key", nil))
	}

	req := &pendingRequest[V]{
		key:         normalized,
		requestedAt: time.Now(),
		completion:  future.New[V](),
	}

	c.mu.Lock()
	if c.drained {
		c.mu.Unlock()
		requestsTotal.WithLabelValues(outcomeCancelled).Inc()
		return future.Rejected[V](failure.ErrCancelled)
	}

	b := c.open
	if b == nil {
		b = c.openBatchLocked()
	}
	c.stats.Requests++
	if b.add(req) {
		c.stats.Coalesced++
	}

	var full *batch[V]
	if len(b.keys) >= c.config.MaxBatchSize {
		c.closeLocked(b, reasonCap)
		full = b
	}
	c.mu.Unlock()

	if full != nil {
		go c.dispatch(full)
	}
	return req.completion
}

// Get is FetchOne followed by Await. Cancelling ctx stops this caller's wait
// only; the batch still completes for everyone else.
func (c *Coalescer[V]) Get(ctx context.Context, key string) (V, error) {
	return c.FetchOne(key).Await(ctx)
}

// Drain stops the window timer and rejects every unsettled request, open or
// dispatched, with failure.ErrCancelled. Bulk calls still in flight see their
// context cancelled. Later FetchOne calls are rejected immediately. Drain is
// idempotent.
func (c *Coalescer[V]) Drain() {
	c.mu.Lock()
	if c.drained {
		c.mu.Unlock()
		return
	}
	c.drained = true
	c.stats.Drained = true

	var pending []*pendingRequest[V]
	if b := c.open; b != nil {
		b.timer.Stop()
		pending = append(pending, b.requests...)
		c.open = nil
	}
	for id, b := range c.inflight {
		pending = append(pending, b.requests...)
		delete(c.inflight, id)
	}
	c.mu.Unlock()

	c.cancel()

	cancelled := 0
	for _, req := range pending {
		if req.completion.Reject(failure.ErrCancelled) {
			cancelled++
		}
	}
	if cancelled > 0 {
		requestsTotal.WithLabelValues(outcomeCancelled).Add(float64(cancelled))
	}

	c.logger.Info().
		Int("cancelled", cancelled).
		Msg("Coalescer drained")
}

// Stats returns current counters.
func (c *Coalescer[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	if c.open != nil {
		s.OpenSize = len(c.open.requests)
	}
	s.InFlight = len(c.inflight)
	return s
}

func (c *Coalescer[V]) openBatchLocked() *batch[V] {
	c.nextID++
	b := &batch[V]{
		id:       c.nextID,
		openedAt: time.Now(),
		seen:     make(map[string]struct{}),
	}
	b.timer = time.AfterFunc(c.config.Window, func() { c.windowElapsed(b) })
	c.open = b

	c.logger.Debug().
		Uint64("batch_id", b.id).
		Dur("window", c.config.Window).
		Msg("Batch opened")
	return b
}

func (c *Coalescer[V]) windowElapsed(b *batch[V]) {
	c.mu.Lock()
	// closed by the size cap or by Drain while the timer was firing
	if c.open != b {
		c.mu.Unlock()
		return
	}
	c.closeLocked(b, reasonWindow)
	c.mu.Unlock()

	c.dispatch(b)
}

// closeLocked detaches b from the open slot and tracks it as in flight.
func (c *Coalescer[V]) closeLocked(b *batch[V], reason string) {
	b.timer.Stop()
	c.open = nil
	c.inflight[b.id] = b
	c.stats.Batches++

	batchesTotal.WithLabelValues(reason).Inc()
	batchSize.Observe(float64(len(b.keys)))

	c.logger.Debug().
		Uint64("batch_id", b.id).
		Str("reason", reason).
		Int("requests", len(b.requests)).
		Int("unique_keys", len(b.keys)).
		Msg("Batch closed")
}

func (c *Coalescer[V]) dispatch(b *batch[V]) {
	defer func() {
		c.mu.Lock()
		delete(c.inflight, b.id)
		c.mu.Unlock()
	}()

	// Drain ran between close and dispatch; its futures are already rejected.
	if c.ctx.Err() != nil {
		return
	}

	start := time.Now()
	values, err := c.fetch(c.ctx, b.keys)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Uint64("batch_id", b.id).
			Int("unique_keys", len(b.keys)).
			Dur("duration", time.Since(start)).
			Msg("Batch fetch failed")
		c.rejectAll(b, err)
		return
	}

	c.distribute(b, values)

	c.logger.Debug().
		Uint64("batch_id", b.id).
		Int("unique_keys", len(b.keys)).
		Int("returned", len(values)).
		Dur("duration", time.Since(start)).
		Msg("Batch settled")
}

// rejectAll shares one error value across every request of the batch.
func (c *Coalescer[V]) rejectAll(b *batch[V], err error) {
	if errors.Is(err, context.Canceled) && c.ctx.Err() != nil {
		err = failure.ErrCancelled
	}
	failed := 0
	for _, req := range b.requests {
		if req.completion.Reject(err) {
			failed++
		}
	}
	requestsTotal.WithLabelValues(outcomeFailed).Add(float64(failed))
}

func (c *Coalescer[V]) distribute(b *batch[V], values map[string]V) {
	byKey := make(map[string]V, len(values))
	for k, v := range values {
		byKey[c.config.Normalize(k)] = v
	}

	resolved, missing := 0, 0
	for _, req := range b.requests {
		v, ok := byKey[req.key]
		if !ok {
			if req.completion.Reject(&failure.NotFoundError{Key: req.key}) {
				missing++
			}
			continue
		}
		if req.completion.Resolve(v) {
			resolved++
		}
	}

	requestsTotal.WithLabelValues(outcomeResolved).Add(float64(resolved))
	if missing > 0 {
		requestsTotal.WithLabelValues(outcomeNotFound).Add(float64(missing))
	}
}
