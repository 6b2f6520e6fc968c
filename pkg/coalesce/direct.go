package coalesce

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Sternrassler/quote-client/pkg/failure"
	"github.com/Sternrassler/quote-client/pkg/future"
)

// chunkResult is the outcome of one direct bulk call.
type chunkResult[V any] struct {
	index  int
	values map[string]V
	err    error
}

// FetchMany returns values for keys. Up to DirectThreshold unique keys go
// through the batch window like FetchOne; larger sets bypass coalescing and
// are fetched directly in ChunkSize chunks by at most MaxConcurrency workers.
// Keys without data are omitted from the result. Any other failure fails the
// whole call.
func (c *Coalescer[V]) FetchMany(ctx context.Context, keys []string) (map[string]V, error) {
	unique := c.uniqueKeys(keys)
	if len(unique) == 0 {
		return map[string]V{}, nil
	}

	c.mu.Lock()
	drained := c.drained
	c.mu.Unlock()
	if drained {
		return nil, failure.ErrCancelled
	}

	if len(unique) <= c.config.DirectThreshold {
		return c.fetchCoalesced(ctx, unique)
	}
	return c.fetchDirect(ctx, unique)
}

func (c *Coalescer[V]) uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	unique := make([]string, 0, len(keys))
	for _, k := range keys {
		k = c.config.Normalize(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}
	return unique
}

func (c *Coalescer[V]) fetchCoalesced(ctx context.Context, keys []string) (map[string]V, error) {
	futures := make([]*future.Future[V], len(keys))
	for i, k := range keys {
		futures[i] = c.FetchOne(k)
	}

	results := make(map[string]V, len(keys))
	for i, f := range futures {
		v, err := f.Await(ctx)
		if err != nil {
			if errors.Is(err, failure.ErrNotFound) {
				continue
			}
			return nil, err
		}
		results[keys[i]] = v
	}
	return results, nil
}

func splitChunks(keys []string, size int) [][]string {
	chunks := make([][]string, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		chunks = append(chunks, keys[start:end])
	}
	return chunks
}

// fetchDirect fetches chunks in parallel using a worker pool.
func (c *Coalescer[V]) fetchDirect(parent context.Context, keys []string) (map[string]V, error) {
	start := time.Now()
	chunks := splitChunks(keys, c.config.ChunkSize)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	queue := make(chan int, len(chunks))
	results := make(chan chunkResult[V], len(chunks))
	for i := range chunks {
		queue <- i
	}
	close(queue)

	workers := min(c.config.MaxConcurrency, len(chunks))
	c.logger.Debug().
		Int("keys", len(keys)).
		Int("chunks", len(chunks)).
		Int("workers", workers).
		Msg("Starting direct fetch")

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go c.worker(ctx, chunks, queue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	merged := make(map[string]V, len(keys))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
				cancel()
			}
			continue
		}
		for k, v := range r.values {
			merged[c.config.Normalize(k)] = v
		}
	}

	switch {
	case c.ctx.Err() != nil:
		firstErr = failure.ErrCancelled
	case firstErr == nil && parent.Err() != nil:
		firstErr = parent.Err()
	}
	if firstErr != nil {
		c.logger.Warn().
			Err(firstErr).
			Int("keys", len(keys)).
			Int("chunks", len(chunks)).
			Msg("Direct fetch failed")
		return nil, firstErr
	}

	c.logger.Debug().
		Int("keys", len(keys)).
		Int("returned", len(merged)).
		Dur("duration", time.Since(start)).
		Msg("Direct fetch complete")
	return merged, nil
}

// worker processes chunks from the queue until it is empty, ctx ends, or a
// fetch fails.
func (c *Coalescer[V]) worker(ctx context.Context, chunks [][]string, queue <-chan int, results chan<- chunkResult[V], wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for idx := range queue {
		if ctx.Err() != nil {
			c.logger.Debug().
				Int("worker_id", workerID).
				Int("chunks_processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		values, err := c.fetch(ctx, chunks[idx])
		results <- chunkResult[V]{index: idx, values: values, err: err}
		if err != nil {
			c.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Int("chunk", idx).
				Msg("Chunk fetch failed")
			return
		}
		processed++
	}
}
