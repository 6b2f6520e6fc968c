// Package coalesce batches single-key reads that arrive close together into
// one bulk upstream call.
//
// A Coalescer keeps at most one open batch. The first FetchOne opens it and
// arms the window timer; the batch closes when the window elapses or when it
// holds MaxBatchSize unique keys, whichever happens first. A closed batch is
// dispatched once with its unique keys and every caller receives the value for
// its own key through a future.
//
// Usage:
//
//	c, err := coalesce.New(fetchQuotes, coalesce.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer c.Drain()
//
//	quote, err := c.Get(ctx, "AAPL")
//
// Callers that already know several keys use FetchMany; above DirectThreshold
// unique keys it skips the window and calls the bulk function directly in
// chunks.
package coalesce
