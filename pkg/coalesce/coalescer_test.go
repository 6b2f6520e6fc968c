package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/quote-client/pkg/failure"
	"github.com/Sternrassler/quote-client/pkg/future"
)

// recorder is a bulk function double that records every key set it receives.
type recorder struct {
	mu     sync.Mutex
	calls  [][]string
	values map[string]int
	err    error
}

func newRecorder(values map[string]int) *recorder {
	return &recorder{values: values}
}

func (r *recorder) fetch(ctx context.Context, keys []string) (map[string]int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), keys...))
	err := r.err
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(keys))
	for _, k := range keys {
		if v, ok := r.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (r *recorder) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func testConfig(window time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Window = window
	return cfg
}

func newTestCoalescer(t *testing.T, fetch BulkFunc[int], cfg Config) *Coalescer[int] {
	t.Helper()
	c, err := New(fetch, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(c.Drain)
	return c
}

func await(t *testing.T, f *future.Future[int]) (int, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := f.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not settle")
	}
	return v, err
}

func sorted(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	return out
}

func equalKeys(a, b []string) bool {
	a, b = sorted(a), sorted(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNew_Validation(t *testing.T) {
	fetch := newRecorder(nil).fetch

	tests := []struct {
		name    string
		fetch   BulkFunc[int]
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", fetch, func(*Config) {}, false},
		{"zero config gets defaults", fetch, func(c *Config) { *c = Config{} }, false},
		{"nil fetch", nil, func(*Config) {}, true},
		{"negative window", fetch, func(c *Config) { c.Window = -time.Second }, true},
		{"negative batch size", fetch, func(c *Config) { c.MaxBatchSize = -1 }, true},
		{"negative threshold", fetch, func(c *Config) { c.DirectThreshold = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			c, err := New(tt.fetch, cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if c != nil {
				c.Drain()
			}
		})
	}
}

func TestFetchOne_OneUpstreamCallPerWindow(t *testing.T) {
	rec := newRecorder(map[string]int{"AAPL": 1, "MSFT": 2, "GOOG": 3, "IBM": 4})
	c := newTestCoalescer(t, rec.fetch, testConfig(50*time.Millisecond))

	keys := []string{"AAPL", "MSFT", "GOOG", "IBM", "MSFT", "AAPL"}
	futures := make([]*future.Future[int], len(keys))
	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(i int, k string) {
			defer wg.Done()
			futures[i] = c.FetchOne(k)
		}(i, k)
	}
	wg.Wait()

	for i, f := range futures {
		v, err := await(t, f)
		if err != nil {
			t.Fatalf("FetchOne(%s) failed: %v", keys[i], err)
		}
		if v != rec.values[keys[i]] {
			t.Errorf("FetchOne(%s) = %d, want %d", keys[i], v, rec.values[keys[i]])
		}
	}

	calls := rec.Calls()
	if len(calls) != 1 {
		t.Fatalf("upstream calls = %d, want 1", len(calls))
	}
	if !equalKeys(calls[0], []string{"AAPL", "MSFT", "GOOG", "IBM"}) {
		t.Errorf("upstream keys = %v, want the distinct requested keys", calls[0])
	}
}

func TestFetchOne_NewBatchAfterClose(t *testing.T) {
	rec := newRecorder(map[string]int{"AAPL": 1, "MSFT": 2})
	c := newTestCoalescer(t, rec.fetch, testConfig(20*time.Millisecond))

	if _, err := await(t, c.FetchOne("AAPL")); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	if _, err := await(t, c.FetchOne("MSFT")); err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}

	calls := rec.Calls()
	if len(calls) != 2 {
		t.Fatalf("upstream calls = %d, want 2", len(calls))
	}
	if !equalKeys(calls[0], []string{"AAPL"}) || !equalKeys(calls[1], []string{"MSFT"}) {
		t.Errorf("batches merged across windows: %v", calls)
	}
}

func TestFetchOne_NormalizesCase(t *testing.T) {
	rec := newRecorder(map[string]int{"AAPL": 42})
	c := newTestCoalescer(t, rec.fetch, testConfig(20*time.Millisecond))

	upper := c.FetchOne("AAPL")
	lower := c.FetchOne(" aapl ")
	if upper == lower {
		t.Fatal("each caller must get its own future")
	}

	for _, f := range []*future.Future[int]{upper, lower} {
		v, err := await(t, f)
		if err != nil || v != 42 {
			t.Errorf("got (%d, %v), want (42, nil)", v, err)
		}
	}

	calls := rec.Calls()
	if len(calls) != 1 || len(calls[0]) != 1 || calls[0][0] != "AAPL" {
		t.Errorf("upstream calls = %v, want one call with [AAPL]", calls)
	}
}

func TestFetchOne_BatchFailureSharedByAll(t *testing.T) {
	boom := failure.Transient(503, "service unavailable", nil)
	rec := newRecorder(nil)
	rec.err = boom
	c := newTestCoalescer(t, rec.fetch, testConfig(20*time.Millisecond))

	futures := []*future.Future[int]{c.FetchOne("AAPL"), c.FetchOne("MSFT"), c.FetchOne("aapl")}
	for _, f := range futures {
		_, err := await(t, f)
		if err != boom {
			t.Errorf("err = %v, want the batch error value", err)
		}
	}
}

func TestFetchOne_MissingKeyRejectedIndividually(t *testing.T) {
	rec := newRecorder(map[string]int{"AAPL": 1})
	c := newTestCoalescer(t, rec.fetch, testConfig(20*time.Millisecond))

	present := c.FetchOne("AAPL")
	missing := c.FetchOne("MSFT")

	if v, err := await(t, present); err != nil || v != 1 {
		t.Errorf("AAPL = (%d, %v), want (1, nil)", v, err)
	}

	_, err := await(t, missing)
	if !errors.Is(err, failure.ErrNotFound) {
		t.Fatalf("MSFT err = %v, want ErrNotFound", err)
	}
	var nf *failure.NotFoundError
	if !errors.As(err, &nf) || nf.Key != "MSFT" {
		t.Errorf("NotFoundError key = %v, want MSFT", nf)
	}
}

func TestFetchOne_ResponseKeysNormalized(t *testing.T) {
	fetch := func(ctx context.Context, keys []string) (map[string]int, error) {
		return map[string]int{"aapl": 7}, nil
	}
	c := newTestCoalescer(t, fetch, testConfig(10*time.Millisecond))

	if v, err := await(t, c.FetchOne("AAPL")); err != nil || v != 7 {
		t.Errorf("got (%d, %v), want (7, nil)", v, err)
	}
}

func TestFetchOne_EmptyKey(t *testing.T) {
	rec := newRecorder(nil)
	c := newTestCoalescer(t, rec.fetch, testConfig(10*time.Millisecond))

	f := c.FetchOne("   ")
	if !f.Settled() {
		t.Fatal("empty key should be rejected immediately")
	}
	_, err, _ := f.Result()
	if !errors.Is(err, failure.ErrFatalRequest) {
		t.Errorf("err = %v, want fatal", err)
	}
	if s := c.Stats(); s.OpenSize != 0 || s.Requests != 0 {
		t.Errorf("empty key should not enter a batch: %+v", s)
	}
}

func TestFetchOne_SizeCapSplitsBatches(t *testing.T) {
	values := make(map[string]int)
	keys := make([]string, 15)
	for i := range keys {
		keys[i] = fmt.Sprintf("SYM%02d", i)
		values[keys[i]] = i
	}
	rec := newRecorder(values)

	cfg := testConfig(100 * time.Millisecond)
	cfg.MaxBatchSize = 10
	c := newTestCoalescer(t, rec.fetch, cfg)

	futures := make([]*future.Future[int], len(keys))
	for i, k := range keys {
		futures[i] = c.FetchOne(k)
	}

	// cap batch dispatches without waiting for the window
	deadline := time.Now().Add(50 * time.Millisecond)
	for len(rec.Calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	early := rec.Calls()
	if len(early) != 1 || !equalKeys(early[0], keys[:10]) {
		t.Fatalf("calls before window = %v, want one call with the first 10 keys", early)
	}

	for i, f := range futures {
		if v, err := await(t, f); err != nil || v != i {
			t.Errorf("%s = (%d, %v), want (%d, nil)", keys[i], v, err, i)
		}
	}

	calls := rec.Calls()
	if len(calls) != 2 {
		t.Fatalf("upstream calls = %d, want 2", len(calls))
	}
	if !equalKeys(calls[1], keys[10:]) {
		t.Errorf("second batch = %v, want the remaining 5 keys", calls[1])
	}
}

func TestFetchOne_DuplicatesDoNotCountTowardCap(t *testing.T) {
	rec := newRecorder(map[string]int{"A": 1, "B": 2})
	cfg := testConfig(20 * time.Millisecond)
	cfg.MaxBatchSize = 2
	c := newTestCoalescer(t, rec.fetch, cfg)

	f1 := c.FetchOne("A")
	f2 := c.FetchOne("a")
	f3 := c.FetchOne("B")
	for _, f := range []*future.Future[int]{f1, f2, f3} {
		if _, err := await(t, f); err != nil {
			t.Fatalf("fetch failed: %v", err)
		}
	}

	calls := rec.Calls()
	if len(calls) != 1 || !equalKeys(calls[0], []string{"A", "B"}) {
		t.Errorf("calls = %v, want one call with [A B]", calls)
	}
}

func TestDrain_RejectsPendingAndStopsTimer(t *testing.T) {
	rec := newRecorder(map[string]int{"AAPL": 1})
	c, err := New(rec.fetch, testConfig(30*time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	futures := []*future.Future[int]{c.FetchOne("AAPL"), c.FetchOne("MSFT"), c.FetchOne("GOOG")}
	c.Drain()

	for _, f := range futures {
		if _, err := await(t, f); !errors.Is(err, failure.ErrCancelled) {
			t.Errorf("err = %v, want ErrCancelled", err)
		}
	}

	time.Sleep(60 * time.Millisecond)
	if calls := rec.Calls(); len(calls) != 0 {
		t.Errorf("upstream called after drain: %v", calls)
	}

	late := c.FetchOne("AAPL")
	if _, err := await(t, late); !errors.Is(err, failure.ErrCancelled) {
		t.Errorf("FetchOne after drain err = %v, want ErrCancelled", err)
	}
	if _, err := c.FetchMany(context.Background(), []string{"A", "B", "C", "D"}); !errors.Is(err, failure.ErrCancelled) {
		t.Errorf("FetchMany after drain err = %v, want ErrCancelled", err)
	}

	// idempotent
	c.Drain()
	if s := c.Stats(); !s.Drained {
		t.Error("Stats should report drained")
	}
}

func TestDrain_RejectsDispatchedBatch(t *testing.T) {
	started := make(chan struct{})
	fetchCtxDone := make(chan struct{})
	fetch := func(ctx context.Context, keys []string) (map[string]int, error) {
		close(started)
		<-ctx.Done()
		close(fetchCtxDone)
		return nil, ctx.Err()
	}

	c, err := New(fetch, testConfig(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	f := c.FetchOne("AAPL")
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("batch was not dispatched")
	}

	c.Drain()

	if _, err := await(t, f); !errors.Is(err, failure.ErrCancelled) {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
	select {
	case <-fetchCtxDone:
	case <-time.After(time.Second):
		t.Error("bulk call context was not cancelled")
	}
}

func TestGet_ContextStopsOnlyCallerWait(t *testing.T) {
	rec := newRecorder(map[string]int{"AAPL": 5})
	c := newTestCoalescer(t, rec.fetch, testConfig(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Get(ctx, "AAPL"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Get err = %v, want context.Canceled", err)
	}

	v, err := c.Get(context.Background(), "AAPL")
	if err != nil || v != 5 {
		t.Errorf("Get = (%d, %v), want (5, nil)", v, err)
	}
	if calls := rec.Calls(); len(calls) != 1 {
		t.Errorf("upstream calls = %d, want 1", len(calls))
	}
}

func TestStats(t *testing.T) {
	rec := newRecorder(map[string]int{"A": 1})
	c := newTestCoalescer(t, rec.fetch, testConfig(time.Hour))

	c.FetchOne("A")
	c.FetchOne("a")
	c.FetchOne("B")

	s := c.Stats()
	if s.Requests != 3 || s.Coalesced != 1 || s.OpenSize != 3 || s.Batches != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}
