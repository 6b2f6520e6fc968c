package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/quote-client/pkg/failure"
)

func TestFetchMany_SmallSetUsesWindow(t *testing.T) {
	rec := newRecorder(map[string]int{"AAPL": 1, "MSFT": 2})
	c := newTestCoalescer(t, rec.fetch, testConfig(20*time.Millisecond))

	got, err := c.FetchMany(context.Background(), []string{"aapl", "MSFT", "GOOG", "AAPL"})
	if err != nil {
		t.Fatalf("FetchMany failed: %v", err)
	}
	if len(got) != 2 || got["AAPL"] != 1 || got["MSFT"] != 2 {
		t.Errorf("FetchMany = %v, want AAPL and MSFT only", got)
	}

	calls := rec.Calls()
	if len(calls) != 1 || !equalKeys(calls[0], []string{"AAPL", "MSFT", "GOOG"}) {
		t.Errorf("calls = %v, want one coalesced call", calls)
	}
}

func TestFetchMany_LargeSetBypassesWindow(t *testing.T) {
	values := make(map[string]int)
	var keys []string
	for i := 0; i < 7; i++ {
		k := fmt.Sprintf("K%d", i)
		keys = append(keys, k)
		values[k] = i
	}
	rec := newRecorder(values)

	cfg := testConfig(time.Hour)
	cfg.ChunkSize = 3
	cfg.MaxConcurrency = 2
	c := newTestCoalescer(t, rec.fetch, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := c.FetchMany(ctx, keys)
	if err != nil {
		t.Fatalf("FetchMany failed: %v", err)
	}
	if len(got) != len(keys) {
		t.Errorf("FetchMany returned %d values, want %d", len(got), len(keys))
	}

	calls := rec.Calls()
	if len(calls) != 3 {
		t.Fatalf("upstream calls = %d, want 3 chunks", len(calls))
	}
	total := 0
	for _, call := range calls {
		if len(call) > 3 {
			t.Errorf("chunk %v exceeds ChunkSize", call)
		}
		total += len(call)
	}
	if total != len(keys) {
		t.Errorf("chunks cover %d keys, want %d", total, len(keys))
	}
	if s := c.Stats(); s.Batches != 0 || s.OpenSize != 0 {
		t.Errorf("direct path should not touch batches: %+v", s)
	}
}

func TestFetchMany_ChunkErrorFailsCall(t *testing.T) {
	boom := failure.Fatal(400, "bad symbols", nil)
	var calls atomic.Int32
	fetch := func(ctx context.Context, keys []string) (map[string]int, error) {
		if calls.Add(1) == 2 {
			return nil, boom
		}
		return map[string]int{keys[0]: 1}, nil
	}

	cfg := testConfig(time.Hour)
	cfg.ChunkSize = 1
	cfg.MaxConcurrency = 1
	c := newTestCoalescer(t, fetch, cfg)

	_, err := c.FetchMany(context.Background(), []string{"A", "B", "C", "D", "E"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want chunk error", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("bulk calls = %d, want 2 (stop after failure)", n)
	}
}

func TestFetchMany_Empty(t *testing.T) {
	rec := newRecorder(nil)
	c := newTestCoalescer(t, rec.fetch, testConfig(10*time.Millisecond))

	got, err := c.FetchMany(context.Background(), []string{"", "  "})
	if err != nil || len(got) != 0 {
		t.Errorf("FetchMany = (%v, %v), want empty result", got, err)
	}
	if len(rec.Calls()) != 0 {
		t.Error("no upstream call expected")
	}
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		keys int
		size int
		want []int
	}{
		{1, 50, []int{1}},
		{50, 50, []int{50}},
		{51, 50, []int{50, 1}},
		{7, 3, []int{3, 3, 1}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.keys, tt.size), func(t *testing.T) {
			keys := make([]string, tt.keys)
			chunks := splitChunks(keys, tt.size)
			if len(chunks) != len(tt.want) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(tt.want))
			}
			for i, c := range chunks {
				if len(c) != tt.want[i] {
					t.Errorf("chunk %d size = %d, want %d", i, len(c), tt.want[i])
				}
			}
		})
	}
}
