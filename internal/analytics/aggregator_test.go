package analytics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
)

type appearance struct {
	customer int64
	at       time.Time
}

// fakeSource serves counts from an in-memory list and counts queries.
type fakeSource struct {
	mu      sync.Mutex
	rows    []appearance
	calls   atomic.Int32
	err     error
	release chan struct{}
}

func (s *fakeSource) AppearanceCounts(ctx context.Context, _ string, start, end time.Time) (map[int64]int64, error) {
	s.calls.Add(1)
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]int64{}
	for _, r := range s.rows {
		if !start.IsZero() && r.at.Before(start) {
			continue
		}
		if !end.IsZero() && r.at.After(end) {
			continue
		}
		out[r.customer]++
	}
	return out, nil
}

func (s *fakeSource) add(customer int64, at time.Time) {
	s.mu.Lock()
	s.rows = append(s.rows, appearance{customer, at})
	s.mu.Unlock()
}

type memCache struct {
	mu     sync.Mutex
	counts map[int64]int64
	saves  int
}

func (c *memCache) Save(_ context.Context, counts map[int64]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = copyCounts(counts)
	c.saves++
	return nil
}

func (c *memCache) Load(context.Context) (map[int64]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyCounts(c.counts), nil
}

var day = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

func twoStores() (*fakeSource, *fakeSource) {
	a := &fakeSource{}
	a.add(5, day.Add(1*time.Hour))
	a.add(5, day.Add(2*time.Hour))
	a.add(7, day.Add(30*time.Hour))
	b := &fakeSource{}
	b.add(5, day.Add(3*time.Hour))
	b.add(9, day.Add(4*time.Hour))
	return a, b
}

func countsOf(t Totals) map[int64]int64 {
	out := map[int64]int64{}
	for _, c := range t.Customers {
		out[c.CustomerID] = c.Appearances
	}
	return out
}

func TestAddStoreBuildsRunningTotal(t *testing.T) {
	ctx := context.Background()
	cache := &memCache{}
	agg := NewAggregator(cache, nil)
	a, b := twoStores()

	for id, src := range map[string]Source{"store_001": a, "store_002": b} {
		added, err := agg.AddStore(ctx, id, src)
		if err != nil || !added {
			t.Fatalf("AddStore(%s) = %v, %v", id, added, err)
		}
	}

	totals, err := agg.Aggregate(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := countsOf(totals)
	want := map[int64]int64{5: 3, 7: 1, 9: 1}
	for id, n := range want {
		if got[id] != n {
			t.Errorf("customer %d = %d, want %d", id, got[id], n)
		}
	}
	if totals.TotalAppearances != 5 {
		t.Errorf("total = %d, want 5", totals.TotalAppearances)
	}
	if totals.Customers[0].CustomerID != 5 {
		t.Errorf("first customer = %d, want the most frequent (5)", totals.Customers[0].CustomerID)
	}
	if len(totals.Stores) != 2 || totals.Stores[0] != "store_001" {
		t.Errorf("stores = %v", totals.Stores)
	}
	if cache.saves != 2 || cache.counts[5] != 3 {
		t.Errorf("cache = %+v, want totals published after each add", cache)
	}
}

func TestAddStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator(nil, nil)
	a, _ := twoStores()

	if added, err := agg.AddStore(ctx, "store_001", a); err != nil || !added {
		t.Fatalf("first add = %v, %v", added, err)
	}
	before, _ := agg.Aggregate(ctx, nil)

	added, err := agg.AddStore(ctx, "store_001", a)
	if err != nil {
		t.Fatalf("second add returned error: %v", err)
	}
	if added {
		t.Error("second add reported added=true")
	}
	after, _ := agg.Aggregate(ctx, nil)
	if before.TotalAppearances != after.TotalAppearances || len(after.Stores) != 1 {
		t.Errorf("state changed: before %+v after %+v", before, after)
	}
	if a.calls.Load() != 1 {
		t.Errorf("store queried %d times, want 1", a.calls.Load())
	}
}

func TestAddStoreConcurrentDuplicates(t *testing.T) {
	agg := NewAggregator(nil, nil)
	a, _ := twoStores()

	var wg sync.WaitGroup
	var addedCount atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := agg.AddStore(context.Background(), "store_001", a); ok {
				addedCount.Add(1)
			}
		}()
	}
	wg.Wait()
	if addedCount.Load() != 1 {
		t.Errorf("added = %d, want exactly 1", addedCount.Load())
	}
	totals, _ := agg.Aggregate(context.Background(), nil)
	if totals.TotalAppearances != 3 {
		t.Errorf("total = %d, want 3", totals.TotalAppearances)
	}
}

func TestAddStoreFailureLeavesStateUntouched(t *testing.T) {
	agg := NewAggregator(nil, nil)
	bad := &fakeSource{err: errors.New("connection refused")}
	if _, err := agg.AddStore(context.Background(), "store_001", bad); err == nil {
		t.Fatal("expected error")
	}
	if n := len(agg.Stores()); n != 0 {
		t.Errorf("stores = %d, want 0", n)
	}
	if _, err := agg.AddStore(context.Background(), "", &fakeSource{}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("empty id: err = %v, want validation", err)
	}
}

func TestAggregateWindowRequeriesStores(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator(nil, nil)
	a, b := twoStores()
	agg.AddStore(ctx, "store_001", a)
	agg.AddStore(ctx, "store_002", b)

	// Data arriving after registration shows up in windowed queries only.
	a.add(11, day.Add(5*time.Hour))

	tests := []struct {
		name string
		win  Window
		want map[int64]int64
	}{
		{"first day", Window{Start: day, End: day.Add(24 * time.Hour)}, map[int64]int64{5: 3, 9: 1, 11: 1}},
		{"open start", Window{End: day.Add(2 * time.Hour)}, map[int64]int64{5: 2}},
		{"open end", Window{Start: day.Add(24 * time.Hour)}, map[int64]int64{7: 1}},
		{"empty", Window{Start: day.Add(100 * time.Hour), End: day.Add(101 * time.Hour)}, map[int64]int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			totals, err := agg.Aggregate(ctx, &tt.win)
			if err != nil {
				t.Fatal(err)
			}
			got := countsOf(totals)
			if len(got) != len(tt.want) {
				t.Fatalf("counts = %v, want %v", got, tt.want)
			}
			for id, n := range tt.want {
				if got[id] != n {
					t.Errorf("customer %d = %d, want %d", id, got[id], n)
				}
			}
		})
	}

	running, _ := agg.Aggregate(ctx, nil)
	if countsOf(running)[11] != 0 {
		t.Error("windowed query leaked into the running total")
	}
}

func TestAggregateWindowValidationAndErrors(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator(nil, nil)
	good, _ := twoStores()
	flaky := &fakeSource{}
	agg.AddStore(ctx, "store_001", good)
	agg.AddStore(ctx, "store_002", flaky)

	_, err := agg.Aggregate(ctx, &Window{Start: day.Add(time.Hour), End: day})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("inverted window: err = %v, want validation", err)
	}

	flaky.err = errors.New("store offline")
	if _, err := agg.Aggregate(ctx, &Window{Start: day}); err == nil {
		t.Error("expected error when a store fails")
	}
}

func TestAggregateWindowCoalescesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator(nil, nil)
	src := &fakeSource{}
	src.add(5, day)
	agg.AddStore(ctx, "store_001", src)

	src.release = make(chan struct{})
	win := Window{Start: day, End: day.Add(time.Hour)}
	var wg sync.WaitGroup
	results := make([]Totals, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = agg.Aggregate(ctx, &win)
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("windowed query never reached the store")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	// One call from AddStore, one shared windowed query.
	if got := src.calls.Load(); got != 2 {
		t.Errorf("store calls = %d, want 2", got)
	}
	for i, r := range results {
		if r.TotalAppearances != 1 {
			t.Errorf("result %d total = %d, want 1", i, r.TotalAppearances)
		}
	}
}
