// Package analytics aggregates face appearances across stores. It keeps an
// incrementally maintained running total per customer and answers windowed
// queries by asking every registered store again.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
	"github.com/olyandrevn/FaceRecognition/pkg/metrics"
)

// Source answers appearance counts for one store. A zero bound is open.
type Source interface {
	AppearanceCounts(ctx context.Context, storeID string, start, end time.Time) (map[int64]int64, error)
}

// Window bounds a query to captures within [Start, End]. Either bound may
// be zero.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) validate() error {
	if !w.Start.IsZero() && !w.End.IsZero() && w.End.Before(w.Start) {
		return apperrors.Newf(apperrors.ErrValidation, http.StatusBadRequest, "window end %s is before start %s",
			w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

func (w Window) key() string {
	return fmt.Sprintf("%d:%d", w.Start.UnixNano(), w.End.UnixNano())
}

type CustomerCount struct {
	CustomerID  int64 `json:"customer_id"`
	Appearances int64 `json:"total_appearances"`
}

// Totals is an aggregation result, sorted by appearances descending and
// then by customer ID.
type Totals struct {
	Customers        []CustomerCount `json:"customers"`
	TotalAppearances int64           `json:"total_appearances"`
	Stores           []string        `json:"stores"`
	Start            *time.Time      `json:"start,omitempty"`
	End              *time.Time      `json:"end,omitempty"`
	ComputedAt       time.Time       `json:"computed_at"`
}

// TotalsCache publishes the running total for readers outside this process.
type TotalsCache interface {
	Save(ctx context.Context, counts map[int64]int64) error
	Load(ctx context.Context) (map[int64]int64, error)
}

type Aggregator struct {
	mu      sync.RWMutex
	sources map[string]Source
	running map[int64]int64

	addMu   sync.Mutex
	flights singleflight.Group
	cache   TotalsCache
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewAggregator creates an empty aggregator. cache and m may be nil.
func NewAggregator(cache TotalsCache, m *metrics.Metrics) *Aggregator {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Aggregator{
		sources: make(map[string]Source),
		running: make(map[int64]int64),
		cache:   cache,
		metrics: m,
		logger:  slog.Default().With("component", "appearance-aggregator"),
	}
}

// AddStore registers src under storeID and folds the store's full history
// into the running total. Adding a store that is already registered changes
// nothing and returns false.
func (a *Aggregator) AddStore(ctx context.Context, storeID string, src Source) (bool, error) {
	if storeID == "" {
		return false, apperrors.New(apperrors.ErrValidation, http.StatusBadRequest, "store id is required")
	}
	a.addMu.Lock()
	defer a.addMu.Unlock()

	a.mu.RLock()
	_, exists := a.sources[storeID]
	a.mu.RUnlock()
	if exists {
		a.logger.Warn("store already added", "store_id", storeID)
		return false, nil
	}

	counts, err := src.AppearanceCounts(ctx, storeID, time.Time{}, time.Time{})
	if err != nil {
		return false, fmt.Errorf("aggregating new store %s: %w", storeID, err)
	}

	a.mu.Lock()
	a.sources[storeID] = src
	for id, n := range counts {
		a.running[id] += n
	}
	snapshot := copyCounts(a.running)
	a.mu.Unlock()

	a.logger.Info("store added", "store_id", storeID, "customers", len(counts))
	a.publish(ctx, snapshot)
	return true, nil
}

func (a *Aggregator) publish(ctx context.Context, counts map[int64]int64) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Save(ctx, counts); err != nil {
		a.logger.Error("failed to publish running totals", "error", err)
	}
}

// Aggregate returns the running total when w is nil. Otherwise it queries
// every registered store for w concurrently and returns a fresh total;
// identical windows requested at the same time share one computation.
func (a *Aggregator) Aggregate(ctx context.Context, w *Window) (Totals, error) {
	if w == nil {
		a.metrics.AggregateQueriesTotal.WithLabelValues("running", "ok").Inc()
		return a.runningTotals(), nil
	}
	if err := w.validate(); err != nil {
		a.metrics.AggregateQueriesTotal.WithLabelValues("window", "invalid").Inc()
		return Totals{}, err
	}
	win := *w
	v, err, shared := a.flights.Do(win.key(), func() (any, error) {
		return a.windowTotals(ctx, win)
	})
	if err != nil {
		a.metrics.AggregateQueriesTotal.WithLabelValues("window", "error").Inc()
		return Totals{}, err
	}
	a.metrics.AggregateQueriesTotal.WithLabelValues("window", "ok").Inc()
	if shared {
		a.logger.Debug("windowed aggregation shared", "window", win.key())
	}
	return v.(Totals), nil
}

func (a *Aggregator) runningTotals() Totals {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return buildTotals(a.running, a.storeIDsLocked(), nil)
}

func (a *Aggregator) windowTotals(ctx context.Context, w Window) (Totals, error) {
	a.mu.RLock()
	sources := make(map[string]Source, len(a.sources))
	for id, s := range a.sources {
		sources[id] = s
	}
	stores := a.storeIDsLocked()
	a.mu.RUnlock()

	var mu sync.Mutex
	merged := make(map[int64]int64)
	g, gctx := errgroup.WithContext(ctx)
	for id, src := range sources {
		g.Go(func() error {
			counts, err := src.AppearanceCounts(gctx, id, w.Start, w.End)
			if err != nil {
				return fmt.Errorf("store %s: %w", id, err)
			}
			mu.Lock()
			for cid, n := range counts {
				merged[cid] += n
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Totals{}, fmt.Errorf("windowed aggregation: %w", err)
	}
	return buildTotals(merged, stores, &w), nil
}

// Stores returns the registered store IDs in sorted order.
func (a *Aggregator) Stores() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.storeIDsLocked()
}

func (a *Aggregator) storeIDsLocked() []string {
	ids := make([]string, 0, len(a.sources))
	for id := range a.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func buildTotals(counts map[int64]int64, stores []string, w *Window) Totals {
	t := Totals{
		Customers:  make([]CustomerCount, 0, len(counts)),
		Stores:     stores,
		ComputedAt: time.Now().UTC(),
	}
	for id, n := range counts {
		t.Customers = append(t.Customers, CustomerCount{CustomerID: id, Appearances: n})
		t.TotalAppearances += n
	}
	sort.Slice(t.Customers, func(i, j int) bool {
		if t.Customers[i].Appearances != t.Customers[j].Appearances {
			return t.Customers[i].Appearances > t.Customers[j].Appearances
		}
		return t.Customers[i].CustomerID < t.Customers[j].CustomerID
	})
	if w != nil {
		if !w.Start.IsZero() {
			s := w.Start.UTC()
			t.Start = &s
		}
		if !w.End.IsZero() {
			e := w.End.UTC()
			t.End = &e
		}
	}
	return t
}

func copyCounts(m map[int64]int64) map[int64]int64 {
	out := make(map[int64]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
