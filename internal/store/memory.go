package store

import (
	"context"
	"sync"
	"time"

	"github.com/olyandrevn/FaceRecognition/internal/pipeline"
)

type appearanceKey struct {
	storeID    string
	sourceRef  string
	capturedAt int64
	box        pipeline.BBox
}

// MemoryStore keeps appearances in process. It has the same idempotency
// rule as PostgresStore and is used for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []pipeline.Record
	seen    map[appearanceKey]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[appearanceKey]struct{})}
}

func (m *MemoryStore) Write(ctx context.Context, rec pipeline.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := appearanceKey{
		storeID:    rec.StoreID,
		sourceRef:  rec.SourceRef,
		capturedAt: rec.CapturedAt.UnixNano(),
		box:        rec.Detection,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return nil
	}
	m.seen[key] = struct{}{}
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) AppearanceCounts(ctx context.Context, storeID string, start, end time.Time) (map[int64]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[int64]int64)
	for _, r := range m.records {
		if r.StoreID != storeID {
			continue
		}
		if !start.IsZero() && r.CapturedAt.Before(start) {
			continue
		}
		if !end.IsZero() && r.CapturedAt.After(end) {
			continue
		}
		counts[r.CustomerID]++
	}
	return counts, nil
}

// Records returns a copy of every stored record in write order.
func (m *MemoryStore) Records() []pipeline.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pipeline.Record, len(m.records))
	copy(out, m.records)
	return out
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
