package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/olyandrevn/FaceRecognition/internal/ingestion"
	"github.com/olyandrevn/FaceRecognition/internal/ingestion/validator"
	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
	"github.com/olyandrevn/FaceRecognition/pkg/metrics"
)

// Gate validates admission requests and feeds the first stage. Closing the
// gate waits for admissions already past validation and then closes the
// first stage's queue, which starts the drain cascade.
type Gate struct {
	first   *Stage
	ids     *atomic.Uint64
	events  EventSink
	metrics *metrics.Metrics
	logger  *slog.Logger

	admitted  atomic.Uint64
	abandoned atomic.Uint64

	mu       sync.Mutex
	open     bool
	closed   bool
	inflight sync.WaitGroup
	hardStop <-chan struct{}
}

func newGate(first *Stage, ids *atomic.Uint64, events EventSink, m *metrics.Metrics) *Gate {
	return &Gate{
		first:   first,
		ids:     ids,
		events:  events,
		metrics: m,
		logger:  slog.Default().With("component", "ingestion-gate"),
	}
}

// Admit validates req, assigns the next item ID and enqueues the item,
// blocking while the first stage's queue is full. Invalid requests fail
// with a *validator.ValidationError before any ID is assigned. A cancelled
// ctx abandons the admission; the assigned ID is then never used.
func (g *Gate) Admit(ctx context.Context, req ingestion.AdmitRequest) (uint64, error) {
	capturedAt, err := validator.ValidateAdmitRequest(&req)
	if err != nil {
		g.metrics.AdmissionsRejected.WithLabelValues("validation").Inc()
		return 0, err
	}

	g.mu.Lock()
	switch {
	case !g.open:
		g.mu.Unlock()
		g.metrics.AdmissionsRejected.WithLabelValues("not_started").Inc()
		return 0, fmt.Errorf("%w: pipeline not started", apperrors.ErrPipelineStopped)
	case g.closed:
		g.mu.Unlock()
		g.metrics.AdmissionsRejected.WithLabelValues("stopped").Inc()
		return 0, apperrors.ErrPipelineStopped
	case g.first.Halted():
		g.mu.Unlock()
		g.metrics.AdmissionsRejected.WithLabelValues("halted").Inc()
		return 0, fmt.Errorf("%w: %s", apperrors.ErrStageHalted, g.first.name)
	}
	g.inflight.Add(1)
	hardStop := g.hardStop
	g.mu.Unlock()
	defer g.inflight.Done()

	item := newItem(g.ids.Add(1), req.StoreID, capturedAt, req.SourceRef)
	select {
	case g.first.in <- item:
	case <-ctx.Done():
		g.abandoned.Add(1)
		g.metrics.AdmissionsRejected.WithLabelValues("cancelled").Inc()
		return 0, fmt.Errorf("admitting %s: %w", req.SourceRef, ctx.Err())
	case <-hardStop:
		g.abandoned.Add(1)
		g.metrics.AdmissionsRejected.WithLabelValues("stopped").Inc()
		return 0, apperrors.ErrPipelineStopped
	}

	g.admitted.Add(1)
	g.metrics.ItemsAdmittedTotal.Inc()
	g.metrics.QueueDepth.WithLabelValues(g.first.name).Set(float64(len(g.first.in)))
	emitEvent(g.events, Event{
		Type:      EventAdmitted,
		ItemID:    item.ID,
		StoreID:   item.StoreID,
		Stage:     g.first.name,
		Status:    StatusInFlight.String(),
		Timestamp: item.AdmittedAt,
	})
	g.logger.Debug("item admitted", "item_id", item.ID, "store_id", item.StoreID, "source_ref", item.SourceRef)
	return item.ID, nil
}

func (g *Gate) start(hardStop <-chan struct{}) {
	g.mu.Lock()
	g.open = true
	g.hardStop = hardStop
	g.mu.Unlock()
}

// close stops new admissions, waits for in-progress ones, then closes the
// first stage's input queue. It is safe to call more than once.
func (g *Gate) close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()
	g.inflight.Wait()
	close(g.first.in)
}
