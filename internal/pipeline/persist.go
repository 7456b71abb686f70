package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
	"github.com/olyandrevn/FaceRecognition/pkg/metrics"
	"github.com/olyandrevn/FaceRecognition/pkg/resilience"
)

// persistHandler writes the appearance record, retrying transient store
// failures with exponential backoff behind a circuit breaker.
type persistHandler struct {
	store   Store
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	timeout time.Duration
	events  EventSink
	metrics *metrics.Metrics
}

func (h *persistHandler) Handle(ctx context.Context, item *WorkItem, _ EmitFunc) error {
	rec := NewRecord(item)
	cfg := h.retry
	cfg.ShouldRetry = retryablePersistError
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		h.metrics.PersistRetriesTotal.Inc()
		emitEvent(h.events, Event{
			Type:     EventPersistRetry,
			ItemID:   item.ID,
			ParentID: item.ParentID,
			StoreID:  item.StoreID,
			Stage:    StagePersist,
			Attempt:  attempt,
			Error:    err.Error(),
		})
	}

	err := resilience.Retry(ctx, "store.write", cfg, func() error {
		return h.breaker.Execute(func() error {
			return resilience.WithTimeout(ctx, h.timeout, "store.write", func(ctx context.Context) error {
				return h.store.Write(ctx, rec)
			})
		})
	})
	if err != nil {
		return fail(CausePersist, fmt.Errorf("writing record for item %d: %w", item.ID, err))
	}
	item.finish(StatusPersisted)
	return nil
}

// retryablePersistError reports whether another write attempt could
// succeed.
func retryablePersistError(err error) bool {
	switch {
	case apperrors.IsTransient(err):
		return true
	case errors.Is(err, resilience.ErrCircuitOpen):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// breakerFailure counts only failures that suggest the store itself is
// unhealthy.
func breakerFailure(err error) bool {
	return apperrors.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}
