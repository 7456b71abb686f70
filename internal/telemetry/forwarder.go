// Package telemetry ships pipeline events and dead-letter entries to Kafka
// without ever blocking a stage worker. Records are buffered in a bounded
// channel and flushed in batches; when the buffer is full they are dropped
// and counted.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/olyandrevn/FaceRecognition/pkg/kafka"
	"github.com/olyandrevn/FaceRecognition/pkg/metrics"
)

// Forwarder accumulates records and publishes them with PublishBatch once
// batchSize records are pending or flushInterval has passed.
type Forwarder struct {
	publisher     kafka.Publisher
	records       chan kafka.Event
	batchSize     int
	flushInterval time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	Metrics       *metrics.Metrics
}

func NewForwarder(publisher kafka.Publisher, name string, opts Options) *Forwarder {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	return &Forwarder{
		publisher:     publisher,
		records:       make(chan kafka.Event, opts.BufferSize),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		metrics:       opts.Metrics,
		logger:        slog.Default().With("component", "telemetry-forwarder", "stream", name),
		done:          make(chan struct{}),
	}
}

// Start launches the flush loop. Cancelling ctx or calling Close ends it
// after a final flush of whatever is still buffered.
func (f *Forwarder) Start(ctx context.Context) {
	go f.run(ctx)
	f.logger.Info("telemetry forwarder started",
		"buffer_size", cap(f.records),
		"batch_size", f.batchSize,
		"flush_interval", f.flushInterval,
	)
}

// Track queues a record. It never blocks and returns false when the record
// was dropped.
func (f *Forwarder) Track(key string, value any) (ok bool) {
	defer func() {
		// Track racing with Close sends on a closed channel.
		if recover() != nil {
			ok = false
		}
		if !ok {
			f.metrics.EventsDroppedTotal.Inc()
		}
	}()
	select {
	case f.records <- kafka.Event{Key: key, Value: value}:
		return true
	default:
		return false
	}
}

// Close stops accepting records, flushes the rest and waits for the loop
// to exit.
func (f *Forwarder) Close() {
	f.closeOnce.Do(func() { close(f.records) })
	<-f.done
}

// Buffered returns the number of records waiting in the channel.
func (f *Forwarder) Buffered() int {
	return len(f.records)
}

func (f *Forwarder) run(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()

	pending := make([]kafka.Event, 0, f.batchSize)
	for {
		select {
		case rec, ok := <-f.records:
			if !ok {
				f.final(pending)
				return
			}
			pending = append(pending, rec)
			if len(pending) >= f.batchSize {
				pending = f.flush(ctx, pending)
			}
		case <-ticker.C:
			pending = f.flush(ctx, pending)
		case <-ctx.Done():
		drain:
			for {
				select {
				case rec, ok := <-f.records:
					if !ok {
						break drain
					}
					pending = append(pending, rec)
				default:
					break drain
				}
			}
			f.final(pending)
			return
		}
	}
}

func (f *Forwarder) final(pending []kafka.Event) {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rest := f.flush(flushCtx, pending); len(rest) > 0 {
		f.metrics.EventsDroppedTotal.Add(float64(len(rest)))
		f.logger.Warn("telemetry records lost on shutdown", "count", len(rest))
	}
}

// flush publishes pending and returns what is left to retry. Failed
// batches are kept up to three batches' worth; the oldest beyond that are
// dropped.
func (f *Forwarder) flush(ctx context.Context, pending []kafka.Event) []kafka.Event {
	if len(pending) == 0 {
		return pending
	}
	if err := f.publisher.PublishBatch(ctx, pending); err != nil {
		f.logger.Error("batch flush failed", "batch_size", len(pending), "error", err)
		if limit := f.batchSize * 3; len(pending) > limit {
			dropped := len(pending) - limit
			pending = pending[dropped:]
			f.metrics.EventsDroppedTotal.Add(float64(dropped))
			f.logger.Warn("retry buffer overflow, records dropped", "dropped", dropped)
		}
		return pending
	}
	f.metrics.EventsPublishedTotal.Add(float64(len(pending)))
	f.logger.Debug("batch flushed", "records", len(pending))
	return make([]kafka.Event, 0, f.batchSize)
}
