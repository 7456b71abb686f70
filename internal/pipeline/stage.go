package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
	"github.com/olyandrevn/FaceRecognition/pkg/logger"
	"github.com/olyandrevn/FaceRecognition/pkg/metrics"
)

// EmitFunc hands an item to the next stage, blocking while its queue is
// full. It fails only during a forced stop.
type EmitFunc func(*WorkItem) error

// Handler applies one stage's capability to an item. A nil return means
// the item was forwarded through emit or reached a terminal status. A
// returned error dead-letters the item; wrap it with fail to choose the
// cause.
type Handler interface {
	Handle(ctx context.Context, item *WorkItem, emit EmitFunc) error
}

type HandlerFunc func(ctx context.Context, item *WorkItem, emit EmitFunc) error

func (f HandlerFunc) Handle(ctx context.Context, item *WorkItem, emit EmitFunc) error {
	return f(ctx, item, emit)
}

var errShutdown = errors.New("pipeline is shutting down")

// fault is a worker's report of an unexpected failure. The worker blocks on
// reply until the supervisor has decided whether to replace it.
type fault struct {
	stage  *Stage
	worker int
	err    error
	stack  []byte
	reply  chan struct{}
}

// Stage is a bounded input queue drained by a fixed pool of workers that
// all apply the same Handler.
type Stage struct {
	name     string
	in       chan *WorkItem
	out      chan<- *WorkItem
	handler  Handler
	workers  int
	failWith Cause

	sink    *DeadLetterSink
	events  EventSink
	metrics *metrics.Metrics
	tally   *tally
	faults  chan<- fault
	logger  *slog.Logger

	ctx context.Context // cancelled on forced stop

	wg       sync.WaitGroup
	done     chan struct{}
	live     atomic.Int32
	restarts atomic.Int32
	halted   atomic.Bool
	handled  atomic.Uint64
}

type stageParams struct {
	name     string
	capacity int
	workers  int
	handler  Handler
	failWith Cause
}

func newStage(p stageParams, sink *DeadLetterSink, events EventSink, m *metrics.Metrics, t *tally) *Stage {
	return &Stage{
		name:     p.name,
		in:       make(chan *WorkItem, p.capacity),
		handler:  p.handler,
		workers:  p.workers,
		failWith: p.failWith,
		sink:     sink,
		events:   events,
		metrics:  m,
		tally:    t,
		done:     make(chan struct{}),
		logger:   slog.Default().With("component", "stage", "stage", p.name),
	}
}

func (s *Stage) Name() string { return s.name }

// Halted reports whether the stage lost every worker and now only drains
// its queue into the dead-letter sink.
func (s *Stage) Halted() bool { return s.halted.Load() }

// start launches the worker pool and the goroutine that closes the output
// queue once every worker has exited.
func (s *Stage) start(ctx context.Context, faults chan<- fault) {
	s.ctx = ctx
	s.faults = faults
	s.wg.Add(s.workers)
	s.live.Store(int32(s.workers))
	s.metrics.StageWorkers.WithLabelValues(s.name).Set(float64(s.workers))
	for i := 0; i < s.workers; i++ {
		go s.runWorker(i)
	}
	go func() {
		s.wg.Wait()
		if s.out != nil {
			close(s.out)
		}
		close(s.done)
		s.logger.Info("stage stopped", "handled", s.handled.Load())
	}()
	s.logger.Info("stage started", "workers", s.workers, "capacity", cap(s.in))
}

// runWorker pulls items until the input queue is closed and drained, or
// until a fault takes the worker down.
func (s *Stage) runWorker(id int) {
	defer s.wg.Done()
	for item := range s.in {
		s.metrics.QueueDepth.WithLabelValues(s.name).Set(float64(len(s.in)))
		if s.ctx.Err() != nil {
			s.sink.Put(item, s.name, CauseShutdown, errShutdown)
			s.metrics.StageItemsTotal.WithLabelValues(s.name, "dead_lettered").Inc()
			continue
		}
		if f := s.process(id, item); f != nil {
			f.reply = make(chan struct{})
			s.faults <- *f
			<-f.reply
			return
		}
	}
}

func (s *Stage) process(worker int, item *WorkItem) (f *fault) {
	start := time.Now()
	forwarded := false
	ctx := logger.WithItemID(s.ctx, item.ID)

	emit := func(next *WorkItem) error {
		if s.out == nil {
			return fmt.Errorf("%w: stage %s has no output queue", apperrors.ErrInternal, s.name)
		}
		select {
		case s.out <- next:
			if next == item {
				forwarded = true
			}
			return nil
		case <-s.ctx.Done():
			if next != item {
				s.sink.Put(next, s.name, CauseShutdown, errShutdown)
			}
			return errShutdown
		}
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err := fmt.Errorf("%w: panic in %s stage: %v", apperrors.ErrFatal, s.name, r)
		if !forwarded {
			s.sink.Put(item, s.name, CauseInternalFault, err)
		}
		s.metrics.StageItemsTotal.WithLabelValues(s.name, "fault").Inc()
		f = &fault{stage: s, worker: worker, err: err, stack: debug.Stack()}
	}()

	err := s.handler.Handle(ctx, item, emit)
	s.handled.Add(1)
	elapsed := time.Since(start)
	s.metrics.StageDuration.WithLabelValues(s.name).Observe(elapsed.Seconds())

	if err != nil {
		if forwarded {
			logger.FromContext(ctx).Error("handler failed after forwarding item", "stage", s.name, "error", err)
			return nil
		}
		cause := causeOf(err, s.failWith)
		if s.ctx.Err() != nil {
			cause = CauseShutdown
		}
		s.sink.Put(item, s.name, cause, err)
		s.metrics.StageItemsTotal.WithLabelValues(s.name, "dead_lettered").Inc()
		return nil
	}

	status := StatusInFlight
	if !forwarded {
		status = item.Status()
	}
	if !forwarded && !status.Terminal() {
		s.sink.Put(item, s.name, CauseInternalFault,
			fmt.Errorf("%w: %s handler neither forwarded nor finished item", apperrors.ErrInternal, s.name))
		s.metrics.StageItemsTotal.WithLabelValues(s.name, "dead_lettered").Inc()
		return nil
	}
	if status.Terminal() {
		s.tally.record(status)
	}
	s.metrics.StageItemsTotal.WithLabelValues(s.name, "ok").Inc()
	emitEvent(s.events, Event{
		Type:     EventStageCompleted,
		ItemID:   item.ID,
		ParentID: item.ParentID,
		StoreID:  item.StoreID,
		Stage:    s.name,
		Status:   status.String(),
		Duration: float64(elapsed.Microseconds()) / 1000,
	})
	return nil
}

// drainHalted dead-letters everything that still reaches a stage with no
// workers, so upstream stages never block on it.
func (s *Stage) drainHalted() {
	defer s.wg.Done()
	for item := range s.in {
		s.sink.Put(item, s.name, CauseStageHalted, fmt.Errorf("%w: %s", apperrors.ErrStageHalted, s.name))
		s.metrics.StageItemsTotal.WithLabelValues(s.name, "dead_lettered").Inc()
	}
}

// StageStats is a point-in-time view of one stage.
type StageStats struct {
	Name     string `json:"name"`
	QueueLen int    `json:"queue_len"`
	QueueCap int    `json:"queue_cap"`
	Workers  int    `json:"workers"`
	Live     int    `json:"live_workers"`
	Restarts int    `json:"restarts"`
	Halted   bool   `json:"halted"`
	Handled  uint64 `json:"handled"`
}

func (s *Stage) stats() StageStats {
	return StageStats{
		Name:     s.name,
		QueueLen: len(s.in),
		QueueCap: cap(s.in),
		Workers:  s.workers,
		Live:     int(s.live.Load()),
		Restarts: int(s.restarts.Load()),
		Halted:   s.halted.Load(),
		Handled:  s.handled.Load(),
	}
}

// tally counts terminal outcomes other than dead-lettering, which the sink
// counts itself.
type tally struct {
	persisted    atomic.Uint64
	noDetections atomic.Uint64
	fannedOut    atomic.Uint64
}

func (t *tally) record(s Status) {
	switch s {
	case StatusPersisted:
		t.persisted.Add(1)
	case StatusNoDetections:
		t.noDetections.Add(1)
	case StatusFannedOut:
		t.fannedOut.Add(1)
	}
}
