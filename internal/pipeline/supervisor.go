// Package pipeline is the concurrent face-processing core. Items admitted
// through the Gate flow through four bounded stages (preprocess, detect,
// recognize, persist), each a fixed worker pool. The Pipeline supervises the
// pools, restarting faulted workers within a budget, and owns the
// dead-letter sink that records every unsuccessful outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olyandrevn/FaceRecognition/internal/ingestion"
	"github.com/olyandrevn/FaceRecognition/pkg/config"
	"github.com/olyandrevn/FaceRecognition/pkg/health"
	"github.com/olyandrevn/FaceRecognition/pkg/metrics"
	"github.com/olyandrevn/FaceRecognition/pkg/resilience"
)

// Stage names, in pipeline order.
const (
	StagePreprocess = "preprocess"
	StageDetect     = "detect"
	StageRecognize  = "recognize"
	StagePersist    = "persist"
)

// State is the supervisor's view of the whole pipeline.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDegraded
	StateHalted
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateHalted:
		return "halted"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Deps are the optional collaborators of a Pipeline. Nil fields get no-op
// implementations.
type Deps struct {
	Events     EventSink
	DeadLetter DeadLetterPublisher
	Metrics    *metrics.Metrics
}

// Pipeline wires the stages together and supervises their workers.
type Pipeline struct {
	cfg     config.PipelineConfig
	stages  []*Stage
	gate    *Gate
	sink    *DeadLetterSink
	breaker *resilience.CircuitBreaker
	events  EventSink
	metrics *metrics.Metrics
	tally   *tally
	ids     atomic.Uint64
	logger  *slog.Logger

	faults   chan fault
	hardCtx  context.Context
	hardStop context.CancelFunc

	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// New validates caps and builds a pipeline from cfg. Call Start before
// admitting work.
func New(cfg config.PipelineConfig, caps Capabilities, deps Deps) (*Pipeline, error) {
	if err := caps.validate(); err != nil {
		return nil, err
	}
	policy := UnknownPolicy(cfg.UnknownPolicy)
	switch policy {
	case "":
		policy = UnknownForward
	case UnknownForward, UnknownDeadLetter:
	default:
		return nil, fmt.Errorf("unknown identity policy %q", cfg.UnknownPolicy)
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}

	p := &Pipeline{
		cfg:     cfg,
		events:  deps.Events,
		metrics: deps.Metrics,
		tally:   &tally{},
		faults:  make(chan fault),
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "pipeline-supervisor"),
	}
	p.sink = NewDeadLetterSink(deps.DeadLetter, deps.Events, deps.Metrics)
	p.breaker = resilience.NewCircuitBreaker("store", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		IsFailure:        breakerFailure,
		OnStateChange: func(name string, _, to resilience.State) {
			deps.Metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})

	maxAttempts := cfg.MaxPersistRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	handlers := []stageParams{
		{
			name:     StagePreprocess,
			handler:  &preprocessHandler{loader: caps.Loader, preprocessor: caps.Preprocessor, timeout: cfg.CapabilityTimeout},
			failWith: CauseImageLoad,
		},
		{
			name:     StageDetect,
			handler:  &detectHandler{detector: caps.Detector, extractor: caps.Extractor, ids: &p.ids, timeout: cfg.CapabilityTimeout, metrics: deps.Metrics},
			failWith: CauseDetection,
		},
		{
			name: StageRecognize,
			handler: &recognizeHandler{
				recognizer: caps.Recognizer,
				threshold:  cfg.ConfidenceThreshold,
				policy:     policy,
				timeout:    cfg.CapabilityTimeout,
				metrics:    deps.Metrics,
			},
			failWith: CauseRecognition,
		},
		{
			name: StagePersist,
			handler: &persistHandler{
				store:   caps.Store,
				breaker: p.breaker,
				retry: resilience.RetryConfig{
					MaxAttempts:    maxAttempts,
					InitialDelay:   cfg.BackoffBase,
					MaxDelay:       cfg.BackoffMax,
					Multiplier:     2,
					JitterFraction: 0.1,
				},
				timeout: cfg.CapabilityTimeout,
				events:  deps.Events,
				metrics: deps.Metrics,
			},
			failWith: CausePersist,
		},
	}
	for _, sp := range handlers {
		sc := cfg.Stage(sp.name)
		sp.capacity, sp.workers = sc.Capacity, sc.Workers
		p.stages = append(p.stages, newStage(sp, p.sink, deps.Events, deps.Metrics, p.tally))
	}
	for i := 0; i < len(p.stages)-1; i++ {
		p.stages[i].out = p.stages[i+1].in
	}
	p.gate = newGate(p.stages[0], &p.ids, deps.Events, deps.Metrics)
	return p, nil
}

func (c Capabilities) validate() error {
	var missing []string
	if c.Loader == nil {
		missing = append(missing, "loader")
	}
	if c.Preprocessor == nil {
		missing = append(missing, "preprocessor")
	}
	if c.Detector == nil {
		missing = append(missing, "detector")
	}
	if c.Extractor == nil {
		missing = append(missing, "extractor")
	}
	if c.Recognizer == nil {
		missing = append(missing, "recognizer")
	}
	if c.Store == nil {
		missing = append(missing, "store")
	}
	if len(missing) > 0 {
		return fmt.Errorf("pipeline capabilities missing: %v", missing)
	}
	return nil
}

// Start launches every stage and the supervisor loop. Cancelling ctx has
// the same effect as a forced stop.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline already started")
	}
	p.hardCtx, p.hardStop = context.WithCancel(ctx)
	for _, s := range p.stages {
		s.start(p.hardCtx, p.faults)
	}
	go p.supervise()
	go func() {
		select {
		case <-p.hardCtx.Done():
			p.beginDrain("context cancelled")
		case <-p.done:
		}
	}()
	p.gate.start(p.hardCtx.Done())
	p.publishState()
	p.logger.Info("pipeline started",
		"stages", len(p.stages),
		"restart_limit", p.cfg.RestartLimit,
		"max_persist_retries", p.cfg.MaxPersistRetries,
	)
	return nil
}

// Admit is the ingestion entry point; see Gate.Admit.
func (p *Pipeline) Admit(ctx context.Context, req ingestion.AdmitRequest) (uint64, error) {
	return p.gate.Admit(ctx, req)
}

// Stop drains the pipeline: no new admissions are accepted and every
// queued item is processed. If ctx ends first, remaining items are
// dead-lettered with CauseShutdown instead, and Stop returns ctx's error
// once the pipeline has emptied.
func (p *Pipeline) Stop(ctx context.Context) error {
	if !p.started.Load() {
		p.stopOnce.Do(func() {
			p.stopping.Store(true)
			close(p.done)
		})
		return nil
	}
	p.beginDrain("stop requested")
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("drain deadline reached, forcing stop", "reason", ctx.Err())
		p.hardStop()
		<-p.done
		return fmt.Errorf("forced stop: %w", ctx.Err())
	}
}

// beginDrain closes the gate once, which starts the close cascade through
// every stage.
func (p *Pipeline) beginDrain(reason string) {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)
		p.publishState()
		p.logger.Info("pipeline draining", "reason", reason)
		go p.gate.close()
	})
}

// Done is closed once every stage has exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// DeadLetters returns the pipeline's dead-letter sink.
func (p *Pipeline) DeadLetters() *DeadLetterSink { return p.sink }

// supervise is the single goroutine that reacts to worker faults. It exits
// once the last stage has finished.
func (p *Pipeline) supervise() {
	last := p.stages[len(p.stages)-1]
	defer func() {
		p.hardStop()
		close(p.done)
		p.publishState()
		p.logger.Info("pipeline stopped", "stats", p.Stats())
	}()
	for {
		select {
		case f := <-p.faults:
			p.handleFault(f)
		case <-last.done:
			return
		}
	}
}

func (p *Pipeline) handleFault(f fault) {
	s := f.stage
	defer close(f.reply)
	s.live.Add(-1)
	p.logger.Error("worker fault",
		"stage", s.name,
		"worker", f.worker,
		"error", f.err,
		"stack", string(f.stack),
	)

	if int(s.restarts.Load()) < p.cfg.RestartLimit {
		s.restarts.Add(1)
		s.live.Add(1)
		s.wg.Add(1)
		go s.runWorker(f.worker)
		p.metrics.WorkerRestartsTotal.WithLabelValues(s.name).Inc()
		emitEvent(p.events, Event{Type: EventWorkerRestarted, Stage: s.name, Attempt: int(s.restarts.Load()), Error: f.err.Error()})
		p.logger.Warn("worker restarted", "stage", s.name, "worker", f.worker, "restarts", s.restarts.Load())
		return
	}

	live := s.live.Load()
	p.metrics.StageWorkers.WithLabelValues(s.name).Set(float64(live))
	if live > 0 {
		p.logger.Error("restart budget exhausted, stage degraded", "stage", s.name, "live_workers", live)
		p.publishState()
		return
	}
	s.halted.Store(true)
	s.wg.Add(1)
	go s.drainHalted()
	emitEvent(p.events, Event{Type: EventStageHalted, Stage: s.name, Error: f.err.Error()})
	p.logger.Error("stage halted, queued items will be dead-lettered", "stage", s.name)
	p.publishState()
}

// State reports the pipeline's lifecycle state.
func (p *Pipeline) State() State {
	select {
	case <-p.done:
		return StateStopped
	default:
	}
	if !p.started.Load() {
		return StateIdle
	}
	if p.stopping.Load() {
		return StateStopping
	}
	state := StateRunning
	for _, s := range p.stages {
		if s.Halted() {
			return StateHalted
		}
		if int(s.live.Load()) < s.workers {
			state = StateDegraded
		}
	}
	return state
}

func (p *Pipeline) publishState() {
	p.metrics.PipelineState.Set(float64(p.State()))
}

// Stats is a snapshot of outcome counters and per-stage state.
type Stats struct {
	State        string       `json:"state"`
	Admitted     uint64       `json:"admitted"`
	Persisted    uint64       `json:"persisted"`
	NoDetections uint64       `json:"no_detections"`
	FannedOut    uint64       `json:"fanned_out"`
	DeadLettered int          `json:"dead_lettered"`
	Breaker      string       `json:"store_breaker"`
	Stages       []StageStats `json:"stages"`
}

func (p *Pipeline) Stats() Stats {
	st := Stats{
		State:        p.State().String(),
		Persisted:    p.tally.persisted.Load(),
		NoDetections: p.tally.noDetections.Load(),
		FannedOut:    p.tally.fannedOut.Load(),
		DeadLettered: p.sink.Len(),
		Breaker:      p.breaker.State().String(),
	}
	for _, s := range p.stages {
		st.Stages = append(st.Stages, s.stats())
	}
	st.Admitted = p.gate.admitted.Load()
	return st
}

// HealthCheck maps the pipeline state onto a readiness probe: degraded
// stays ready, halted and stopped do not.
func (p *Pipeline) HealthCheck() health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		switch st := p.State(); st {
		case StateRunning:
			return health.ComponentHealth{Status: health.StatusUp}
		case StateDegraded:
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "stage running below configured worker count"}
		default:
			return health.ComponentHealth{Status: health.StatusDown, Message: "pipeline " + st.String()}
		}
	}
}

// WaitIdle blocks until every admitted item has reached a terminal status
// or ctx ends. It polls, so it is meant for tests and operational tooling.
func (p *Pipeline) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.inFlight() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// inFlight counts items not yet terminal. Each fanned-out parent adds its
// children to the population, so children are counted via the ID counter.
func (p *Pipeline) inFlight() int64 {
	created := int64(p.ids.Load()) - int64(p.gate.abandoned.Load())
	finished := int64(p.tally.persisted.Load()+p.tally.noDetections.Load()+p.tally.fannedOut.Load()) + int64(p.sink.Len())
	return created - finished
}
