package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/olyandrevn/FaceRecognition/internal/ingestion"
	"github.com/olyandrevn/FaceRecognition/internal/ingestion/validator"
	"github.com/olyandrevn/FaceRecognition/pkg/config"
	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		InputQueueCapacity:      4,
		WorkersPerStage:         2,
		MaxPersistRetries:       5,
		BackoffBase:             time.Millisecond,
		BackoffMax:              5 * time.Millisecond,
		RestartLimit:            2,
		CapabilityTimeout:       time.Second,
		ConfidenceThreshold:     0.5,
		UnknownPolicy:           "forward",
		BreakerFailureThreshold: 100,
		BreakerResetTimeout:     time.Second,
	}
}

type memStore struct {
	mu      sync.Mutex
	records map[uint64]Record
	writes  int
	failFn  func(attempt int, rec Record) error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[uint64]Record)}
}

func (s *memStore) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failFn != nil {
		if err := s.failFn(s.writes, rec); err != nil {
			return err
		}
	}
	s.records[rec.ItemID] = rec
	return nil
}

func (s *memStore) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Emit(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// boxesAt returns one 10x10 box per x offset. The fake recognizer reports
// the crop's left edge as the customer ID, so boxesAt(5, 7) recognizes
// customers 5 and 7.
func boxesAt(xs ...int) []BBox {
	out := make([]BBox, 0, len(xs))
	for _, x := range xs {
		out = append(out, BBox{X1: x, Y1: 0, X2: x + 10, Y2: 10})
	}
	return out
}

type fixture struct {
	caps   Capabilities
	store  *memStore
	events *eventLog
	boxes  func(ref string) ([]BBox, error)
}

func newFixture() *fixture {
	f := &fixture{store: newMemStore(), events: &eventLog{}}
	f.boxes = func(string) ([]BBox, error) { return boxesAt(1), nil }
	f.caps = Capabilities{
		Loader: ImageLoaderFunc(func(_ context.Context, ref string) (image.Image, error) {
			if strings.HasPrefix(ref, "missing/") {
				return nil, apperrors.Permanent(fmt.Errorf("open %s: no such file", ref))
			}
			return image.NewRGBA(image.Rect(0, 0, 100, 100)), nil
		}),
		Preprocessor: PreprocessorFunc(func(_ context.Context, img image.Image) (image.Image, error) {
			return img, nil
		}),
		Extractor: ExtractorFunc(func(_ context.Context, img image.Image, box BBox) (image.Image, error) {
			return img.(*image.RGBA).SubImage(box.Rect()), nil
		}),
		Recognizer: RecognizerFunc(func(_ context.Context, face image.Image) (Identity, error) {
			return Identity{CustomerID: int64(face.Bounds().Min.X), Confidence: 0.9, Known: true}, nil
		}),
		Store: f.store,
	}
	return f
}

// start builds and starts a pipeline whose detector consults f.boxes with
// the item's source ref, carried through the fake loader as image bounds.
func (f *fixture) start(tb testing.TB, cfg config.PipelineConfig) *Pipeline {
	tb.Helper()
	refs := &sync.Map{}
	loader := f.caps.Loader
	f.caps.Loader = ImageLoaderFunc(func(ctx context.Context, ref string) (image.Image, error) {
		img, err := loader.Load(ctx, ref)
		if err == nil {
			refs.Store(img, ref)
		}
		return img, err
	})
	if f.caps.Detector == nil {
		f.caps.Detector = DetectorFunc(func(_ context.Context, img image.Image) ([]BBox, error) {
			ref, _ := refs.Load(img)
			s, _ := ref.(string)
			return f.boxes(s)
		})
	}
	p, err := New(cfg, f.caps, Deps{Events: f.events})
	if err != nil {
		tb.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		tb.Fatalf("Start: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p
}

func admit(t *testing.T, p *Pipeline, ref string) uint64 {
	t.Helper()
	id, err := p.Admit(context.Background(), ingestion.AdmitRequest{
		SourceRef:        ref,
		StoreID:          "store_001",
		CaptureTimestamp: "2024-11-26T10:05:00",
	})
	if err != nil {
		t.Fatalf("Admit(%s): %v", ref, err)
	}
	return id
}

func waitIdle(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.WaitIdle(ctx); err != nil {
		t.Fatalf("pipeline did not go idle: %v (stats %+v)", err, p.Stats())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestTwoFacesPersistedWithSharedMetadata(t *testing.T) {
	f := newFixture()
	f.boxes = func(string) ([]BBox, error) { return boxesAt(5, 7), nil }
	p := f.start(t, testConfig())

	parent := admit(t, p, "cam1/frame.jpg")
	waitIdle(t, p)

	recs := f.store.all()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	want := time.Date(2024, 11, 26, 10, 5, 0, 0, time.UTC)
	seen := map[int64]bool{}
	for _, r := range recs {
		seen[r.CustomerID] = true
		if r.StoreID != "store_001" || !r.CapturedAt.Equal(want) || r.SourceRef != "cam1/frame.jpg" {
			t.Errorf("record metadata = %+v", r)
		}
		if r.ParentID != parent || r.ItemID <= parent {
			t.Errorf("record %d parent = %d, want child of %d", r.ItemID, r.ParentID, parent)
		}
	}
	if !seen[5] || !seen[7] {
		t.Errorf("customers = %v, want 5 and 7", seen)
	}
	if n := p.DeadLetters().Len(); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
	st := p.Stats()
	if st.Persisted != 2 || st.FannedOut != 1 || st.Admitted != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestFanOutProducesOneRecognitionPerBox(t *testing.T) {
	for _, k := range []int{1, 3, 8} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			f := newFixture()
			xs := make([]int, k)
			for i := range xs {
				xs[i] = i * 10
			}
			f.boxes = func(string) ([]BBox, error) { return boxesAt(xs...), nil }
			var recognitions atomic.Int32
			rec := f.caps.Recognizer
			f.caps.Recognizer = RecognizerFunc(func(ctx context.Context, face image.Image) (Identity, error) {
				recognitions.Add(1)
				return rec.Recognize(ctx, face)
			})
			p := f.start(t, testConfig())

			admit(t, p, "cam/a.jpg")
			waitIdle(t, p)
			if got := int(recognitions.Load()); got != k {
				t.Errorf("recognitions = %d, want %d", got, k)
			}
			if got := len(f.store.all()); got != k {
				t.Errorf("records = %d, want %d", got, k)
			}
		})
	}
}

func TestZeroDetectionsIsTerminalWithoutDeadLetter(t *testing.T) {
	f := newFixture()
	f.boxes = func(string) ([]BBox, error) { return nil, nil }
	p := f.start(t, testConfig())

	admit(t, p, "cam1/empty.jpg")
	waitIdle(t, p)

	if n := len(f.store.all()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
	if n := p.DeadLetters().Len(); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
	if st := p.Stats(); st.NoDetections != 1 {
		t.Errorf("no_detections = %d, want 1", st.NoDetections)
	}
}

func TestImageLoadFailureDeadLettersAndKeepsRunning(t *testing.T) {
	f := newFixture()
	p := f.start(t, testConfig())

	bad := admit(t, p, "missing/gone.jpg")
	waitIdle(t, p)

	entries := p.DeadLetters().Entries()
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Cause != CauseImageLoad || e.Item.ID != bad || e.Stage != StagePreprocess {
		t.Errorf("entry = %+v", e)
	}
	if p.State() != StateRunning {
		t.Errorf("state = %s, want running", p.State())
	}

	admit(t, p, "cam1/ok.jpg")
	waitIdle(t, p)
	if n := len(f.store.all()); n != 1 {
		t.Errorf("records after recovery = %d, want 1", n)
	}
}

func TestTransientPersistFailureRetriedThenPersistedOnce(t *testing.T) {
	f := newFixture()
	f.store.failFn = func(attempt int, _ Record) error {
		if attempt <= 2 {
			return apperrors.Transient(errors.New("connection reset"))
		}
		return nil
	}
	p := f.start(t, testConfig())

	admit(t, p, "cam1/a.jpg")
	waitIdle(t, p)

	if n := len(f.store.all()); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
	if f.store.writes != 3 {
		t.Errorf("writes = %d, want 3", f.store.writes)
	}
	if n := p.DeadLetters().Len(); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
	if n := f.events.count(EventPersistRetry); n != 2 {
		t.Errorf("retry events = %d, want 2", n)
	}
}

func TestPersistFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantWrites int
	}{
		{"transient exhausts retries", apperrors.Transient(errors.New("timeout")), 5},
		{"permanent not retried", apperrors.Permanent(errors.New("constraint violation")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.store.failFn = func(int, Record) error { return tt.err }
			p := f.start(t, testConfig())

			admit(t, p, "cam1/a.jpg")
			waitIdle(t, p)

			if f.store.writes != tt.wantWrites {
				t.Errorf("writes = %d, want %d", f.store.writes, tt.wantWrites)
			}
			entries := p.DeadLetters().Entries()
			if len(entries) != 1 || entries[0].Cause != CausePersist {
				t.Fatalf("entries = %+v, want one persist_failure", entries)
			}
			if entries[0].Item.Detection == nil {
				t.Error("persist dead letter should carry the detection")
			}
		})
	}
}

func TestExtractorFailurePreservesEarlierSiblings(t *testing.T) {
	f := newFixture()
	f.boxes = func(string) ([]BBox, error) { return boxesAt(5, 7, 9), nil }
	extract := f.caps.Extractor
	f.caps.Extractor = ExtractorFunc(func(ctx context.Context, img image.Image, box BBox) (image.Image, error) {
		if box.X1 == 7 {
			return nil, errors.New("crop out of bounds")
		}
		return extract.Extract(ctx, img, box)
	})
	p := f.start(t, testConfig())

	parent := admit(t, p, "cam1/a.jpg")
	waitIdle(t, p)

	recs := f.store.all()
	if len(recs) != 1 || recs[0].CustomerID != 5 {
		t.Errorf("records = %+v, want only customer 5", recs)
	}
	entries := p.DeadLetters().Entries()
	if len(entries) != 1 || entries[0].Item.ID != parent || entries[0].Cause != CauseDetection {
		t.Errorf("entries = %+v, want parent with detection_failure", entries)
	}
}

func TestDetectorFailure(t *testing.T) {
	f := newFixture()
	f.boxes = func(string) ([]BBox, error) { return nil, errors.New("model unavailable") }
	p := f.start(t, testConfig())

	admit(t, p, "cam1/a.jpg")
	waitIdle(t, p)

	if got := p.DeadLetters().CountByCause()[CauseDetection]; got != 1 {
		t.Errorf("detection failures = %d, want 1", got)
	}
}

func TestRecognition(t *testing.T) {
	tests := []struct {
		name       string
		policy     string
		identity   Identity
		err        error
		wantRecord *int64
		wantCause  Cause
	}{
		{"known", "forward", Identity{CustomerID: 42, Confidence: 0.95, Known: true}, nil, ptr(int64(42)), ""},
		{"unknown forwarded", "forward", Identity{Known: false, Confidence: 0.2}, nil, ptr(UnknownCustomerID), ""},
		{"low confidence forwarded", "forward", Identity{CustomerID: 42, Confidence: 0.3, Known: true}, nil, ptr(UnknownCustomerID), ""},
		{"unknown dead-lettered", "dead_letter", Identity{Known: false}, nil, nil, CauseUnrecognized},
		{"invocation failure", "forward", Identity{}, errors.New("rpc unavailable"), nil, CauseRecognition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.caps.Recognizer = RecognizerFunc(func(context.Context, image.Image) (Identity, error) {
				return tt.identity, tt.err
			})
			cfg := testConfig()
			cfg.UnknownPolicy = tt.policy
			p := f.start(t, cfg)

			admit(t, p, "cam1/a.jpg")
			waitIdle(t, p)

			recs := f.store.all()
			if tt.wantRecord != nil {
				if len(recs) != 1 || recs[0].CustomerID != *tt.wantRecord {
					t.Errorf("records = %+v, want customer %d", recs, *tt.wantRecord)
				}
				return
			}
			if len(recs) != 0 {
				t.Errorf("records = %+v, want none", recs)
			}
			if got := p.DeadLetters().CountByCause()[tt.wantCause]; got != 1 {
				t.Errorf("%s entries = %d, want 1", tt.wantCause, got)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

// ---------------------------------------------------------------------------
// Gate
// ---------------------------------------------------------------------------

func TestAdmitValidationHasNoSideEffects(t *testing.T) {
	f := newFixture()
	p := f.start(t, testConfig())

	_, err := p.Admit(context.Background(), ingestion.AdmitRequest{StoreID: "store_001"})
	var verr *validator.ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if st := p.Stats(); st.Admitted != 0 {
		t.Errorf("admitted = %d, want 0", st.Admitted)
	}
	if f.events.count(EventAdmitted) != 0 {
		t.Error("rejected admission emitted an event")
	}
	if id := admit(t, p, "cam1/a.jpg"); id != 1 {
		t.Errorf("first valid id = %d, want 1", id)
	}
}

func TestAdmitTrimsIdentifiers(t *testing.T) {
	f := newFixture()
	p := f.start(t, testConfig())

	if _, err := p.Admit(context.Background(), ingestion.AdmitRequest{
		SourceRef:        "  cam1/a.jpg ",
		StoreID:          " store_001\t",
		CaptureTimestamp: "2024-11-26T10:05:00",
	}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	waitIdle(t, p)

	recs := f.store.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1 (dead letters %v)", len(recs), p.DeadLetters().CountByCause())
	}
	if recs[0].SourceRef != "cam1/a.jpg" || recs[0].StoreID != "store_001" {
		t.Errorf("record = %q/%q, want trimmed cam1/a.jpg/store_001", recs[0].SourceRef, recs[0].StoreID)
	}
}

func TestAdmitAssignsIncreasingIDs(t *testing.T) {
	f := newFixture()
	p := f.start(t, testConfig())

	var last uint64
	for i := 0; i < 5; i++ {
		id := admit(t, p, fmt.Sprintf("cam/%d.jpg", i))
		if id <= last {
			t.Errorf("id %d not greater than %d", id, last)
		}
		last = id
	}
	waitIdle(t, p)
}

func TestAdmitBeforeStartAndAfterStop(t *testing.T) {
	f := newFixture()
	f.caps.Detector = DetectorFunc(func(context.Context, image.Image) ([]BBox, error) { return nil, nil })
	p, err := New(testConfig(), f.caps, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	req := ingestion.AdmitRequest{SourceRef: "a.jpg", StoreID: "s", CaptureTimestamp: "2024-11-26T10:05:00"}
	if _, err := p.Admit(context.Background(), req); !errors.Is(err, apperrors.ErrPipelineStopped) {
		t.Errorf("before start: err = %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := p.Admit(context.Background(), req); !errors.Is(err, apperrors.ErrPipelineStopped) {
		t.Errorf("after stop: err = %v", err)
	}
	if p.State() != StateStopped {
		t.Errorf("state = %s, want stopped", p.State())
	}
}

func TestNewRejectsMissingCapabilities(t *testing.T) {
	if _, err := New(testConfig(), Capabilities{}, Deps{}); err == nil {
		t.Error("expected error for empty capabilities")
	}
}

// ---------------------------------------------------------------------------
// Backpressure
// ---------------------------------------------------------------------------

func TestBackpressureBoundsQueue(t *testing.T) {
	f := newFixture()
	release := make(chan struct{})
	picked := make(chan struct{}, 16)
	f.caps.Loader = ImageLoaderFunc(func(ctx context.Context, ref string) (image.Image, error) {
		picked <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return image.NewRGBA(image.Rect(0, 0, 20, 20)), nil
	})
	cfg := testConfig()
	cfg.Stages = map[string]config.StageConfig{StagePreprocess: {Capacity: 2, Workers: 1}}
	p := f.start(t, cfg)

	admit(t, p, "cam/0.jpg")
	<-picked
	admit(t, p, "cam/1.jpg")
	admit(t, p, "cam/2.jpg")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Admit(ctx, ingestion.AdmitRequest{SourceRef: "cam/3.jpg", StoreID: "s", CaptureTimestamp: "2024-11-26T10:05:00"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("admit into full queue: err = %v, want DeadlineExceeded", err)
	}
	pre := p.Stats().Stages[0]
	if pre.QueueLen > pre.QueueCap || pre.QueueCap != 2 {
		t.Errorf("queue %d/%d exceeds bound", pre.QueueLen, pre.QueueCap)
	}

	close(release)
	waitIdle(t, p)
	if n := len(f.store.all()); n != 3 {
		t.Errorf("records = %d, want 3", n)
	}
}

// ---------------------------------------------------------------------------
// Supervision
// ---------------------------------------------------------------------------

func TestWorkerPanicIsDeadLetteredAndRestarted(t *testing.T) {
	f := newFixture()
	f.boxes = func(ref string) ([]BBox, error) {
		if ref == "cam/panic.jpg" {
			panic("detector segfault")
		}
		return boxesAt(1), nil
	}
	p := f.start(t, testConfig())

	admit(t, p, "cam/panic.jpg")
	waitIdle(t, p)
	waitFor(t, "restart", func() bool { return f.events.count(EventWorkerRestarted) == 1 })

	if got := p.DeadLetters().CountByCause()[CauseInternalFault]; got != 1 {
		t.Errorf("internal faults = %d, want 1", got)
	}
	if p.State() != StateRunning {
		t.Errorf("state = %s, want running", p.State())
	}
	if got := p.Stats().Stages[1].Restarts; got != 1 {
		t.Errorf("detect restarts = %d, want 1", got)
	}

	admit(t, p, "cam/ok.jpg")
	waitIdle(t, p)
	if n := len(f.store.all()); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestStageDegradesThenHaltsWhenBudgetExhausted(t *testing.T) {
	f := newFixture()
	f.caps.Loader = ImageLoaderFunc(func(context.Context, string) (image.Image, error) {
		panic("decoder bug")
	})
	cfg := testConfig()
	cfg.RestartLimit = 0
	cfg.Stages = map[string]config.StageConfig{StagePreprocess: {Workers: 2}}
	p := f.start(t, cfg)

	admit(t, p, "cam/1.jpg")
	waitFor(t, "degraded", func() bool { return p.State() == StateDegraded })
	if hc := p.HealthCheck()(context.Background()); hc.Status != "degraded" {
		t.Errorf("health = %s, want degraded", hc.Status)
	}

	admit(t, p, "cam/2.jpg")
	waitFor(t, "halted", func() bool { return f.events.count(EventStageHalted) == 1 })

	_, err := p.Admit(context.Background(), ingestion.AdmitRequest{SourceRef: "cam/3.jpg", StoreID: "s", CaptureTimestamp: "2024-11-26T10:05:00"})
	if !errors.Is(err, apperrors.ErrStageHalted) {
		t.Errorf("admit to halted stage: err = %v, want ErrStageHalted", err)
	}
	if got := p.DeadLetters().CountByCause()[CauseInternalFault]; got != 2 {
		t.Errorf("internal faults = %d, want 2", got)
	}
	if p.State() != StateHalted {
		t.Errorf("state = %s, want halted", p.State())
	}
}

func TestHaltedMiddleStageDrainsUpstream(t *testing.T) {
	f := newFixture()
	f.caps.Recognizer = RecognizerFunc(func(context.Context, image.Image) (Identity, error) {
		panic("model crashed")
	})
	cfg := testConfig()
	cfg.RestartLimit = 0
	cfg.Stages = map[string]config.StageConfig{StageRecognize: {Capacity: 1, Workers: 1}}
	p := f.start(t, cfg)

	const n = 20
	for i := 0; i < n; i++ {
		admit(t, p, fmt.Sprintf("cam/%d.jpg", i))
	}
	waitIdle(t, p)
	waitFor(t, "halt", func() bool { return f.events.count(EventStageHalted) == 1 })

	causes := p.DeadLetters().CountByCause()
	if causes[CauseInternalFault] != 1 {
		t.Errorf("internal faults = %d, want 1", causes[CauseInternalFault])
	}
	if causes[CauseStageHalted] != n-1 {
		t.Errorf("stage_halted = %d, want %d", causes[CauseStageHalted], n-1)
	}
	if p.State() != StateHalted {
		t.Errorf("state = %s, want halted", p.State())
	}
	if n := len(f.store.all()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
}

func TestStoreBreakerRecoversAfterPanickingProbe(t *testing.T) {
	f := newFixture()
	f.store.failFn = func(attempt int, _ Record) error {
		switch attempt {
		case 1:
			return apperrors.Transient(errors.New("connection reset"))
		case 2:
			panic("driver bug")
		}
		return nil
	}
	cfg := testConfig()
	cfg.MaxPersistRetries = 1
	cfg.BreakerFailureThreshold = 1
	cfg.BreakerResetTimeout = 20 * time.Millisecond
	cfg.Stages = map[string]config.StageConfig{StagePersist: {Workers: 1}}
	p := f.start(t, cfg)

	admit(t, p, "cam/a.jpg")
	waitIdle(t, p)
	if got := p.Stats().Breaker; got != "open" {
		t.Fatalf("breaker after transient failure = %s, want open", got)
	}

	time.Sleep(40 * time.Millisecond)
	admit(t, p, "cam/b.jpg")
	waitIdle(t, p)
	waitFor(t, "persist worker restart", func() bool { return f.events.count(EventWorkerRestarted) == 1 })
	if got := p.Stats().Breaker; got != "open" {
		t.Fatalf("breaker after panicking probe = %s, want open", got)
	}

	time.Sleep(40 * time.Millisecond)
	admit(t, p, "cam/c.jpg")
	admit(t, p, "cam/d.jpg")
	waitIdle(t, p)

	if n := len(f.store.all()); n != 2 {
		t.Errorf("records = %d, want 2 (dead letters %v)", n, p.DeadLetters().CountByCause())
	}
	if got := p.Stats().Breaker; got != "closed" {
		t.Errorf("breaker = %s, want closed", got)
	}
	causes := p.DeadLetters().CountByCause()
	if causes[CausePersist] != 1 || causes[CauseInternalFault] != 1 {
		t.Errorf("dead letters = %v, want one persist_failure and one internal_fault", causes)
	}
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func TestCancellingStartContextStopsPipeline(t *testing.T) {
	f := newFixture()
	busy := make(chan struct{}, 8)
	f.caps.Loader = ImageLoaderFunc(func(ctx context.Context, _ string) (image.Image, error) {
		busy <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f.caps.Detector = DetectorFunc(func(context.Context, image.Image) ([]BBox, error) { return boxesAt(1), nil })
	cfg := testConfig()
	cfg.CapabilityTimeout = 0
	cfg.Stages = map[string]config.StageConfig{StagePreprocess: {Workers: 1}}

	p, err := New(cfg, f.caps, Deps{Events: f.events})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		admit(t, p, fmt.Sprintf("cam/%d.jpg", i))
	}
	<-busy
	cancel()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("pipeline not done after Start ctx cancelled; state=%s", p.State())
	}
	if p.State() != StateStopped {
		t.Errorf("state = %s, want stopped", p.State())
	}
	causes := p.DeadLetters().CountByCause()
	if causes[CauseShutdown] != 3 {
		t.Errorf("dead letters = %v, want 3 shutdown", causes)
	}
	if p.inFlight() != 0 {
		t.Errorf("in flight = %d, want 0", p.inFlight())
	}
	_, err = p.Admit(context.Background(), ingestion.AdmitRequest{SourceRef: "cam/late.jpg", StoreID: "s", CaptureTimestamp: "2024-11-26T10:05:00"})
	if !errors.Is(err, apperrors.ErrPipelineStopped) {
		t.Errorf("admit after cancel: err = %v, want ErrPipelineStopped", err)
	}
}

func TestGracefulStopDrainsQueuedItems(t *testing.T) {
	f := newFixture()
	p := f.start(t, testConfig())

	for i := 0; i < 20; i++ {
		admit(t, p, fmt.Sprintf("cam/%d.jpg", i))
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := len(f.store.all()); n != 20 {
		t.Errorf("records = %d, want 20", n)
	}
	if n := p.DeadLetters().Len(); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
	if p.inFlight() != 0 {
		t.Errorf("in flight after stop = %d", p.inFlight())
	}
}

func TestForcedStopDeadLettersRemainingWork(t *testing.T) {
	f := newFixture()
	f.caps.Recognizer = RecognizerFunc(func(ctx context.Context, _ image.Image) (Identity, error) {
		<-ctx.Done()
		return Identity{}, ctx.Err()
	})
	cfg := testConfig()
	cfg.CapabilityTimeout = 0
	p := f.start(t, cfg)

	for i := 0; i < 6; i++ {
		admit(t, p, fmt.Sprintf("cam/%d.jpg", i))
	}
	waitFor(t, "recognizers busy", func() bool { return p.Stats().Stages[2].QueueLen > 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop: err = %v, want DeadlineExceeded", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after forced stop")
	}
	if n := len(f.store.all()); n != 0 {
		t.Errorf("records = %d, want 0", n)
	}
	for _, e := range p.DeadLetters().Entries() {
		if e.Cause != CauseShutdown {
			t.Errorf("entry %d cause = %s, want shutdown", e.Item.ID, e.Cause)
		}
	}
	if p.inFlight() != 0 {
		t.Errorf("in flight after forced stop = %d", p.inFlight())
	}
}

// ---------------------------------------------------------------------------
// Benchmarks
// ---------------------------------------------------------------------------

// BenchmarkPipelineThroughput measures end-to-end admissions per second with
// three faces per image and no-op capabilities.
func BenchmarkPipelineThroughput(b *testing.B) {
	f := newFixture()
	f.boxes = func(string) ([]BBox, error) { return boxesAt(1, 20, 40), nil }
	cfg := testConfig()
	cfg.InputQueueCapacity = 256
	cfg.WorkersPerStage = 4
	p := f.start(b, cfg)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.Admit(context.Background(), ingestion.AdmitRequest{
			SourceRef:        "cam/bench.jpg",
			StoreID:          "store_001",
			CaptureTimestamp: "2024-11-26T10:05:00",
		}); err != nil {
			b.Fatal(err)
		}
	}
	if err := p.Stop(context.Background()); err != nil {
		b.Fatal(err)
	}
}
