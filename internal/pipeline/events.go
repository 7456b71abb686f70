package pipeline

import "time"

// EventType names a structured pipeline event.
type EventType string

const (
	EventAdmitted        EventType = "admitted"
	EventStageCompleted  EventType = "stage_completed"
	EventDeadLettered    EventType = "dead_lettered"
	EventPersistRetry    EventType = "persist_retry"
	EventWorkerRestarted EventType = "worker_restarted"
	EventStageHalted     EventType = "stage_halted"
)

// Event is one structured observation. Fields that do not apply to the
// event type are left zero.
type Event struct {
	Type      EventType `json:"type"`
	ItemID    uint64    `json:"item_id,omitempty"`
	ParentID  uint64    `json:"parent_id,omitempty"`
	StoreID   string    `json:"store_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Status    string    `json:"status,omitempty"`
	Cause     Cause     `json:"cause,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Faces     int       `json:"faces,omitempty"`
	Duration  float64   `json:"duration_ms,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives pipeline events. Emit is called from worker goroutines
// and must not block.
type EventSink interface {
	Emit(Event)
}

type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

type nopSink struct{}

func (nopSink) Emit(Event) {}

func emitEvent(sink EventSink, e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	sink.Emit(e)
}
