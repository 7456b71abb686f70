package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olyandrevn/FaceRecognition/pkg/metrics"
)

// Cause classifies why an item was dead-lettered.
type Cause string

const (
	CauseImageLoad     Cause = "image_load_failure"
	CauseDetection     Cause = "detection_failure"
	CauseRecognition   Cause = "recognition_failure"
	CauseUnrecognized  Cause = "unrecognized_identity"
	CausePersist       Cause = "persist_failure"
	CauseInternalFault Cause = "internal_fault"
	CauseShutdown      Cause = "shutdown"
	CauseStageHalted   Cause = "stage_halted"
)

// StageError tells the stage which cause to record for a failed item.
type StageError struct {
	Cause Cause
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Cause, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func fail(cause Cause, err error) error {
	return &StageError{Cause: cause, Err: err}
}

func causeOf(err error, fallback Cause) Cause {
	var se *StageError
	if errors.As(err, &se) {
		return se.Cause
	}
	return fallback
}

// DeadLetter is one entry of the dead-letter log.
type DeadLetter struct {
	ID        string    `json:"id"`
	Item      ItemRef   `json:"item"`
	Cause     Cause     `json:"cause"`
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// DeadLetterPublisher receives a copy of every entry, typically for
// forwarding to Kafka. Publish must not block; it returns false when the
// entry was dropped.
type DeadLetterPublisher interface {
	Publish(DeadLetter) bool
}

// DeadLetterSink is the append-only record of every item that ended without
// success. Put never waits on I/O, so stages cannot be stalled by it.
type DeadLetterSink struct {
	mu      sync.RWMutex
	entries []DeadLetter
	byCause map[Cause]int

	publisher DeadLetterPublisher
	events    EventSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewDeadLetterSink(publisher DeadLetterPublisher, events EventSink, m *metrics.Metrics) *DeadLetterSink {
	if events == nil {
		events = nopSink{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &DeadLetterSink{
		byCause:   make(map[Cause]int),
		publisher: publisher,
		events:    events,
		metrics:   m,
		logger:    slog.Default().With("component", "dead-letter-sink"),
	}
}

// Put marks item dead-lettered and appends an entry. It returns false,
// without recording anything, if the item already had a terminal status.
func (d *DeadLetterSink) Put(item *WorkItem, stage string, cause Cause, err error) bool {
	if !item.finish(StatusDeadLettered) {
		d.logger.Error("refusing to dead-letter item with terminal status",
			"item_id", item.ID,
			"status", item.Status().String(),
			"stage", stage,
			"cause", cause,
		)
		return false
	}
	entry := DeadLetter{
		ID:        uuid.NewString(),
		Item:      item.Ref(),
		Cause:     cause,
		Stage:     stage,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}

	d.mu.Lock()
	d.entries = append(d.entries, entry)
	d.byCause[cause]++
	d.mu.Unlock()

	d.metrics.DeadLettersTotal.WithLabelValues(stage, string(cause)).Inc()
	d.logger.Warn("item dead-lettered",
		"item_id", item.ID,
		"parent_id", item.ParentID,
		"store_id", item.StoreID,
		"stage", stage,
		"cause", cause,
		"error", entry.Error,
	)
	emitEvent(d.events, Event{
		Type:      EventDeadLettered,
		ItemID:    item.ID,
		ParentID:  item.ParentID,
		StoreID:   item.StoreID,
		Stage:     stage,
		Cause:     cause,
		Error:     entry.Error,
		Timestamp: entry.Timestamp,
	})
	if d.publisher != nil && !d.publisher.Publish(entry) {
		d.metrics.DeadLetterPubDropped.Inc()
	}
	return true
}

func (d *DeadLetterSink) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Entries returns a copy of the log in append order.
func (d *DeadLetterSink) Entries() []DeadLetter {
	return d.List(0, 0)
}

// List returns up to limit entries starting at offset. limit <= 0 means no
// limit.
func (d *DeadLetterSink) List(offset, limit int) []DeadLetter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(d.entries) {
		return []DeadLetter{}
	}
	end := len(d.entries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]DeadLetter, end-offset)
	copy(out, d.entries[offset:end])
	return out
}

// CountByCause returns the number of entries per cause.
func (d *DeadLetterSink) CountByCause() map[Cause]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[Cause]int, len(d.byCause))
	for c, n := range d.byCause {
		out[c] = n
	}
	return out
}
