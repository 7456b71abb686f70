package telemetry

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/olyandrevn/FaceRecognition/internal/pipeline"
)

// EventSink forwards pipeline events. Events are keyed by store so that one
// store's events stay ordered within a partition.
type EventSink struct {
	forwarder *Forwarder
}

func NewEventSink(f *Forwarder) *EventSink {
	return &EventSink{forwarder: f}
}

func (s *EventSink) Emit(e pipeline.Event) {
	s.forwarder.Track(eventKey(e), e)
}

func eventKey(e pipeline.Event) string {
	if e.StoreID != "" {
		return e.StoreID
	}
	if e.Stage != "" {
		return e.Stage
	}
	return string(e.Type)
}

// DeadLetterPublisher forwards dead-letter entries, keyed by item ID.
type DeadLetterPublisher struct {
	forwarder *Forwarder
}

func NewDeadLetterPublisher(f *Forwarder) *DeadLetterPublisher {
	return &DeadLetterPublisher{forwarder: f}
}

func (p *DeadLetterPublisher) Publish(dl pipeline.DeadLetter) bool {
	return p.forwarder.Track(strconv.FormatUint(dl.Item.ID, 10), dl)
}

// LogSink writes every event to a structured logger at debug level, and
// failures at warn.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "pipeline-events")}
}

func (s *LogSink) Emit(e pipeline.Event) {
	level := slog.LevelDebug
	switch e.Type {
	case pipeline.EventWorkerRestarted, pipeline.EventStageHalted:
		level = slog.LevelWarn
	}
	attrs := []any{"type", e.Type}
	if e.ItemID != 0 {
		attrs = append(attrs, "item_id", e.ItemID)
	}
	if e.ParentID != 0 {
		attrs = append(attrs, "parent_id", e.ParentID)
	}
	if e.Stage != "" {
		attrs = append(attrs, "stage", e.Stage)
	}
	if e.Status != "" {
		attrs = append(attrs, "status", e.Status)
	}
	if e.Cause != "" {
		attrs = append(attrs, "cause", e.Cause)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}
	s.logger.Log(context.Background(), level, "pipeline event", attrs...)
}

// Fanout delivers each event to every sink in order.
type Fanout []pipeline.EventSink

func (f Fanout) Emit(e pipeline.Event) {
	for _, s := range f {
		s.Emit(e)
	}
}
