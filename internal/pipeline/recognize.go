package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/olyandrevn/FaceRecognition/pkg/logger"
	"github.com/olyandrevn/FaceRecognition/pkg/metrics"
	"github.com/olyandrevn/FaceRecognition/pkg/resilience"
)

// UnknownPolicy decides what happens to a face the recognizer could not
// match with enough confidence.
type UnknownPolicy string

const (
	// UnknownForward persists the face under UnknownCustomerID.
	UnknownForward UnknownPolicy = "forward"
	// UnknownDeadLetter dead-letters it with CauseUnrecognized.
	UnknownDeadLetter UnknownPolicy = "dead_letter"
)

type recognizeHandler struct {
	recognizer Recognizer
	threshold  float64
	policy     UnknownPolicy
	timeout    time.Duration
	metrics    *metrics.Metrics
}

func (h *recognizeHandler) Handle(ctx context.Context, item *WorkItem, emit EmitFunc) error {
	face := item.Payload.Crop
	if face == nil {
		return fail(CauseRecognition, fmt.Errorf("item %d reached recognition without a face crop", item.ID))
	}

	var id Identity
	err := resilience.WithTimeout(ctx, h.timeout, "face.recognize", func(ctx context.Context) error {
		var err error
		id, err = h.recognizer.Recognize(ctx, face)
		return err
	})
	if err != nil {
		return fail(CauseRecognition, fmt.Errorf("recognizing face: %w", err))
	}
	h.metrics.RecognitionConfidence.Observe(id.Confidence)

	if !id.Known || id.Confidence < h.threshold {
		if h.policy == UnknownDeadLetter {
			return fail(CauseUnrecognized, fmt.Errorf("no match above confidence %.2f (best %.2f)", h.threshold, id.Confidence))
		}
		logger.FromContext(ctx).Debug("face not recognized, forwarding as unknown",
			"confidence", id.Confidence,
			"threshold", h.threshold,
		)
		id = Identity{CustomerID: UnknownCustomerID, Confidence: id.Confidence, Known: false}
	}
	item.Identity = &id
	return emit(item)
}
