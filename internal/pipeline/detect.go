package pipeline

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/olyandrevn/FaceRecognition/pkg/logger"
	"github.com/olyandrevn/FaceRecognition/pkg/metrics"
	"github.com/olyandrevn/FaceRecognition/pkg/resilience"
)

// detectHandler is the only fan-out point: each detected face becomes a
// child item carrying the parent's metadata and its own crop.
type detectHandler struct {
	detector  Detector
	extractor Extractor
	ids       *atomic.Uint64
	timeout   time.Duration
	metrics   *metrics.Metrics
}

func (h *detectHandler) Handle(ctx context.Context, item *WorkItem, emit EmitFunc) error {
	img := item.Payload.Preprocessed
	if img == nil {
		return fail(CauseDetection, fmt.Errorf("item %d reached detection without a preprocessed image", item.ID))
	}

	var boxes []BBox
	err := resilience.WithTimeout(ctx, h.timeout, "face.detect", func(ctx context.Context) error {
		var err error
		boxes, err = h.detector.Detect(ctx, img)
		return err
	})
	if err != nil {
		return fail(CauseDetection, fmt.Errorf("detecting faces: %w", err))
	}
	h.metrics.FacesDetected.Observe(float64(len(boxes)))

	if len(boxes) == 0 {
		item.Payload = Payload{}
		item.finish(StatusNoDetections)
		logger.FromContext(ctx).Debug("no faces detected", "source_ref", item.SourceRef)
		return nil
	}

	for i, box := range boxes {
		var crop image.Image
		err := resilience.WithTimeout(ctx, h.timeout, "face.extract", func(ctx context.Context) error {
			c, err := h.extractor.Extract(ctx, img, box)
			if err != nil {
				return err
			}
			if c == nil {
				return fmt.Errorf("extractor returned no crop")
			}
			crop = c
			return nil
		})
		if err != nil {
			return fail(CauseDetection, fmt.Errorf("extracting face %d of %d: %w", i+1, len(boxes), err))
		}
		child := item.child(h.ids.Add(1), box, crop)
		if err := emit(child); err != nil {
			return err
		}
	}

	item.Payload = Payload{}
	item.finish(StatusFannedOut)
	logger.FromContext(ctx).Debug("faces fanned out", "faces", len(boxes))
	return nil
}
