package pipeline

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
	"github.com/olyandrevn/FaceRecognition/pkg/resilience"
)

// preprocessHandler loads the source image and normalises it for the
// detector. Any failure is an image_load_failure.
type preprocessHandler struct {
	loader       ImageLoader
	preprocessor Preprocessor
	timeout      time.Duration
}

func (h *preprocessHandler) Handle(ctx context.Context, item *WorkItem, emit EmitFunc) error {
	err := resilience.WithTimeout(ctx, h.timeout, "image.load", func(ctx context.Context) error {
		raw, err := h.loader.Load(ctx, item.SourceRef)
		if err != nil {
			return err
		}
		if raw == nil {
			return apperrors.Permanent(fmt.Errorf("loader returned no image for %q", item.SourceRef))
		}
		item.Payload = Payload{Raw: raw}
		return nil
	})
	if err != nil {
		return fail(CauseImageLoad, fmt.Errorf("loading %s: %w", item.SourceRef, err))
	}

	err = resilience.WithTimeout(ctx, h.timeout, "image.preprocess", func(ctx context.Context) error {
		img, err := h.preprocessor.Preprocess(ctx, item.Payload.Raw)
		if err != nil {
			return err
		}
		if img == nil {
			return apperrors.Permanent(fmt.Errorf("preprocessor returned no image"))
		}
		item.Payload = Payload{Preprocessed: img}
		return nil
	})
	if err != nil {
		return fail(CauseImageLoad, fmt.Errorf("preprocessing %s: %w", item.SourceRef, err))
	}
	return emit(item)
}
