package vision

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/olyandrevn/FaceRecognition/internal/pipeline"
	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
)

// Fitter scales images down to fit within a bounding box, keeping aspect
// ratio, and normalises them to NRGBA. Images already inside the box are
// only normalised.
type Fitter struct {
	width, height int
}

func NewFitter(width, height int) *Fitter {
	return &Fitter{width: width, height: height}
}

func (f *Fitter) Preprocess(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, apperrors.Permanent(fmt.Errorf("image has no pixels"))
	}
	if f.width > 0 && f.height > 0 && (b.Dx() > f.width || b.Dy() > f.height) {
		return imaging.Fit(img, f.width, f.height, imaging.Lanczos), nil
	}
	return imaging.Clone(img), nil
}

// Cropper cuts a face out of the preprocessed image. The box is widened by
// margin (a fraction of its size on each side) and clamped to the image.
type Cropper struct {
	margin float64
}

func NewCropper(margin float64) *Cropper {
	if margin < 0 {
		margin = 0
	}
	return &Cropper{margin: margin}
}

func (c *Cropper) Extract(ctx context.Context, img image.Image, box pipeline.BBox) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rect := c.expand(box).Intersect(img.Bounds())
	if rect.Empty() {
		return nil, apperrors.Permanent(fmt.Errorf("box %v lies outside image bounds %v", box.Rect(), img.Bounds()))
	}
	return imaging.Crop(img, rect), nil
}

func (c *Cropper) expand(box pipeline.BBox) image.Rectangle {
	r := box.Rect()
	dx := int(float64(r.Dx()) * c.margin)
	dy := int(float64(r.Dy()) * c.margin)
	return image.Rect(r.Min.X-dx, r.Min.Y-dy, r.Max.X+dx, r.Max.Y+dy)
}
