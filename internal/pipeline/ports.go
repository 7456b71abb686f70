package pipeline

import (
	"context"
	"image"
	"time"
)

// ImageLoader fetches and decodes the image named by a source reference.
type ImageLoader interface {
	Load(ctx context.Context, sourceRef string) (image.Image, error)
}

// Preprocessor normalises a raw image for detection.
type Preprocessor interface {
	Preprocess(ctx context.Context, img image.Image) (image.Image, error)
}

// Detector returns the face boxes found in img, in detector order. An empty
// result is not an error.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]BBox, error)
}

// Extractor crops one face out of img.
type Extractor interface {
	Extract(ctx context.Context, img image.Image, box BBox) (image.Image, error)
}

// Recognizer matches a face crop against enrolled customers. A face that
// matches nobody is reported with Known=false, not as an error.
type Recognizer interface {
	Recognize(ctx context.Context, face image.Image) (Identity, error)
}

// Store persists one appearance record. An appearance is identified by
// StoreID, SourceRef, CapturedAt and Detection, not by ItemID, which
// restarts with the process; implementations must treat a repeated write of
// the same appearance as success. Retryable failures wrap
// errors.ErrTransientIO.
type Store interface {
	Write(ctx context.Context, rec Record) error
}

// Record is one persisted face appearance.
type Record struct {
	ItemID     uint64    `json:"item_id"`
	ParentID   uint64    `json:"parent_id"`
	CustomerID int64     `json:"customer_id"`
	StoreID    string    `json:"store_id"`
	CapturedAt time.Time `json:"capture_timestamp"`
	Detection  BBox      `json:"detection"`
	Confidence float64   `json:"confidence"`
	SourceRef  string    `json:"source_ref"`
}

// NewRecord builds the persisted record for a recognised face item.
func NewRecord(it *WorkItem) Record {
	rec := Record{
		ItemID:     it.ID,
		ParentID:   it.ParentID,
		CustomerID: UnknownCustomerID,
		StoreID:    it.StoreID,
		CapturedAt: it.CapturedAt,
		SourceRef:  it.SourceRef,
	}
	if it.Detection != nil {
		rec.Detection = *it.Detection
	}
	if it.Identity != nil {
		rec.CustomerID = it.Identity.CustomerID
		rec.Confidence = it.Identity.Confidence
	}
	return rec
}

// Capabilities bundles every port the pipeline calls.
type Capabilities struct {
	Loader       ImageLoader
	Preprocessor Preprocessor
	Detector     Detector
	Extractor    Extractor
	Recognizer   Recognizer
	Store        Store
}

type ImageLoaderFunc func(ctx context.Context, sourceRef string) (image.Image, error)

func (f ImageLoaderFunc) Load(ctx context.Context, sourceRef string) (image.Image, error) {
	return f(ctx, sourceRef)
}

type PreprocessorFunc func(ctx context.Context, img image.Image) (image.Image, error)

func (f PreprocessorFunc) Preprocess(ctx context.Context, img image.Image) (image.Image, error) {
	return f(ctx, img)
}

type DetectorFunc func(ctx context.Context, img image.Image) ([]BBox, error)

func (f DetectorFunc) Detect(ctx context.Context, img image.Image) ([]BBox, error) {
	return f(ctx, img)
}

type ExtractorFunc func(ctx context.Context, img image.Image, box BBox) (image.Image, error)

func (f ExtractorFunc) Extract(ctx context.Context, img image.Image, box BBox) (image.Image, error) {
	return f(ctx, img, box)
}

type RecognizerFunc func(ctx context.Context, face image.Image) (Identity, error)

func (f RecognizerFunc) Recognize(ctx context.Context, face image.Image) (Identity, error) {
	return f(ctx, face)
}

type StoreFunc func(ctx context.Context, rec Record) error

func (f StoreFunc) Write(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}
