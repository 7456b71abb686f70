package pipeline

import (
	"fmt"
	"image"
	"sync/atomic"
	"time"
)

// Status is a work item's lifecycle state. Everything except StatusInFlight
// is terminal and is reached at most once.
type Status int32

const (
	StatusInFlight Status = iota
	StatusPersisted
	StatusNoDetections
	StatusDeadLettered
	// StatusFannedOut marks a parent whose faces continue downstream as
	// child items.
	StatusFannedOut
)

func (s Status) String() string {
	switch s {
	case StatusInFlight:
		return "in_flight"
	case StatusPersisted:
		return "persisted"
	case StatusNoDetections:
		return "no_detections"
	case StatusDeadLettered:
		return "dead_lettered"
	case StatusFannedOut:
		return "fanned_out"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether s ends the item's lifecycle.
func (s Status) Terminal() bool {
	return s != StatusInFlight
}

// BBox is a face bounding box in pixel coordinates of the preprocessed
// image; (X1, Y1) is the top-left corner, (X2, Y2) the bottom-right.
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// UnknownCustomerID is carried by faces the recognizer could not match
// with enough confidence.
const UnknownCustomerID int64 = -1

// Identity is the recognizer's verdict for one face.
type Identity struct {
	CustomerID int64   `json:"customer_id"`
	Confidence float64 `json:"confidence"`
	Known      bool    `json:"known"`
}

// PayloadKind names which image a payload currently holds.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadRaw
	PayloadPreprocessed
	PayloadCrop
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadRaw:
		return "raw"
	case PayloadPreprocessed:
		return "preprocessed"
	case PayloadCrop:
		return "crop"
	default:
		return "none"
	}
}

// Payload carries the image for the stage that currently owns the item. At
// most one field is set; stages replace the whole value.
type Payload struct {
	Raw          image.Image
	Preprocessed image.Image
	Crop         image.Image
}

func (p Payload) Kind() PayloadKind {
	switch {
	case p.Crop != nil:
		return PayloadCrop
	case p.Preprocessed != nil:
		return PayloadPreprocessed
	case p.Raw != nil:
		return PayloadRaw
	default:
		return PayloadNone
	}
}

// WorkItem is the unit moving through the pipeline. Metadata fields are
// fixed at creation. Payload, Detection and Identity are written only by
// the stage that owns the item.
type WorkItem struct {
	ID         uint64
	ParentID   uint64
	StoreID    string
	CapturedAt time.Time
	SourceRef  string
	AdmittedAt time.Time

	Payload   Payload
	Detection *BBox
	Identity  *Identity

	status atomic.Int32
}

func newItem(id uint64, storeID string, capturedAt time.Time, sourceRef string) *WorkItem {
	return &WorkItem{
		ID:         id,
		StoreID:    storeID,
		CapturedAt: capturedAt,
		SourceRef:  sourceRef,
		AdmittedAt: time.Now().UTC(),
	}
}

// child creates a face-level item that inherits the parent's metadata.
func (it *WorkItem) child(id uint64, box BBox, crop image.Image) *WorkItem {
	c := newItem(id, it.StoreID, it.CapturedAt, it.SourceRef)
	c.ParentID = it.ID
	c.Detection = &box
	c.Payload = Payload{Crop: crop}
	return c
}

func (it *WorkItem) Status() Status {
	return Status(it.status.Load())
}

// finish moves the item from in_flight to s. It returns false if the item
// already reached a terminal status.
func (it *WorkItem) finish(s Status) bool {
	return it.status.CompareAndSwap(int32(StatusInFlight), int32(s))
}

// ItemRef is the image-free description of an item kept in dead-letter
// entries so that an operator can replay it.
type ItemRef struct {
	ID         uint64    `json:"id"`
	ParentID   uint64    `json:"parent_id,omitempty"`
	StoreID    string    `json:"store_id"`
	CapturedAt time.Time `json:"capture_timestamp"`
	SourceRef  string    `json:"source_ref"`
	Detection  *BBox     `json:"detection,omitempty"`
	Identity   *Identity `json:"identity,omitempty"`
	Payload    string    `json:"payload"`
}

func (it *WorkItem) Ref() ItemRef {
	ref := ItemRef{
		ID:         it.ID,
		ParentID:   it.ParentID,
		StoreID:    it.StoreID,
		CapturedAt: it.CapturedAt,
		SourceRef:  it.SourceRef,
		Payload:    it.Payload.Kind().String(),
	}
	if it.Detection != nil {
		d := *it.Detection
		ref.Detection = &d
	}
	if it.Identity != nil {
		id := *it.Identity
		ref.Identity = &id
	}
	return ref
}
