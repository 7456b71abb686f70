// Package proto defines the messages exchanged with the face model servers
// over pkg/rpc. Images travel as PNG bytes (base64 in JSON).
package proto

// Method names served by the model servers.
const (
	MethodDetect    = "Detector.Detect"
	MethodRecognize = "Recognizer.Recognize"
	MethodHealth    = "Health.Check"
)

// BBox is a face bounding box in pixel coordinates of the preprocessed image.
// (X1, Y1) is the top-left corner and (X2, Y2) the bottom-right.
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// DetectRequest carries one preprocessed image.
type DetectRequest struct {
	ItemID uint64 `json:"item_id"`
	Image  []byte `json:"image"`
}

// DetectResponse lists the faces found, possibly none.
type DetectResponse struct {
	Faces []BBox `json:"faces"`
}

// RecognizeRequest carries one cropped face.
type RecognizeRequest struct {
	ItemID uint64 `json:"item_id"`
	Face   []byte `json:"face"`
}

// RecognizeResponse reports the best match. Known is false when the face
// matched no enrolled customer.
type RecognizeResponse struct {
	CustomerID int64   `json:"customer_id"`
	Confidence float64 `json:"confidence"`
	Known      bool    `json:"known"`
}

// HealthCheckResponse reports model server readiness.
type HealthCheckResponse struct {
	Status string `json:"status"` // SERVING, NOT_SERVING
}
