// Package ingestion defines the admission request and response shapes
// accepted over HTTP and from the Kafka admissions topic.
package ingestion

// AdmitRequest is the metadata record describing one captured image.
type AdmitRequest struct {
	SourceRef        string `json:"source_ref"`
	StoreID          string `json:"store_id"`
	CaptureTimestamp string `json:"capture_timestamp"`
}

// AdmitResponse is returned once the image has been queued for processing.
type AdmitResponse struct {
	ItemID uint64 `json:"item_id"`
	Status string `json:"status"`
}
