// Package validator checks admission requests field by field and returns
// every problem at once.
package validator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/olyandrevn/FaceRecognition/internal/ingestion"
	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
)

const (
	maxSourceRefLength = 2048
	maxStoreIDLength   = 128
)

// TimestampLayouts are the accepted capture_timestamp formats. A timestamp
// without a zone is read as UTC.
var TimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, field := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.Fields[field]))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrValidation
}

// ValidateAdmitRequest checks the required fields and returns the parsed
// capture time. On success source_ref and store_id in req are replaced by
// their trimmed values.
func ValidateAdmitRequest(req *ingestion.AdmitRequest) (time.Time, error) {
	errs := make(map[string]string)

	ref := strings.TrimSpace(req.SourceRef)
	if ref == "" {
		errs["source_ref"] = "source_ref is required"
	} else if len(ref) > maxSourceRefLength {
		errs["source_ref"] = fmt.Sprintf("source_ref must be at most %d characters", maxSourceRefLength)
	}

	store := strings.TrimSpace(req.StoreID)
	if store == "" {
		errs["store_id"] = "store_id is required"
	} else if len(store) > maxStoreIDLength {
		errs["store_id"] = fmt.Sprintf("store_id must be at most %d characters", maxStoreIDLength)
	}

	var captured time.Time
	if strings.TrimSpace(req.CaptureTimestamp) == "" {
		errs["capture_timestamp"] = "capture_timestamp is required"
	} else {
		t, err := ParseTimestamp(req.CaptureTimestamp)
		if err != nil {
			errs["capture_timestamp"] = "capture_timestamp must be RFC 3339 or YYYY-MM-DDTHH:MM:SS"
		}
		captured = t
	}

	if len(errs) > 0 {
		return time.Time{}, &ValidationError{Fields: errs}
	}
	req.SourceRef = ref
	req.StoreID = store
	return captured, nil
}

// ParseTimestamp parses s with the first matching layout in TimestampLayouts.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range TimestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
