// Package handler exposes the pipeline's HTTP API: image admission,
// dead-letter inspection and runtime statistics.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/olyandrevn/FaceRecognition/internal/ingestion"
	"github.com/olyandrevn/FaceRecognition/internal/ingestion/validator"
	"github.com/olyandrevn/FaceRecognition/internal/pipeline"
	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
	"github.com/olyandrevn/FaceRecognition/pkg/logger"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Pipeline is what the handler needs from *pipeline.Pipeline.
type Pipeline interface {
	Admit(ctx context.Context, req ingestion.AdmitRequest) (uint64, error)
	Stats() pipeline.Stats
	DeadLetters() *pipeline.DeadLetterSink
}

type Handler struct {
	pipeline Pipeline
	logger   *slog.Logger
}

func New(p Pipeline) *Handler {
	return &Handler{
		pipeline: p,
		logger:   slog.Default().With("component", "ingestion-handler"),
	}
}

func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/images", h.Admit)
	mux.HandleFunc("GET /api/v1/deadletters", h.DeadLetters)
	mux.HandleFunc("GET /api/v1/pipeline/stats", h.Stats)
}

// Admit queues one image. It blocks while the pipeline applies
// backpressure, bounded by the request context.
func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	var req ingestion.AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := h.pipeline.Admit(ctx, req)
	if err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		statusCode := apperrors.HTTPStatusCode(err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			statusCode = http.StatusServiceUnavailable
		}
		log.Error("admission failed",
			"error", err,
			"status_code", statusCode,
			"store_id", req.StoreID,
		)
		h.writeError(w, statusCode, "admission failed: "+err.Error())
		return
	}
	log.Info("image admitted",
		"item_id", id,
		"store_id", req.StoreID,
		"source_ref", req.SourceRef,
	)
	h.writeJSON(w, http.StatusAccepted, ingestion.AdmitResponse{
		ItemID: id,
		Status: pipeline.StatusInFlight.String(),
	})
}

// DeadLetters pages through the dead-letter log with ?offset=&limit=.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		h.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit <= 0 {
		h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	sink := h.pipeline.DeadLetters()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"total":    sink.Len(),
		"by_cause": sink.CountByCause(),
		"offset":   offset,
		"entries":  sink.List(offset, limit),
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.pipeline.Stats())
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
