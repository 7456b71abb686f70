package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/olyandrevn/FaceRecognition/internal/ingestion/validator"
	apperrors "github.com/olyandrevn/FaceRecognition/pkg/errors"
	"github.com/olyandrevn/FaceRecognition/pkg/logger"
)

// SourceOpener connects to a store's database given its DSN.
type SourceOpener func(ctx context.Context, storeID, dsn string) (Source, error)

type Handler struct {
	aggregator *Aggregator
	open       SourceOpener
	logger     *slog.Logger
}

func NewHandler(aggregator *Aggregator, open SourceOpener) *Handler {
	return &Handler{
		aggregator: aggregator,
		open:       open,
		logger:     slog.Default().With("component", "analytics-handler"),
	}
}

// Routes registers the aggregator API on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/appearances", h.Appearances)
	mux.HandleFunc("GET /api/v1/appearances/published", h.Published)
	mux.HandleFunc("GET /api/v1/stores", h.ListStores)
	mux.HandleFunc("POST /api/v1/stores", h.AddStore)
}

// Appearances serves the running total, or a windowed total when start or
// end is given.
func (h *Handler) Appearances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	var win *Window
	if start, end := q.Get("start"), q.Get("end"); start != "" || end != "" {
		win = &Window{}
		fields := map[string]string{}
		if start != "" {
			t, err := validator.ParseTimestamp(start)
			if err != nil {
				fields["start"] = "must be an ISO 8601 timestamp"
			}
			win.Start = t
		}
		if end != "" {
			t, err := validator.ParseTimestamp(end)
			if err != nil {
				fields["end"] = "must be an ISO 8601 timestamp"
			}
			win.End = t
		}
		if len(fields) > 0 {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": fields,
			})
			return
		}
	}

	totals, err := h.aggregator.Aggregate(ctx, win)
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		logger.FromContext(ctx).Error("aggregation failed", "error", err, "status_code", status)
		h.writeError(w, status, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, totals)
}

// Published serves the totals last written to the shared cache.
func (h *Handler) Published(w http.ResponseWriter, r *http.Request) {
	if h.aggregator.cache == nil {
		h.writeError(w, http.StatusNotFound, "no totals cache configured")
		return
	}
	counts, err := h.aggregator.cache.Load(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("reading published totals failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "totals cache unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, buildTotals(counts, nil, nil))
}

func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"stores": h.aggregator.Stores()})
}

type addStoreRequest struct {
	StoreID string `json:"store_id"`
	DSN     string `json:"dsn"`
}

// AddStore registers a store. Re-adding a known store answers 200 with
// added=false; a new store answers 201.
func (h *Handler) AddStore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req addStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.StoreID = strings.TrimSpace(req.StoreID)
	fields := map[string]string{}
	if req.StoreID == "" {
		fields["store_id"] = "required"
	}
	if req.DSN == "" {
		fields["dsn"] = "required"
	}
	if len(fields) > 0 {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": fields,
		})
		return
	}

	for _, id := range h.aggregator.Stores() {
		if id == req.StoreID {
			h.aggregator.logger.Warn("store already added", "store_id", id)
			h.writeJSON(w, http.StatusOK, map[string]any{"store_id": id, "added": false})
			return
		}
	}
	src, err := h.open(ctx, req.StoreID, req.DSN)
	if err != nil {
		logger.FromContext(ctx).Error("opening store failed", "store_id", req.StoreID, "error", err)
		h.writeError(w, http.StatusBadGateway, "cannot connect to store database")
		return
	}
	added, err := h.aggregator.AddStore(ctx, req.StoreID, src)
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		logger.FromContext(ctx).Error("adding store failed", "store_id", req.StoreID, "error", err)
		h.writeError(w, status, err.Error())
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, map[string]any{"store_id": req.StoreID, "added": added})
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
