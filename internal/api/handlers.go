package api

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"sensorpulse/internal/ingest"
	"sensorpulse/internal/logger"
	"sensorpulse/internal/metrics"
	"sensorpulse/internal/middleware"
	"sensorpulse/internal/models"
)

// IngestService is the part of ingest.Service the API calls.
type IngestService interface {
	Async() bool
	Ingest(ctx context.Context, in models.MeasurementInput) (*ingest.Result, error)
	IngestBatch(ctx context.Context, items []models.MeasurementInput) (*ingest.Result, error)
	EquipmentMeasurements(ctx context.Context, equipmentID int64) (*models.EquipmentMeasurements, bool, error)
	SensorMeasurements(ctx context.Context, sensorID int64, limit int) (*models.SensorMeasurements, bool, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config holds the API collaborators.
type Config struct {
	Service IngestService

	// Checks run on /health, keyed by dependency name.
	Checks map[string]HealthCheck

	// Stats feeds /stats. Optional.
	Stats func() map[string]interface{}

	MaxBodySize   int64
	MaxBatchItems int
}

// Handler serves the measurement API.
type Handler struct {
	svc      IngestService
	checks   map[string]HealthCheck
	stats    func() map[string]interface{}
	maxBody  int64
	maxBatch int
	now      func() time.Time
	log      zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	maxBody := cfg.MaxBodySize
	if maxBody == 0 {
		maxBody = 10 * 1024 * 1024 // 10MB default
	}
	return &Handler{
		svc:      cfg.Service,
		checks:   cfg.Checks,
		stats:    cfg.Stats,
		maxBody:  maxBody,
		maxBatch: cfg.MaxBatchItems,
		now:      time.Now,
		log:      logger.WithComponent("api"),
	}
}

// PostMeasurement ingests one reading.
func (h *Handler) PostMeasurement(w http.ResponseWriter, r *http.Request) {
	var req MeasurementRequest
	if !h.decode(w, r, &req) {
		return
	}

	in, err := req.toInput(h.now())
	if err != nil {
		metrics.IngestValidationErrors.WithLabelValues(validationType(err)).Inc()
		h.writeError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	res, err := h.svc.Ingest(r.Context(), in)
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, IngestResponse{
		Success:     true,
		AlertsFired: len(res.Alerts),
		Alerts:      res.Alerts,
		Async:       h.svc.Async(),
	})
}

// PostBatch ingests a list of readings. Any invalid item rejects the whole
// batch so a batch is either stored completely or not at all.
func (h *Handler) PostBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validate.Struct(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, describe(err).Error(), nil)
		return
	}
	if h.maxBatch > 0 && len(req.Measurements) > h.maxBatch {
		metrics.IngestValidationErrors.WithLabelValues("batch_size").Inc()
		h.writeError(w, r, http.StatusBadRequest,
			"batch cannot contain more than "+strconv.Itoa(h.maxBatch)+" measurements", nil)
		return
	}

	now := h.now()
	inputs := make([]models.MeasurementInput, 0, len(req.Measurements))
	var rejected []IngestError
	for i := range req.Measurements {
		in, err := req.Measurements[i].toInput(now)
		if err != nil {
			metrics.IngestValidationErrors.WithLabelValues(validationType(err)).Inc()
			rejected = append(rejected, IngestError{
				Index:      i,
				SensorCode: req.Measurements[i].SensorCode,
				Error:      err.Error(),
			})
			continue
		}
		inputs = append(inputs, in)
	}
	if len(rejected) > 0 {
		h.writeError(w, r, http.StatusBadRequest, "batch contains invalid measurements", rejected)
		return
	}

	res, err := h.svc.IngestBatch(r.Context(), inputs)
	if errors.Is(err, ingest.ErrBatchTooLarge) {
		h.writeError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, IngestResponse{
		Success:     true,
		Total:       res.Measurements,
		BatchID:     res.BatchID,
		AlertsFired: len(res.Alerts),
		Alerts:      res.Alerts,
		Async:       h.svc.Async(),
	})
}

// GetEquipmentMeasurements returns the latest readings of an equipment's sensors.
func (h *Handler) GetEquipmentMeasurements(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	out, found, err := h.svc.EquipmentMeasurements(r.Context(), id)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if !found {
		h.writeError(w, r, http.StatusNotFound, "equipment "+strconv.FormatInt(id, 10)+" not found", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetSensorMeasurements returns a sensor's latest readings. ?limit caps the
// count at the rollup size.
func (h *Handler) GetSensorMeasurements(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	limit := ingest.LatestPerSensor
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	out, found, err := h.svc.SensorMeasurements(r.Context(), id, limit)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if !found {
		h.writeError(w, r, http.StatusNotFound, "sensor "+strconv.FormatInt(id, 10)+" not found", nil)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Health runs every dependency check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	h.writeJSON(w, status, map[string]interface{}{
		"status": overall,
		"checks": results,
	})
}

// Stats reports runtime counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{"async": h.svc.Async()}
	if h.stats != nil {
		for k, v := range h.stats() {
			out[k] = v
		}
	}
	h.writeJSON(w, http.StatusOK, out)
}

// decode reads a size-limited JSON body into dst.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			h.writeError(w, r, http.StatusUnsupportedMediaType, "content-type must be application/json", nil)
			return false
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large", nil)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		metrics.IngestValidationErrors.WithLabelValues("invalid_json").Inc()
		h.writeError(w, r, http.StatusBadRequest, "invalid JSON: "+err.Error(), nil)
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, http.StatusBadRequest, "id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error().
		Err(err).
		Str("request_id", middleware.RequestID(r.Context())).
		Str("path", r.URL.Path).
		Msg("request failed")
	h.writeError(w, r, http.StatusInternalServerError, "internal server error", nil)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, message string, items []IngestError) {
	h.writeJSON(w, status, ErrorResponse{
		Success:   false,
		Error:     message,
		RequestID: middleware.RequestID(r.Context()),
		Errors:    items,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("failed to write response")
	}
}

// validationType labels validation failures for metrics.
func validationType(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, models.ErrFutureTimestamp), errors.Is(err, models.ErrStaleTimestamp):
		return "timestamp_range"
	case errors.Is(err, models.ErrValueOutOfRange):
		return "value_range"
	default:
		return "invalid_field"
	}
}
