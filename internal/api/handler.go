package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/co-cddo/ndx-notify/internal/config"
	"github.com/co-cddo/ndx-notify/internal/engine"
	"github.com/co-cddo/ndx-notify/internal/template"
)

const (
	maxBatchSize = 100
	// maxEventBytes caps one inbound event, matching the upstream bus.
	maxEventBytes = 256 << 10
	// readyThreshold is the queue utilization above which /readyz fails.
	readyThreshold = 0.8
)

// Pipeline runs events. *engine.Engine implements it.
type Pipeline interface {
	ProcessSync(ctx context.Context, raw []byte) (*engine.Result, error)
	ProcessAsync(raw []byte) bool
	QueueUtilization() float64
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng       Pipeline
	loader    *config.Loader
	templates *template.Registry
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(eng Pipeline, loader *config.Loader, templates *template.Registry, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{eng: eng, loader: loader, templates: templates, logger: logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("POST /v1/events", h.ingestEvent)
	h.mux.HandleFunc("POST /v1/events/batch", h.ingestBatch)
	h.mux.HandleFunc("GET /v1/templates", h.listTemplates)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(logger, h.mux)
}

// POST /v1/events: synchronous single-event processing.
//
// 200 means the event reached a terminal outcome (sent, skipped-duplicate,
// or failed and dead-lettered) and must not be redelivered. 429 and 503 ask
// the caller to redeliver.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r, maxEventBytes)
	if !ok {
		return
	}

	res, err := h.eng.ProcessSync(r.Context(), raw)
	switch {
	case errors.Is(err, engine.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case err != nil:
		w.Header().Set("Retry-After", "5")
		if res == nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// POST /v1/events/batch: async batch processing (up to 100 events).
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, maxBatchSize*maxEventBytes)
	if !ok {
		return
	}
	var events []json.RawMessage
	if err := json.Unmarshal(body, &events); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(events) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(events), maxBatchSize))
		return
	}

	jobID := uuid.New().String()
	queued := 0
	for _, ev := range events {
		if len(ev) > maxEventBytes {
			continue
		}
		if h.eng.ProcessAsync(ev) {
			queued++
		}
	}
	if queued < len(events) {
		h.logger.Warn("batch partially rejected", "job_id", jobID, "total", len(events), "queued", queued)
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":   jobID,
		"total":    len(events),
		"queued":   queued,
		"rejected": len(events) - queued,
	})
}

// GET /v1/templates: list the event type routing.
func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	types := h.templates.EventTypes()
	out := make([]template.Descriptor, 0, len(types))
	for _, t := range types {
		d, err := h.templates.Resolve(t)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(out),
		"templates": out,
	})
}

// POST /v1/config/reload: re-read the config file and apply hot settings.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.loader == nil {
		writeError(w, http.StatusNotFound, "config reload is not enabled")
		return
	}
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":  true,
		"log_level": cfg.Log.Level,
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if event queue >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	if util > readyThreshold {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}

// readBody reads at most limit bytes, writing 413 or 400 on failure.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", limit))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %s", err))
		return nil, false
	}
	return body, true
}
