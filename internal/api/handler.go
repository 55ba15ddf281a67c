// Package api exposes event ingestion, trigger authoring and health over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
	"github.com/gyaneshwarpardhi/triggerflow/internal/decision"
	"github.com/gyaneshwarpardhi/triggerflow/internal/engine"
	"github.com/gyaneshwarpardhi/triggerflow/internal/event"
)

const (
	maxBatchSize   = 100
	maxBodyBytes   = 1 << 20
	readyMaxUtil   = 0.8
	defaultTimeout = 5 * time.Second
)

// Utilizer reports how full a queue is (0-1).
type Utilizer interface {
	Utilization() float64
}

// Options wires optional collaborators into the handler.
type Options struct {
	// Reload re-reads the trigger file and syncs it into the engine.
	Reload func() (engine.SyncResult, error)
	// Decisions is the dispatch queue, included in readiness.
	Decisions    Utilizer
	EventTimeout time.Duration
	Logger       *slog.Logger
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    *engine.Engine
	opts   Options
	router *mux.Router
	logger *slog.Logger
}

// New creates an HTTP handler and registers all routes.
func New(eng *engine.Engine, opts Options) http.Handler {
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{eng: eng, opts: opts, router: mux.NewRouter(), logger: opts.Logger}

	v1 := h.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/events", h.ingestEvent).Methods(http.MethodPost)
	v1.HandleFunc("/events/batch", h.ingestBatch).Methods(http.MethodPost)
	v1.HandleFunc("/triggers", h.listTriggers).Methods(http.MethodGet)
	v1.HandleFunc("/triggers", h.createTrigger).Methods(http.MethodPost)
	v1.HandleFunc("/triggers/reload", h.reloadTriggers).Methods(http.MethodPost)
	v1.HandleFunc("/triggers/{id}", h.getTrigger).Methods(http.MethodGet)
	v1.HandleFunc("/triggers/{id}", h.updateTrigger).Methods(http.MethodPut)
	v1.HandleFunc("/triggers/{id}", h.deleteTrigger).Methods(http.MethodDelete)

	h.router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	h.router.HandleFunc("/readyz", h.readyz).Methods(http.MethodGet)
	h.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return loggingMiddleware(h.logger, h.router)
}

type ingestResponse struct {
	EventID    string                   `json:"event_id"`
	Decisions  []*decision.FireDecision `json:"decisions"`
	DurationMs int64                    `json:"duration_ms"`
}

// POST /v1/events: synchronous single-event ingestion.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stamp(&ev, time.Now())

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.EventTimeout)
	defer cancel()
	start := time.Now()
	fired, err := h.eng.Ingest(ctx, &ev)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if fired == nil {
		fired = []*decision.FireDecision{}
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		EventID:    ev.Ref(),
		Decisions:  fired,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

// POST /v1/events/batch: async batch ingestion (up to 100 events).
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var events []*event.Event
	if err := decodeJSON(w, r, &events); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
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

	now := time.Now()
	queued, rejected := 0, 0
	var invalid []string
	for i, ev := range events {
		if ev == nil {
			invalid = append(invalid, fmt.Sprintf("[%d]: null event", i))
			continue
		}
		stamp(ev, now)
		if err := ev.Validate(); err != nil {
			invalid = append(invalid, fmt.Sprintf("[%d]: %s", i, err))
			continue
		}
		if h.eng.IngestAsync(ev) {
			queued++
		} else {
			rejected++
		}
	}

	status := http.StatusAccepted
	if queued == 0 && rejected > 0 {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]any{
		"job_id":   uuid.NewString(),
		"total":    len(events),
		"queued":   queued,
		"rejected": rejected,
		"invalid":  invalid,
	})
}

type triggerView struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Version    uint64            `json:"version"`
	Source     string            `json:"source"`
	Enabled    bool              `json:"enabled"`
	Posture    string            `json:"posture"`
	Definition config.TriggerDef `json:"definition"`
}

func viewOf(r engine.Registered) triggerView {
	return triggerView{
		ID:         r.Spec.ID,
		Name:       r.Spec.Name,
		Version:    r.Spec.Version,
		Source:     r.Source,
		Enabled:    r.Enabled,
		Posture:    string(r.Spec.Posture),
		Definition: r.Spec.Def,
	}
}

// GET /v1/triggers
func (h *Handler) listTriggers(w http.ResponseWriter, r *http.Request) {
	regs := h.eng.List()
	out := make([]triggerView, len(regs))
	for i, reg := range regs {
		out[i] = viewOf(reg)
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": out})
}

// POST /v1/triggers
func (h *Handler) createTrigger(w http.ResponseWriter, r *http.Request) {
	var def config.TriggerDef
	if err := decodeJSON(w, r, &def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.eng.Register(def); err != nil {
		writeEngineError(w, err)
		return
	}
	h.writeTrigger(w, http.StatusCreated, def.ID)
}

// GET /v1/triggers/{id}
func (h *Handler) getTrigger(w http.ResponseWriter, r *http.Request) {
	h.writeTrigger(w, http.StatusOK, mux.Vars(r)["id"])
}

// PUT /v1/triggers/{id}
func (h *Handler) updateTrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var def config.TriggerDef
	if err := decodeJSON(w, r, &def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if def.ID == "" {
		def.ID = id
	}
	if def.ID != id {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("body id %q does not match path id %q", def.ID, id))
		return
	}
	if _, err := h.eng.Update(def); err != nil {
		writeEngineError(w, err)
		return
	}
	h.writeTrigger(w, http.StatusOK, id)
}

// DELETE /v1/triggers/{id}
func (h *Handler) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.Remove(mux.Vars(r)["id"]); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/triggers/reload: hot-reload file triggers from disk.
func (h *Handler) reloadTriggers(w http.ResponseWriter, r *http.Request) {
	if h.opts.Reload == nil {
		writeError(w, http.StatusNotImplemented, "no trigger file configured")
		return
	}
	res, err := h.opts.Reload()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"added":    nonNil(res.Added),
		"updated":  nonNil(res.Updated),
		"removed":  nonNil(res.Removed),
	})
}

func (h *Handler) writeTrigger(w http.ResponseWriter, status int, id string) {
	reg, err := h.eng.Get(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, status, viewOf(reg))
}

// GET /healthz: always 200 (liveness).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 when degraded or a queue is over 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	health := h.eng.Health()
	body := map[string]any{
		"triggers":          health.Triggers,
		"pending_timers":    health.PendingTimers,
		"queue_utilization": health.QueueUtilization,
	}
	var decisionUtil float64
	if h.opts.Decisions != nil {
		decisionUtil = h.opts.Decisions.Utilization()
		body["decision_queue_utilization"] = decisionUtil
	}

	switch {
	case health.Degraded:
		body["status"] = "degraded"
		body["reason"] = health.Reason
		writeJSON(w, http.StatusServiceUnavailable, body)
	case health.QueueUtilization > readyMaxUtil || decisionUtil > readyMaxUtil:
		body["status"] = "overloaded"
		writeJSON(w, http.StatusServiceUnavailable, body)
	default:
		body["status"] = "ready"
		writeJSON(w, http.StatusOK, body)
	}
}

// stamp fills server-assigned event fields. The producer ID is left alone
// so that deduplication can still key on the occurrence.
func stamp(ev *event.Event, now time.Time) {
	ev.ReceiptID = uuid.NewString()
	ev.ReceivedAt = now
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isTimeout reports whether err came from the request deadline.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
