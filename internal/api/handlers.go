package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/scheduler"
	"github.com/LeventeLantos/message-dispatch/internal/service"
)

const maxBodyBytes = 1 << 20

// Ticker runs one dispatch tick on demand.
type Ticker interface {
	Tick(ctx context.Context) (service.TickReport, error)
}

type Handler struct {
	sched   *scheduler.Scheduler
	queue   *service.QueueService
	ticker  Ticker
	metrics http.Handler
}

func NewHandler(s *scheduler.Scheduler, q *service.QueueService, t Ticker, metrics http.Handler) *Handler {
	return &Handler{sched: s, queue: q, ticker: t, metrics: metrics}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) schedulerState() map[string]any {
	state := map[string]any{
		"running":  h.sched.IsRunning(),
		"schedule": h.sched.Spec(),
	}
	if next := h.sched.NextRun(); !next.IsZero() {
		state["nextRun"] = next.UTC().Format(time.RFC3339)
	}
	return state
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

func (h *Handler) QueueMessage(w http.ResponseWriter, r *http.Request) {
	var req service.QueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := h.queue.QueueOne(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *Handler) QueueBatch(w http.ResponseWriter, r *http.Request) {
	var req service.BatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.queue.QueueBatch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.queue.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	rc, err := h.queue.GetReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *Handler) UpdateMessage(w http.ResponseWriter, r *http.Request) {
	var p service.Patch
	if !decodeBody(w, r, &p) {
		return
	}
	m, err := h.queue.UpdateQueued(r.Context(), r.PathValue("id"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.DeleteQueued(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageNum, err := parseInt("page", q.Get("page"), 1)
	if err != nil {
		writeError(w, err)
		return
	}
	pageSize, err := parseInt("pageSize", q.Get("pageSize"), service.DefaultPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := h.queue.ListQueued(r.Context(), service.ListQuery{
		Page:     pageNum,
		PageSize: pageSize,
		Status:   q.Get("status"),
		Priority: q.Get("priority"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.GetStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	s, err := h.queue.GetConfig(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// configRequest leaves out fields the caller does not want to change.
type configRequest struct {
	DailyLimit       *int    `json:"dailyLimit"`
	DispatchInterval *string `json:"dispatchInterval"`
	Enabled          *bool   `json:"enabled"`
}

func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cur, err := h.queue.GetConfig(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	in := service.SettingsInput{
		DailyLimit:       cur.DailyLimit,
		DispatchInterval: cur.DispatchInterval,
		Enabled:          cur.Enabled,
	}
	if req.DailyLimit != nil {
		in.DailyLimit = *req.DailyLimit
	}
	if req.DispatchInterval != nil {
		in.DispatchInterval = *req.DispatchInterval
	}
	if req.Enabled != nil {
		in.Enabled = *req.Enabled
	}

	saved, err := h.queue.SetConfig(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) DispatchTick(w http.ResponseWriter, r *http.Request) {
	report, err := h.ticker.Tick(r.Context())
	body := map[string]any{"report": report}
	if err != nil {
		slog.Warn("manual tick finished with errors", "err", err)
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: fmt.Sprintf("invalid json body: %v", err)})
		return false
	}
	return true
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrAlreadyProcessed):
		return http.StatusConflict, "already_processed"
	case errors.Is(err, model.ErrEditWindowExpired):
		return http.StatusConflict, "edit_window_expired"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// parseInt reads an optional integer query parameter. Empty means def.
func parseInt(name, raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &model.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
