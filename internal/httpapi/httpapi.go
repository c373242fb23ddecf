// Copyright 2025 James Ross

// Package httpapi is the thin HTTP submission surface in front of
// admission.Submit and admin.Stats/PeekDLQ: request decoding and status
// codes only, no business logic, routed through a gorilla/mux router.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flyingrobots/go-task-runner/internal/admin"
	"github.com/flyingrobots/go-task-runner/internal/admission"
	"github.com/flyingrobots/go-task-runner/internal/broker"
	"github.com/flyingrobots/go-task-runner/internal/store"
)

// Handler wires the HTTP surface to the core admission/admin operations.
type Handler struct {
	admitter *admission.Admitter
	store    store.Store
	broker   broker.Broker
	log      *zap.Logger
}

func NewHandler(a *admission.Admitter, s store.Store, b broker.Broker, log *zap.Logger) *Handler {
	return &Handler{admitter: a, store: s, broker: b, log: log}
}

// RegisterRoutes mounts the submission and introspection routes on router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/tasks", h.submitTask).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/tasks/{id}", h.getTask).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/stats", h.getStats).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/dlq", h.peekDLQ).Methods(http.MethodGet)
}

type submitRequest struct {
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Found  bool   `json:"found"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	res, err := h.admitter.Submit(r.Context(), admission.SubmitParams{
		Name:        req.Name,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		h.log.Error("submit task failed", zap.Error(err))
		http.Error(w, "submit failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if res.Found {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	json.NewEncoder(w).Encode(submitResponse{
		TaskID: res.Task.ID,
		Status: string(res.Task.Status),
		Found:  res.Found,
	})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		h.log.Error("get task failed", zap.Error(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(task)
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := admin.Stats(r.Context(), h.store, h.broker)
	if err != nil {
		h.log.Error("stats failed", zap.Error(err))
		http.Error(w, "stats failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (h *Handler) peekDLQ(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	entries, err := admin.PeekDLQ(r.Context(), h.store, limit)
	if err != nil {
		h.log.Error("peek dlq failed", zap.Error(err))
		http.Error(w, "peek failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
