// Package bus exposes the ledger store over HTTP. The bus process is
// the only writer of the embedded database; every agent role talks to
// it through Client.
package bus

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/gastown/internal/store"
	"github.com/rendis/gastown/pkg/schema"
)

// Server handles the ledger HTTP API.
type Server struct {
	store  store.Store
	logger *slog.Logger
}

// NewServer creates a Server over the given store.
func NewServer(st store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, logger: logger}
}

// Router builds the chi router for the full API surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/verify", s.handleVerifyChain)

	r.Post("/events", s.handleAppendEvent)
	r.Get("/events", s.handleListEvents)
	r.Get("/tasks/{taskID}", s.handleTaskEvents)

	r.Post("/work_items", s.handleCreateWorkItem)
	r.Get("/work_items", s.handleListWorkItems)
	r.Get("/work_items/{id}", s.handleGetWorkItem)
	r.Patch("/work_items/{id}", s.handleUpdateWorkItem)
	r.Get("/agents/{id}/stats", s.handleAgentStats)

	r.Post("/dlq", s.handleEnqueueDLQ)
	r.Post("/dlq/claim", s.handleClaimDLQ)
	r.Post("/dlq/reclaim", s.handleReclaimDLQ)
	r.Patch("/dlq/{id}", s.handleUpdateDLQ)

	return r
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Code: schema.ErrCodeExecution, Message: err.Error()}

	var gerr *schema.GastownError
	if errors.As(err, &gerr) {
		body.Code = gerr.Code
		body.Message = gerr.Message
		body.Details = gerr.Details
		switch gerr.Code {
		case schema.ErrCodeValidation, schema.ErrCodeInvalidTransition:
			status = http.StatusBadRequest
		case schema.ErrCodeNotFound:
			status = http.StatusNotFound
		case schema.ErrCodeConflict:
			status = http.StatusConflict
		case schema.ErrCodeChainBroken:
			status = http.StatusInternalServerError
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON body").WithCause(err)
	}
	return nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	if err := s.store.VerifyChain(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "valid"})
}

// --- events ---

type appendEventRequest struct {
	Kind    string         `json:"kind"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Kind == "" {
		s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, "missing required field 'kind'"))
		return
	}

	event, err := s.store.AppendEvent(r.Context(), req.Kind, req.Content, req.Meta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	limit := queryInt(r, "limit", 100)

	events, err := s.store.ListEvents(r.Context(), kind, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*schema.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	events, err := s.store.ListTaskEvents(r.Context(), taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*schema.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- work items ---

func (s *Server) handleCreateWorkItem(w http.ResponseWriter, r *http.Request) {
	var item schema.WorkItem
	if err := decodeJSON(r, &item); err != nil {
		s.writeError(w, r, err)
		return
	}
	if item.Title == "" {
		s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, "missing required field 'title'"))
		return
	}

	id, err := s.store.CreateWorkItem(r.Context(), &item)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.store.GetWorkItem(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetWorkItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUpdateWorkItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var update schema.WorkItemUpdate
	if err := decodeJSON(r, &update); err != nil {
		s.writeError(w, r, err)
		return
	}

	found, err := s.store.UpdateWorkItem(r.Context(), id, update)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, schema.NewErrorf(schema.ErrCodeNotFound, "work item %q not found", id))
		return
	}

	item, err := s.store.GetWorkItem(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleListWorkItems(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkItemFilter{
		AssigneeID: r.URL.Query().Get("assignee_id"),
		Limit:      queryInt(r, "limit", 100),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := schema.WorkItemStatus(raw)
		filter.Status = &status
	}

	items, err := s.store.ListWorkItems(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*schema.WorkItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetAgentStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- dead-letter queue ---

type enqueueDLQRequest struct {
	EventType   string `json:"event_type"`
	Payload     string `json:"payload"`
	ErrorReason string `json:"error_reason,omitempty"`
}

func (s *Server) handleEnqueueDLQ(w http.ResponseWriter, r *http.Request) {
	var req enqueueDLQRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.EventType == "" {
		s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, "missing required field 'event_type'"))
		return
	}

	item, err := s.store.EnqueueDLQ(r.Context(), req.EventType, req.Payload, req.ErrorReason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

type claimDLQRequest struct {
	WorkerID string `json:"worker_id"`
	Limit    int    `json:"limit,omitempty"`
}

func (s *Server) handleClaimDLQ(w http.ResponseWriter, r *http.Request) {
	var req claimDLQRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.WorkerID == "" {
		s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, "missing required field 'worker_id'"))
		return
	}
	if req.Limit <= 0 {
		req.Limit = 1
	}

	items, err := s.store.ClaimDLQ(r.Context(), req.WorkerID, req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*schema.DLQItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

type reclaimDLQRequest struct {
	LeaseSeconds int `json:"lease_seconds"`
}

type reclaimDLQResponse struct {
	Reclaimed int64 `json:"reclaimed"`
}

func (s *Server) handleReclaimDLQ(w http.ResponseWriter, r *http.Request) {
	var req reclaimDLQRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.LeaseSeconds <= 0 {
		s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, "'lease_seconds' must be positive"))
		return
	}

	n, err := s.store.ReclaimExpiredDLQ(r.Context(), secondsToDuration(req.LeaseSeconds))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reclaimDLQResponse{Reclaimed: n})
}

func (s *Server) handleUpdateDLQ(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, "dlq id must be an integer"))
		return
	}

	var update store.DLQUpdate
	if err := decodeJSON(r, &update); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.store.UpdateDLQ(r.Context(), id, update); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
