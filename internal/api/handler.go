// Package api exposes the communication engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"regcomms/internal/deadline"
	"regcomms/internal/directory"
	"regcomms/internal/escalation"
	"regcomms/internal/incident"
	"regcomms/internal/notify"
	"regcomms/internal/rules"
)

// Handler provides HTTP handlers for the communication engine.
type Handler struct {
	engine     *escalation.Engine
	dispatcher *notify.Dispatcher
	scheduler  *deadline.Scheduler
	catalog    *rules.Catalog
	paths      escalation.PathRepository
	comms      notify.Repository
	schedules  deadline.Repository
}

// NewHandler creates an API handler.
func NewHandler(engine *escalation.Engine, dispatcher *notify.Dispatcher, scheduler *deadline.Scheduler, catalog *rules.Catalog, paths escalation.PathRepository, comms notify.Repository, schedules deadline.Repository) *Handler {
	return &Handler{
		engine:     engine,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		catalog:    catalog,
		paths:      paths,
		comms:      comms,
		schedules:  schedules,
	}
}

// RegisterRoutes registers engine routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/incidents/{id}/evaluate", h.HandleEvaluate)

	mux.HandleFunc("GET /v1/paths", h.HandleListPaths)
	mux.HandleFunc("GET /v1/paths/{id}", h.HandleGetPath)
	mux.HandleFunc("POST /v1/paths/{id}/check", h.HandleCheckEscalation)
	mux.HandleFunc("POST /v1/paths/{id}/acknowledge", h.HandleAcknowledgePath)

	mux.HandleFunc("POST /v1/notifications", h.HandleSendNotification)
	mux.HandleFunc("POST /v1/notifications/bulk", h.HandleSendBulk)

	mux.HandleFunc("GET /v1/communications", h.HandleListCommunications)
	mux.HandleFunc("GET /v1/communications/{id}", h.HandleGetCommunication)
	mux.HandleFunc("POST /v1/communications/{id}/acknowledge", h.HandleAcknowledgeCommunication)

	mux.HandleFunc("GET /v1/schedules", h.HandleListSchedules)
	mux.HandleFunc("POST /v1/schedules/{id}/sent", h.HandleMarkSent)

	mux.HandleFunc("GET /v1/rules", h.HandleListRules)
}

type evaluateRequest struct {
	Trigger incident.Trigger `json:"trigger"`
}

// HandleEvaluate handles POST /v1/incidents/{id}/evaluate requests.
func (h *Handler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	incidentID := r.PathValue("id")

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Trigger == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "trigger field is required")
		return
	}
	if !req.Trigger.IsValid() {
		h.writeError(w, http.StatusBadRequest, "invalid_trigger", "unknown trigger value")
		return
	}

	path, err := h.engine.EvaluateIncident(ctx, incidentID, req.Trigger)
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "incident not found")
			return
		}
		slog.Error("failed to evaluate incident", "incident_id", incidentID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "evaluate_error", "failed to evaluate incident")
		return
	}

	if path == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"matched": false})
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"matched": true, "path": path})
}

// HandleListPaths handles GET /v1/paths requests.
func (h *Handler) HandleListPaths(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := escalation.PathFilter{
		IncidentID: q.Get("incident_id"),
		Status:     escalation.PathStatus(q.Get("status")),
	}
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if filter.Limit == 0 {
		filter.Limit = 100
	}

	paths, err := h.paths.ListPaths(ctx, filter)
	if err != nil {
		slog.Error("failed to list paths", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_error", "failed to list escalation paths")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"paths": paths,
		"total": len(paths),
	})
}

// HandleGetPath handles GET /v1/paths/{id} requests.
func (h *Handler) HandleGetPath(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid path ID format")
		return
	}

	path, err := h.paths.GetPath(ctx, id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "escalation path not found")
		return
	}

	h.writeJSON(w, http.StatusOK, path)
}

// HandleCheckEscalation handles POST /v1/paths/{id}/check requests.
// The check is idempotent, so exposing it is safe; operators use it to
// force a sweep for one path.
func (h *Handler) HandleCheckEscalation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid path ID format")
		return
	}

	if err := h.engine.CheckEscalation(ctx, id); err != nil {
		if errors.Is(err, escalation.ErrPathNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "escalation path not found")
			return
		}
		slog.Error("escalation check failed", "path_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "check_error", "escalation check failed")
		return
	}

	path, err := h.paths.GetPath(ctx, id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "escalation path not found")
		return
	}
	h.writeJSON(w, http.StatusOK, path)
}

type acknowledgePathRequest struct {
	Actor string `json:"actor"`
}

// HandleAcknowledgePath handles POST /v1/paths/{id}/acknowledge requests.
func (h *Handler) HandleAcknowledgePath(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid path ID format")
		return
	}

	var req acknowledgePathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "actor field is required")
		return
	}

	if err := h.engine.Acknowledge(ctx, id, req.Actor); err != nil {
		if errors.Is(err, escalation.ErrPathNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "escalation path not found")
			return
		}
		slog.Error("failed to acknowledge path", "path_id", id, "error", err)
		h.writeError(w, http.StatusConflict, "acknowledge_error", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// HandleSendNotification handles POST /v1/notifications requests.
func (h *Handler) HandleSendNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req notify.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}

	comm, err := h.dispatcher.SendNotification(ctx, &req)
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) || errors.Is(err, directory.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		if comm != nil {
			// Delivered state exists; the transport failed. The
			// communication carries the per-recipient reason.
			h.writeJSON(w, http.StatusBadGateway, comm)
			return
		}
		slog.Error("failed to send notification", "error", err)
		h.writeError(w, http.StatusBadRequest, "send_error", err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, comm)
}

type bulkRequest struct {
	IncidentID string            `json:"incident_id"`
	Roles      []string          `json:"roles"`
	Type       notify.Type       `json:"type"`
	Channel    directory.Channel `json:"channel"`
	TemplateID string            `json:"template_id,omitempty"`
}

// HandleSendBulk handles POST /v1/notifications/bulk requests.
func (h *Handler) HandleSendBulk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	if req.IncidentID == "" || len(req.Roles) == 0 || !req.Type.IsValid() || !req.Channel.IsValid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "incident_id, roles, type and channel fields are required")
		return
	}

	comm, err := h.dispatcher.SendBulkNotification(ctx, req.IncidentID, req.Roles, req.Type, req.Channel, req.TemplateID)
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "incident not found")
			return
		}
		if errors.Is(err, notify.ErrSuppressed) {
			h.writeError(w, http.StatusTooManyRequests, "suppressed", "duplicate status update suppressed")
			return
		}
		slog.Error("failed to send bulk notification", "incident_id", req.IncidentID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "send_error", "failed to send bulk notification")
		return
	}

	h.writeJSON(w, http.StatusCreated, comm)
}

// HandleListCommunications handles GET /v1/communications requests.
func (h *Handler) HandleListCommunications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := notify.CommunicationFilter{
		IncidentID: q.Get("incident_id"),
		Type:       notify.Type(q.Get("type")),
		Status:     notify.Status(q.Get("status")),
	}
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}
	if filter.Limit == 0 {
		filter.Limit = 100
	}

	comms, err := h.comms.ListCommunications(ctx, filter)
	if err != nil {
		slog.Error("failed to list communications", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_error", "failed to list communications")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"communications": comms,
		"total":          len(comms),
	})
}

// HandleGetCommunication handles GET /v1/communications/{id} requests.
func (h *Handler) HandleGetCommunication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid communication ID format")
		return
	}

	comm, err := h.comms.GetCommunication(ctx, id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "communication not found")
		return
	}

	h.writeJSON(w, http.StatusOK, comm)
}

type acknowledgeCommRequest struct {
	StakeholderID string `json:"stakeholder_id"`
}

// HandleAcknowledgeCommunication handles
// POST /v1/communications/{id}/acknowledge requests.
func (h *Handler) HandleAcknowledgeCommunication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid communication ID format")
		return
	}

	var req acknowledgeCommRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StakeholderID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "stakeholder_id field is required")
		return
	}

	if err := h.dispatcher.AcknowledgeNotification(ctx, id, req.StakeholderID); err != nil {
		if errors.Is(err, notify.ErrCommunicationNotFound) || errors.Is(err, notify.ErrRecipientNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		slog.Error("failed to acknowledge communication", "communication_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "acknowledge_error", "failed to acknowledge communication")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// HandleListSchedules handles GET /v1/schedules requests.
func (h *Handler) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := deadline.ScheduleFilter{
		IncidentID: q.Get("incident_id"),
		Status:     deadline.ScheduleStatus(q.Get("status")),
	}
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if filter.Limit == 0 {
		filter.Limit = 100
	}

	schedules, err := h.schedules.ListSchedules(ctx, filter)
	if err != nil {
		slog.Error("failed to list schedules", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_error", "failed to list scheduled notifications")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"schedules": schedules,
		"total":     len(schedules),
	})
}

// HandleMarkSent handles POST /v1/schedules/{id}/sent requests.
func (h *Handler) HandleMarkSent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid schedule ID format")
		return
	}

	if err := h.scheduler.MarkSent(ctx, id); err != nil {
		if errors.Is(err, deadline.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "scheduled notification not found")
			return
		}
		if errors.Is(err, deadline.ErrInvalidTransition) {
			h.writeError(w, http.StatusConflict, "invalid_transition", err.Error())
			return
		}
		slog.Error("failed to mark schedule sent", "schedule_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "update_error", "failed to mark schedule sent")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// HandleListRules handles GET /v1/rules requests.
func (h *Handler) HandleListRules(w http.ResponseWriter, _ *http.Request) {
	list := h.catalog.Rules()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"total": len(list),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
