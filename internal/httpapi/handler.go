package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

// Engine is the queue surface the handler consumes.
type Engine interface {
	IssueTicket(ctx context.Context, input queue.IssueTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	NextTicketFor(ctx context.Context, counterID string) (models.Ticket, error)
	CallNext(ctx context.Context, counterID string) (models.Ticket, error)
	Call(ctx context.Context, ticketID, counterID string) (models.Ticket, error)
	StartServing(ctx context.Context, ticketID string) (models.Ticket, error)
	Complete(ctx context.Context, ticketID string) (models.Ticket, error)
	Cancel(ctx context.Context, ticketID, reason string) (models.Ticket, error)
	Transfer(ctx context.Context, ticketID, newServiceCode string) (queue.TransferResult, error)
	ReassignPriority(ctx context.Context, ticketID, label, reason string) (models.Ticket, error)
	ReassignCounter(ctx context.Context, ticketID, counterID, reason string) (models.Ticket, error)
	Snapshot(ctx context.Context, serviceCode string) (queue.Snapshot, error)
	ListServices(ctx context.Context) ([]models.Service, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	SetCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error)
}

type Handler struct {
	engine Engine
}

func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/", h.handleTicketByID)
	mux.HandleFunc("/api/queue/snapshot", h.handleSnapshot)
	mux.HandleFunc("/api/queue/next", h.handleNextTicket)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.HandleFunc("/api/counters", h.handleCounters)
	mux.HandleFunc("/api/counters/", h.handleCounterActions)
	return mux
}

type issueTicketRequest struct {
	ServiceCode     string `json:"service_code"`
	Priority        string `json:"priority"`
	CustomerName    string `json:"customer_name"`
	AppointmentTime string `json:"appointment_time"`
}

type counterRequest struct {
	CounterID string `json:"counter_id"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type transferTicketRequest struct {
	ToServiceCode string `json:"to_service_code"`
}

type priorityRequest struct {
	Priority string `json:"priority"`
	Reason   string `json:"reason"`
}

type reassignCounterRequest struct {
	CounterID string `json:"counter_id"`
	Reason    string `json:"reason"`
}

type counterStatusRequest struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req issueTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	req.ServiceCode = strings.TrimSpace(req.ServiceCode)
	req.Priority = strings.TrimSpace(req.Priority)
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	if req.ServiceCode == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "service_code is required")
		return
	}

	var appointment *time.Time
	if raw := strings.TrimSpace(req.AppointmentTime); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "appointment_time must be an RFC3339 timestamp")
			return
		}
		appointment = &parsed
	}

	ticket, err := h.engine.IssueTicket(r.Context(), queue.IssueTicketInput{
		ServiceCode:     req.ServiceCode,
		Priority:        req.Priority,
		CustomerName:    req.CustomerName,
		AppointmentTime: appointment,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req counterRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.CounterID = strings.TrimSpace(req.CounterID)
	if req.CounterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id is required")
		return
	}
	if !isValidUUID(req.CounterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	ticket, err := h.engine.CallNext(r.Context(), req.CounterID)
	if err != nil {
		if errors.Is(err, store.ErrNoTicket) {
			writeError(w, http.StatusConflict, "queue_empty", "no tickets available")
			return
		}
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 1 {
		h.handleGetTicket(w, r, parts[0])
		return
	}
	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	switch parts[2] {
	case "call":
		h.handleCallTicket(w, r, ticketID)
	case "start":
		h.handleStartServing(w, r, ticketID)
	case "complete":
		h.handleCompleteTicket(w, r, ticketID)
	case "cancel":
		h.handleCancelTicket(w, r, ticketID)
	case "transfer":
		h.handleTransferTicket(w, r, ticketID)
	case "priority":
		h.handleReassignPriority(w, r, ticketID)
	case "reassign-counter":
		h.handleReassignCounter(w, r, ticketID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(ticketID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	ticket, err := h.engine.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCallTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req counterRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.CounterID = strings.TrimSpace(req.CounterID)
	if req.CounterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id is required")
		return
	}
	if !isValidUUID(req.CounterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	ticket, err := h.engine.Call(r.Context(), ticketID, req.CounterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleStartServing(w http.ResponseWriter, r *http.Request, ticketID string) {
	ticket, err := h.engine.StartServing(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCompleteTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	ticket, err := h.engine.Complete(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCancelTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req cancelRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	ticket, err := h.engine.Cancel(r.Context(), ticketID, strings.TrimSpace(req.Reason))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTransferTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req transferTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.ToServiceCode = strings.TrimSpace(req.ToServiceCode)
	if req.ToServiceCode == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "to_service_code is required")
		return
	}

	result, err := h.engine.Transfer(r.Context(), ticketID, req.ToServiceCode)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReassignPriority(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req priorityRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Priority = strings.TrimSpace(req.Priority)
	if req.Priority == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "priority is required")
		return
	}

	ticket, err := h.engine.ReassignPriority(r.Context(), ticketID, req.Priority, strings.TrimSpace(req.Reason))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleReassignCounter(w http.ResponseWriter, r *http.Request, ticketID string) {
	var req reassignCounterRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.CounterID = strings.TrimSpace(req.CounterID)
	if req.CounterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id is required")
		return
	}
	if !isValidUUID(req.CounterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	ticket, err := h.engine.ReassignCounter(r.Context(), ticketID, req.CounterID, strings.TrimSpace(req.Reason))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	serviceCode := strings.TrimSpace(r.URL.Query().Get("service_code"))
	snapshot, err := h.engine.Snapshot(r.Context(), serviceCode)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleNextTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	counterID := strings.TrimSpace(r.URL.Query().Get("counter_id"))
	if counterID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id is required")
		return
	}
	if !isValidUUID(counterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	ticket, err := h.engine.NextTicketFor(r.Context(), counterID)
	if err != nil {
		if errors.Is(err, store.ErrNoTicket) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	services, err := h.engine.ListServices(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	counters, err := h.engine.ListCounters(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

func (h *Handler) handleCounterActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/counters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "status" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	counterID := parts[0]
	if !isValidUUID(counterID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	var req counterStatusRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Status = strings.TrimSpace(req.Status)
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "status is required")
		return
	}

	counter, err := h.engine.SetCounterStatus(r.Context(), counterID, req.Status)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, counter)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrServiceInactive):
		return http.StatusConflict, "service_inactive", "service is not accepting tickets"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter is already serving a ticket"
	case errors.Is(err, store.ErrCounterUnavailable):
		return http.StatusConflict, "counter_unavailable", "counter cannot take calls"
	case errors.Is(err, store.ErrCounterMismatch):
		return http.StatusConflict, "counter_mismatch", "counter does not support this service"
	case errors.Is(err, store.ErrNoSupportedServices):
		return http.StatusConflict, "no_supported_services", "counter has no supported services"
	case errors.Is(err, store.ErrUnknownPriority):
		return http.StatusBadRequest, "unknown_priority", "unknown priority label"
	case errors.Is(err, store.ErrAppointmentRequired):
		return http.StatusBadRequest, "appointment_required", "appointment priority requires a scheduled time"
	case errors.Is(err, store.ErrLockTimeout):
		return http.StatusServiceUnavailable, "resource_busy", "resource is busy, retry the request"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
