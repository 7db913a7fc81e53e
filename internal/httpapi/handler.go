package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"filaflow/queue-service/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store store.TicketStore
}

type issueTicketRequest struct {
	RequestID string `json:"request_id"`
	QueueID   string `json:"queue_id"`
	Note      string `json:"note"`
}

type callNextRequest struct {
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
	CounterID string `json:"counter_id"`
	QueueID   string `json:"queue_id"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(store store.TicketStore) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/waiting", h.handleWaitingTickets)
	mux.HandleFunc("/api/tickets/active", h.handleActiveTicket)
	mux.HandleFunc("/api/tickets/", h.handleTicketSubtree)
	mux.HandleFunc("/api/queues", h.handleQueues)
	mux.HandleFunc("/api/queues/", h.handleQueueActions)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
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
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.QueueID = strings.TrimSpace(req.QueueID)
	req.Note = strings.TrimSpace(req.Note)

	if req.RequestID == "" || req.QueueID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and queue_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.QueueID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and queue_id must be UUIDs")
		return
	}

	ticket, _, err := h.store.IssueTicket(r.Context(), store.IssueTicketInput{
		RequestID: req.RequestID,
		QueueID:   req.QueueID,
		Note:      req.Note,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.AgentID = strings.TrimSpace(req.AgentID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	req.QueueID = strings.TrimSpace(req.QueueID)

	if req.RequestID == "" || req.AgentID == "" || req.CounterID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, agent_id, and counter_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.CounterID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and counter_id must be UUIDs")
		return
	}
	if req.QueueID != "" && !isValidUUID(req.QueueID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "queue_id must be a UUID when provided")
		return
	}

	ticket, _, err := h.store.CallNext(r.Context(), store.CallNextInput{
		RequestID: req.RequestID,
		AgentID:   req.AgentID,
		CounterID: req.CounterID,
		QueueID:   req.QueueID,
		CalledAt:  time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleWaitingTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	locationID := strings.TrimSpace(r.URL.Query().Get("location_id"))
	queueID := strings.TrimSpace(r.URL.Query().Get("queue_id"))
	if queueID != "" && !isValidUUID(queueID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "queue_id must be a UUID when provided")
		return
	}

	tickets, err := h.store.ListWaiting(r.Context(), locationID, queueID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleActiveTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	counterID := strings.TrimSpace(r.URL.Query().Get("counter_id"))
	if agentID == "" && counterID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "agent_id or counter_id is required")
		return
	}
	if counterID != "" && !isValidUUID(counterID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "counter_id must be a UUID when provided")
		return
	}

	ticket, found, err := h.store.GetActiveTicket(r.Context(), agentID, counterID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, ticket)
}

// handleTicketSubtree serves GET /api/tickets/{id}, GET
// /api/tickets/{id}/audit, and POST /api/tickets/{id}/actions/{action}.
func (h *Handler) handleTicketSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetTicket(w, r, ticketID)
	case len(parts) == 2 && parts[1] == "audit":
		h.handleTicketAudit(w, r, ticketID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTicketAction(w, r, ticketID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ticket, _, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketAudit(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	entries, err := h.store.ListAuditEntries(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type ticketActionRequest struct {
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
	CounterID string `json:"counter_id"`
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ticketActionRequest
	if !decodeActionRequest(w, r, &req) {
		return
	}

	var (
		ticket interface{}
		err    error
	)
	switch action {
	case "call":
		req.CounterID = strings.TrimSpace(req.CounterID)
		if req.CounterID == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "counter_id is required")
			return
		}
		if !isValidUUID(req.CounterID) {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
			return
		}
		ticket, _, err = h.store.CallTicket(r.Context(), store.CallTicketInput{
			RequestID: req.RequestID,
			AgentID:   req.AgentID,
			CounterID: req.CounterID,
			TicketID:  ticketID,
			CalledAt:  time.Now().UTC(),
		})
	case "finish":
		ticket, _, err = h.store.FinishTicket(r.Context(), actionInput(req, ticketID))
	case "cancel":
		ticket, _, err = h.store.CancelTicket(r.Context(), actionInput(req, ticketID))
	case "recall":
		ticket, _, err = h.store.RecallTicket(r.Context(), actionInput(req, ticketID))
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func actionInput(req ticketActionRequest, ticketID string) store.TicketActionInput {
	return store.TicketActionInput{
		RequestID:  req.RequestID,
		AgentID:    req.AgentID,
		TicketID:   ticketID,
		OccurredAt: time.Now().UTC(),
	}
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	locationID := strings.TrimSpace(r.URL.Query().Get("location_id"))
	queues, err := h.store.ListQueues(r.Context(), locationID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func (h *Handler) handleQueueActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/queues/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" || parts[2] != "reset-counter" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	queueID := parts[0]
	if !isValidUUID(queueID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "queue_id must be a UUID")
		return
	}

	var req ticketActionRequest
	if !decodeActionRequest(w, r, &req) {
		return
	}

	if err := h.store.ResetCounter(r.Context(), store.ResetCounterInput{
		RequestID:  req.RequestID,
		AgentID:    req.AgentID,
		QueueID:    queueID,
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func decodeActionRequest(w http.ResponseWriter, r *http.Request, req *ticketActionRequest) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.AgentID = strings.TrimSpace(req.AgentID)
	req.CounterID = strings.TrimSpace(req.CounterID)

	if req.RequestID == "" || req.AgentID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id and agent_id are required")
		return false
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
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
	case errors.Is(err, store.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found", "queue not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidResetPolicy):
		return http.StatusBadRequest, "invalid_reset_policy", "queue has an unsupported reset policy"
	case errors.Is(err, store.ErrNoTicket):
		return http.StatusConflict, "queue_empty", "no tickets waiting"
	case errors.Is(err, store.ErrAgentBusy):
		return http.StatusConflict, "agent_busy", "agent or counter already has an active ticket"
	case errors.Is(err, store.ErrTicketNotWaiting):
		return http.StatusConflict, "ticket_not_waiting", "ticket is not waiting"
	case errors.Is(err, store.ErrTicketNotInService):
		return http.StatusConflict, "ticket_not_in_service", "ticket is not in service"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "concurrent update, retry the request"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
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
