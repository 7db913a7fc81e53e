package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"filaflow/queue-service/internal/models"
	"filaflow/queue-service/internal/store"
)

type fakeStore struct {
	issueFn    func(ctx context.Context, input store.IssueTicketInput) (models.Ticket, bool, error)
	getFn      func(ctx context.Context, ticketID string) (models.Ticket, bool, error)
	waitingFn  func(ctx context.Context, locationID, queueID string) ([]models.Ticket, error)
	callNextFn func(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error)
	callFn     func(ctx context.Context, input store.CallTicketInput) (models.Ticket, bool, error)
	finishFn   func(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error)
	cancelFn   func(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error)
	recallFn   func(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error)
	resetFn    func(ctx context.Context, input store.ResetCounterInput) error
	activeFn   func(ctx context.Context, agentID, counterID string) (models.Ticket, bool, error)
	queuesFn   func(ctx context.Context, locationID string) ([]models.Queue, error)
	auditFn    func(ctx context.Context, ticketID string) ([]store.AuditEntry, error)
	outboxFn   func(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error)
}

func (f fakeStore) IssueTicket(ctx context.Context, input store.IssueTicketInput) (models.Ticket, bool, error) {
	if f.issueFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.issueFn(ctx, input)
}

func (f fakeStore) GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error) {
	if f.getFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.getFn(ctx, ticketID)
}

func (f fakeStore) ListWaiting(ctx context.Context, locationID, queueID string) ([]models.Ticket, error) {
	if f.waitingFn == nil {
		return nil, nil
	}
	return f.waitingFn(ctx, locationID, queueID)
}

func (f fakeStore) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	if f.callNextFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.callNextFn(ctx, input)
}

func (f fakeStore) CallTicket(ctx context.Context, input store.CallTicketInput) (models.Ticket, bool, error) {
	if f.callFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.callFn(ctx, input)
}

func (f fakeStore) FinishTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	if f.finishFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.finishFn(ctx, input)
}

func (f fakeStore) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	if f.cancelFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.cancelFn(ctx, input)
}

func (f fakeStore) RecallTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	if f.recallFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.recallFn(ctx, input)
}

func (f fakeStore) ResetCounter(ctx context.Context, input store.ResetCounterInput) error {
	if f.resetFn == nil {
		return nil
	}
	return f.resetFn(ctx, input)
}

func (f fakeStore) GetActiveTicket(ctx context.Context, agentID, counterID string) (models.Ticket, bool, error) {
	if f.activeFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.activeFn(ctx, agentID, counterID)
}

func (f fakeStore) ListQueues(ctx context.Context, locationID string) ([]models.Queue, error) {
	if f.queuesFn == nil {
		return nil, nil
	}
	return f.queuesFn(ctx, locationID)
}

func (f fakeStore) ListAuditEntries(ctx context.Context, ticketID string) ([]store.AuditEntry, error) {
	if f.auditFn == nil {
		return nil, nil
	}
	return f.auditFn(ctx, ticketID)
}

func (f fakeStore) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if f.outboxFn == nil {
		return nil, nil
	}
	return f.outboxFn(ctx, after, limit)
}

const (
	testRequestID = "11111111-1111-1111-1111-111111111111"
	testQueueID   = "22222222-2222-2222-2222-222222222222"
	testCounterID = "33333333-3333-3333-3333-333333333333"
	testTicketID  = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
)

func TestIssueTicketSuccess(t *testing.T) {
	createdAt := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	st := fakeStore{
		issueFn: func(ctx context.Context, input store.IssueTicketInput) (models.Ticket, bool, error) {
			return models.Ticket{
				TicketID:  testTicketID,
				QueueID:   input.QueueID,
				Number:    1,
				Code:      "P001",
				Status:    models.StatusWaiting,
				CreatedAt: createdAt,
				RequestID: input.RequestID,
			}, true, nil
		},
	}
	h := NewHandler(st)

	payload := map[string]string{
		"request_id": testRequestID,
		"queue_id":   testQueueID,
		"note":       "wheelchair access",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var ticket models.Ticket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ticket.Code != "P001" || ticket.Status != models.StatusWaiting {
		t.Fatalf("unexpected ticket response: %+v", ticket)
	}
}

func TestIssueTicketMissingFields(t *testing.T) {
	h := NewHandler(fakeStore{})

	payload := map[string]string{"request_id": testRequestID}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestIssueTicketQueueNotFound(t *testing.T) {
	st := fakeStore{
		issueFn: func(ctx context.Context, input store.IssueTicketInput) (models.Ticket, bool, error) {
			return models.Ticket{}, false, store.ErrQueueNotFound
		},
	}
	h := NewHandler(st)

	payload := map[string]string{
		"request_id": testRequestID,
		"queue_id":   testQueueID,
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != "queue_not_found" {
		t.Fatalf("expected queue_not_found, got %q", errResp.Error.Code)
	}
}

func TestGetTicketSuccess(t *testing.T) {
	st := fakeStore{
		getFn: func(ctx context.Context, ticketID string) (models.Ticket, bool, error) {
			return models.Ticket{TicketID: ticketID, Code: "P010", Status: models.StatusWaiting}, true, nil
		},
	}
	h := NewHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/"+testTicketID, nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestGetTicketNotFound(t *testing.T) {
	st := fakeStore{
		getFn: func(ctx context.Context, ticketID string) (models.Ticket, bool, error) {
			return models.Ticket{}, false, store.ErrTicketNotFound
		},
	}
	h := NewHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/"+testTicketID, nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestCallNextSuccess(t *testing.T) {
	st := fakeStore{
		callNextFn: func(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
			agentID := input.AgentID
			counterID := input.CounterID
			return models.Ticket{
				TicketID:  testTicketID,
				Code:      "P001",
				Status:    models.StatusInService,
				AgentID:   &agentID,
				CounterID: &counterID,
			}, true, nil
		},
	}
	h := NewHandler(st)

	payload := map[string]string{
		"request_id": testRequestID,
		"agent_id":   "agent-7",
		"counter_id": testCounterID,
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/actions/call-next", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var ticket models.Ticket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ticket.Status != models.StatusInService {
		t.Fatalf("expected in_service, got %q", ticket.Status)
	}
}

func TestCallNextQueueEmpty(t *testing.T) {
	st := fakeStore{
		callNextFn: func(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
			return models.Ticket{}, false, store.ErrNoTicket
		},
	}
	h := NewHandler(st)

	payload := map[string]string{
		"request_id": testRequestID,
		"agent_id":   "agent-7",
		"counter_id": testCounterID,
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/actions/call-next", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != "queue_empty" {
		t.Fatalf("expected queue_empty, got %q", errResp.Error.Code)
	}
}

func TestCallNextAgentBusy(t *testing.T) {
	st := fakeStore{
		callNextFn: func(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
			return models.Ticket{}, false, store.ErrAgentBusy
		},
	}
	h := NewHandler(st)

	payload := map[string]string{
		"request_id": testRequestID,
		"agent_id":   "agent-7",
		"counter_id": testCounterID,
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/actions/call-next", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != "agent_busy" {
		t.Fatalf("expected agent_busy, got %q", errResp.Error.Code)
	}
}

func TestCallSpecificNotWaiting(t *testing.T) {
	st := fakeStore{
		callFn: func(ctx context.Context, input store.CallTicketInput) (models.Ticket, bool, error) {
			return models.Ticket{}, false, store.ErrTicketNotWaiting
		},
	}
	h := NewHandler(st)

	payload := map[string]string{
		"request_id": testRequestID,
		"agent_id":   "agent-7",
		"counter_id": testCounterID,
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/"+testTicketID+"/actions/call", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != "ticket_not_waiting" {
		t.Fatalf("expected ticket_not_waiting, got %q", errResp.Error.Code)
	}
}

func TestFinishTicketSuccess(t *testing.T) {
	var gotInput store.TicketActionInput
	st := fakeStore{
		finishFn: func(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
			gotInput = input
			return models.Ticket{TicketID: input.TicketID, Status: models.StatusServed}, true, nil
		},
	}
	h := NewHandler(st)

	payload := map[string]string{
		"request_id": testRequestID,
		"agent_id":   "agent-7",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/"+testTicketID+"/actions/finish", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if gotInput.TicketID != testTicketID || gotInput.AgentID != "agent-7" {
		t.Fatalf("unexpected store input: %+v", gotInput)
	}
}

func TestFinishTicketNotInService(t *testing.T) {
	st := fakeStore{
		finishFn: func(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
			return models.Ticket{}, false, store.ErrTicketNotInService
		},
	}
	h := NewHandler(st)

	payload := map[string]string{
		"request_id": testRequestID,
		"agent_id":   "agent-7",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/"+testTicketID+"/actions/finish", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestCancelTicketInvalidState(t *testing.T) {
	st := fakeStore{
		cancelFn: func(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
			return models.Ticket{}, false, store.ErrInvalidState
		},
	}
	h := NewHandler(st)

	payload := map[string]string{
		"request_id": testRequestID,
		"agent_id":   "agent-7",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/"+testTicketID+"/actions/cancel", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.Code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %q", errResp.Error.Code)
	}
}

func TestUnknownTicketAction(t *testing.T) {
	h := NewHandler(fakeStore{})

	payload := map[string]string{
		"request_id": testRequestID,
		"agent_id":   "agent-7",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/tickets/"+testTicketID+"/actions/escalate", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestTicketAuditSuccess(t *testing.T) {
	st := fakeStore{
		auditFn: func(ctx context.Context, ticketID string) ([]store.AuditEntry, error) {
			return []store.AuditEntry{
				{EntryID: "e1", TicketID: ticketID, Action: "issue"},
				{EntryID: "e2", TicketID: ticketID, Action: "call", Detail: "Ticket P001 called to Counter 1"},
			}, nil
		},
	}
	h := NewHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/"+testTicketID+"/audit", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var entries []store.AuditEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 2 || entries[1].Action != "call" {
		t.Fatalf("unexpected audit response: %+v", entries)
	}
}

func TestWaitingTicketsSuccess(t *testing.T) {
	st := fakeStore{
		waitingFn: func(ctx context.Context, locationID, queueID string) ([]models.Ticket, error) {
			return []models.Ticket{{TicketID: testTicketID, Code: "P001"}}, nil
		},
	}
	h := NewHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/waiting?location_id=loc-1", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestActiveTicketNoContent(t *testing.T) {
	st := fakeStore{
		activeFn: func(ctx context.Context, agentID, counterID string) (models.Ticket, bool, error) {
			return models.Ticket{}, false, nil
		},
	}
	h := NewHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/active?agent_id=agent-7", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
}

func TestResetCounterSuccess(t *testing.T) {
	var gotInput store.ResetCounterInput
	st := fakeStore{
		resetFn: func(ctx context.Context, input store.ResetCounterInput) error {
			gotInput = input
			return nil
		},
	}
	h := NewHandler(st)

	payload := map[string]string{
		"request_id": testRequestID,
		"agent_id":   "agent-7",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/queues/"+testQueueID+"/actions/reset-counter", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", resp.Code)
	}
	if gotInput.QueueID != testQueueID {
		t.Fatalf("unexpected store input: %+v", gotInput)
	}
}

func TestListQueuesSuccess(t *testing.T) {
	st := fakeStore{
		queuesFn: func(ctx context.Context, locationID string) ([]models.Queue, error) {
			return []models.Queue{{QueueID: testQueueID, Name: "Priority", Prefix: "P"}}, nil
		},
	}
	h := NewHandler(st)

	req := httptest.NewRequest(http.MethodGet, "/api/queues?location_id=loc-1", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestListEventsBadAfter(t *testing.T) {
	h := NewHandler(fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/events?after=yesterday", nil)
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}
