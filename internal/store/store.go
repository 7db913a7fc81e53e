package store

import (
	"context"
	"encoding/json"
	"time"

	"filaflow/queue-service/internal/models"
)

type IssueTicketInput struct {
	RequestID string
	QueueID   string
	Note      string
	CreatedAt time.Time
}

type CallNextInput struct {
	RequestID string
	AgentID   string
	CounterID string
	QueueID   string // optional filter; empty means any queue
	CalledAt  time.Time
}

type CallTicketInput struct {
	RequestID string
	AgentID   string
	CounterID string
	TicketID  string
	CalledAt  time.Time
}

type TicketActionInput struct {
	RequestID  string
	AgentID    string
	TicketID   string
	OccurredAt time.Time
}

type ResetCounterInput struct {
	RequestID  string
	AgentID    string
	QueueID    string
	OccurredAt time.Time
}

// TicketStore is the persistence collaborator for the ticket sequencer
// and the lifecycle manager. Implementations must make IssueTicket's
// counter increment and the call/finish/cancel status transitions
// atomic; callers never see a half-applied transition.
type TicketStore interface {
	IssueTicket(ctx context.Context, input IssueTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error)
	ListWaiting(ctx context.Context, locationID, queueID string) ([]models.Ticket, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, bool, error)
	CallTicket(ctx context.Context, input CallTicketInput) (models.Ticket, bool, error)
	FinishTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	CancelTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	RecallTicket(ctx context.Context, input TicketActionInput) (models.Ticket, bool, error)
	ResetCounter(ctx context.Context, input ResetCounterInput) error
	GetActiveTicket(ctx context.Context, agentID, counterID string) (models.Ticket, bool, error)
	ListQueues(ctx context.Context, locationID string) ([]models.Queue, error)
	ListAuditEntries(ctx context.Context, ticketID string) ([]AuditEntry, error)
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
}

// AuditEntry records one lifecycle action. Rows are append-only.
type AuditEntry struct {
	EntryID   string    `json:"entry_id"`
	TicketID  string    `json:"ticket_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	CounterID string    `json:"counter_id,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
