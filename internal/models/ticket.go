package models

import "time"

type Ticket struct {
	TicketID         string     `json:"ticket_id"`
	QueueID          string     `json:"queue_id"`
	Number           int64      `json:"number"`
	Code             string     `json:"code"`
	Note             string     `json:"note,omitempty"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	RequestID        string     `json:"request_id"`
	AgentID          *string    `json:"agent_id,omitempty"`
	CounterID        *string    `json:"counter_id,omitempty"`
	CalledAt         *time.Time `json:"called_at,omitempty"`
	ServiceStartedAt *time.Time `json:"service_started_at,omitempty"`
	ServiceEndedAt   *time.Time `json:"service_ended_at,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusInService = "in_service"
	StatusServed    = "served"
	StatusCancelled = "cancelled"
)
