package store

import "errors"

var (
	ErrQueueNotFound      = errors.New("queue not found")
	ErrInvalidResetPolicy = errors.New("invalid reset policy")
	ErrCounterNotFound    = errors.New("counter not found")
	ErrNoTicket           = errors.New("no waiting ticket available")
	ErrTicketNotFound     = errors.New("ticket not found")
	ErrTicketNotWaiting   = errors.New("ticket is not waiting")
	ErrTicketNotInService = errors.New("ticket is not in service")
	ErrAgentBusy          = errors.New("agent already serving a ticket")
	ErrInvalidState       = errors.New("invalid ticket state")
	ErrConflict           = errors.New("concurrent modification")
)
