package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"filaflow/queue-service/internal/models"
	"filaflow/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	TieBreakFIFO       = "fifo"
	TieBreakQueueOrder = "queue_order"
)

type Store struct {
	pool     *pgxpool.Pool
	tieBreak string
}

type Options struct {
	// PriorityTieBreak orders waiting tickets of equal queue priority:
	// "fifo" by creation time, "queue_order" by queue sort order first.
	PriorityTieBreak string
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	tieBreak := options.PriorityTieBreak
	if tieBreak != TieBreakQueueOrder {
		tieBreak = TieBreakFIFO
	}
	return &Store{pool: pool, tieBreak: tieBreak}
}

const ticketColumns = `ticket_id, request_id, queue_id, number, code, note, status, agent_id, counter_id, called_at, service_started_at, service_ended_at, created_at`

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var agentIDNull sql.NullString
	var counterIDNull sql.NullString
	var calledAtNull sql.NullTime
	var startedAtNull sql.NullTime
	var endedAtNull sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.RequestID, &ticket.QueueID, &ticket.Number, &ticket.Code, &ticket.Note, &ticket.Status, &agentIDNull, &counterIDNull, &calledAtNull, &startedAtNull, &endedAtNull, &ticket.CreatedAt); err != nil {
		return models.Ticket{}, err
	}
	ticket.AgentID = nullStringPtr(agentIDNull)
	ticket.CounterID = nullStringPtr(counterIDNull)
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.ServiceStartedAt = nullTimePtr(startedAtNull)
	ticket.ServiceEndedAt = nullTimePtr(endedAtNull)
	return ticket, nil
}

func (s *Store) IssueTicket(ctx context.Context, input store.IssueTicketInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	queue, err := getQueue(ctx, tx, input.QueueID)
	if err != nil {
		return models.Ticket{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	periodKey, err := store.PeriodKey(queue.ResetPolicy, createdAt)
	if err != nil {
		return models.Ticket{}, false, err
	}

	number, err := nextTicketNumber(ctx, tx, queue.QueueID, periodKey)
	if err != nil {
		return models.Ticket{}, false, err
	}
	code := store.FormatCode(queue.Prefix, number, queue.NumberWidth)

	ticketID := uuid.NewString()
	var ticket models.Ticket
	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (ticket_id, request_id, queue_id, number, code, note, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+ticketColumns+`
	`, ticketID, input.RequestID, queue.QueueID, number, code, input.Note, models.StatusWaiting, createdAt)
	if ticket, err = scanTicket(row); err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertAuditEntry(ctx, tx, auditEntryInput{
		TicketID: ticket.TicketID,
		Action:   "issue",
		Detail:   fmt.Sprintf("Ticket %s issued to queue %s", ticket.Code, queue.Name),
	}); err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, "ticket.created", callOutPayload(ticket, queue, models.Counter{})); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, store.ErrTicketNotFound
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ListWaiting(ctx context.Context, locationID, queueID string) ([]models.Ticket, error) {
	query := `
		SELECT ` + joinTicketColumns("t") + `
		FROM tickets t
		JOIN queues q ON q.queue_id = t.queue_id
		WHERE t.status = 'waiting'
	`
	args := []interface{}{}
	if locationID != "" {
		args = append(args, locationID)
		query += fmt.Sprintf(" AND q.location_id = $%d", len(args))
	}
	if queueID != "" {
		args = append(args, queueID)
		query += fmt.Sprintf(" AND t.queue_id = $%d", len(args))
	}
	query += " ORDER BY q.priority DESC, " + s.tieBreakOrder() + "t.created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

// CallNext claims the next eligible waiting ticket for an agent and
// counter. On a serialization conflict the selection is retried once
// against a fresh read; a second conflict surfaces as ErrConflict.
func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	ticket, applied, err := s.callNextOnce(ctx, input)
	if err != nil && isRetrySignal(err) {
		ticket, applied, err = s.callNextOnce(ctx, input)
		if err != nil && isRetrySignal(err) {
			return models.Ticket{}, false, store.ErrConflict
		}
	}
	return ticket, applied, err
}

func (s *Store) callNextOnce(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, "call", input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrNoTicket
		}
		return existing, false, nil
	}

	counter, err := getCounter(ctx, tx, input.CounterID)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if err = ensureAgentIdle(ctx, tx, input.AgentID, input.CounterID); err != nil {
		return models.Ticket{}, false, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	queueFilter := ""
	args := []interface{}{input.AgentID, input.CounterID, calledAt}
	if input.QueueID != "" {
		args = append(args, input.QueueID)
		queueFilter = fmt.Sprintf(" AND t.queue_id = $%d", len(args))
	}

	query := `
		WITH next_ticket AS (
			SELECT t.ticket_id
			FROM tickets t
			JOIN queues q ON q.queue_id = t.queue_id
			WHERE t.status = 'waiting' AND q.active = TRUE` + queueFilter + `
			ORDER BY q.priority DESC, ` + s.tieBreakOrder() + `t.created_at ASC
			FOR UPDATE OF t SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = 'in_service',
			agent_id = $1,
			counter_id = $2,
			called_at = $3,
			service_started_at = $3
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING ` + joinTicketColumns("tickets")

	row := tx.QueryRow(ctx, query, args...)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err = insertActionRequest(ctx, tx, "call", input.RequestID, "", input.AgentID, input.CounterID); err != nil {
				return models.Ticket{}, false, err
			}
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return models.Ticket{}, false, store.ErrNoTicket
		}
		return models.Ticket{}, false, err
	}

	if err = s.recordCall(ctx, tx, input.RequestID, ticket, counter, input.AgentID); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) CallTicket(ctx context.Context, input store.CallTicketInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, "call", input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrTicketNotWaiting
		}
		return existing, false, nil
	}

	counter, err := getCounter(ctx, tx, input.CounterID)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if err = ensureAgentIdle(ctx, tx, input.AgentID, input.CounterID); err != nil {
		return models.Ticket{}, false, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = 'in_service',
			agent_id = $1,
			counter_id = $2,
			called_at = $3,
			service_started_at = $3
		WHERE ticket_id = $4 AND status = 'waiting'
		RETURNING `+ticketColumns+`
	`, input.AgentID, input.CounterID, calledAt, input.TicketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyTicketState(ctx, tx, input.TicketID, "call", store.ErrTicketNotWaiting)
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, err
	}

	if err = s.recordCall(ctx, tx, input.RequestID, ticket, counter, input.AgentID); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) FinishTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return s.applyTransition(ctx, transition{
		RequestID:   input.RequestID,
		AgentID:     input.AgentID,
		TicketID:    input.TicketID,
		Action:      "finish",
		EventType:   "ticket.served",
		StateErr:    store.ErrTicketNotInService,
		UpdateQuery: `
			UPDATE tickets
			SET status = 'served', service_ended_at = $2
			WHERE ticket_id = $1 AND status = 'in_service'
			RETURNING ` + ticketColumns,
		Args:       []interface{}{input.TicketID, occurredAt},
		DetailVerb: "finished",
	})
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return s.applyTransition(ctx, transition{
		RequestID: input.RequestID,
		AgentID:   input.AgentID,
		TicketID:  input.TicketID,
		Action:    "cancel",
		EventType: "ticket.cancelled",
		StateErr:  store.ErrInvalidState,
		UpdateQuery: `
			UPDATE tickets
			SET status = 'cancelled',
				service_ended_at = CASE WHEN status = 'in_service' THEN $2 ELSE service_ended_at END
			WHERE ticket_id = $1 AND status IN ('waiting', 'in_service')
			RETURNING ` + ticketColumns,
		Args:       []interface{}{input.TicketID, occurredAt},
		DetailVerb: "cancelled",
	})
}

// RecallTicket re-announces an in-service ticket. The ticket itself is
// untouched; only an audit entry and a display event are produced.
func (s *Store) RecallTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, "recall", input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrTicketNotInService
		}
		return existing, false, nil
	}

	row := tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE`, input.TicketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, store.ErrTicketNotFound
		}
		return models.Ticket{}, false, err
	}
	if ticket.Status != models.StatusInService {
		err = store.ErrTicketNotInService
		return models.Ticket{}, false, err
	}

	queue, err := getQueue(ctx, tx, ticket.QueueID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	counter := models.Counter{}
	if ticket.CounterID != nil {
		counter, err = getCounter(ctx, tx, *ticket.CounterID)
		if err != nil {
			return models.Ticket{}, false, err
		}
	}

	if err = insertActionRequest(ctx, tx, "recall", input.RequestID, ticket.TicketID, input.AgentID, ""); err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertAuditEntry(ctx, tx, auditEntryInput{
		TicketID:  ticket.TicketID,
		AgentID:   input.AgentID,
		CounterID: counter.CounterID,
		Action:    "recall",
		Detail:    fmt.Sprintf("Ticket %s recalled to %s", ticket.Code, counter.Name),
	}); err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, "ticket.recalled", callOutPayload(ticket, queue, counter)); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// ResetCounter zeroes the counter row for the queue's current period.
// The row is kept for history; the next issuance restarts at 1.
func (s *Store) ResetCounter(ctx context.Context, input store.ResetCounterInput) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queue, err := getQueue(ctx, tx, input.QueueID)
	if err != nil {
		return err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	periodKey, err := store.PeriodKey(queue.ResetPolicy, occurredAt)
	if err != nil {
		return err
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO ticket_counters (queue_id, period_key, last_number)
		VALUES ($1, $2, 0)
		ON CONFLICT (queue_id, period_key)
		DO UPDATE SET last_number = 0
	`, queue.QueueID, periodKey); err != nil {
		return err
	}

	if err = insertAuditEntry(ctx, tx, auditEntryInput{
		AgentID: input.AgentID,
		Action:  "counter_reset",
		Detail:  fmt.Sprintf("Ticket counter reset for queue %s (period %s)", queue.Name, periodKey),
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) GetActiveTicket(ctx context.Context, agentID, counterID string) (models.Ticket, bool, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE status = 'in_service'`
	args := []interface{}{}
	if agentID != "" {
		args = append(args, agentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if counterID != "" {
		args = append(args, counterID)
		query += fmt.Sprintf(" AND counter_id = $%d", len(args))
	}
	query += " ORDER BY called_at DESC LIMIT 1"

	row := s.pool.QueryRow(ctx, query, args...)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ListQueues(ctx context.Context, locationID string) ([]models.Queue, error) {
	query := `
		SELECT queue_id, name, prefix, number_width, priority, reset_policy, location_id, sort_order, active, created_at
		FROM queues
		WHERE active = TRUE
	`
	args := []interface{}{}
	if locationID != "" {
		args = append(args, locationID)
		query += fmt.Sprintf(" AND location_id = $%d", len(args))
	}
	query += " ORDER BY sort_order ASC, name ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []models.Queue
	for rows.Next() {
		var queue models.Queue
		if err := rows.Scan(&queue.QueueID, &queue.Name, &queue.Prefix, &queue.NumberWidth, &queue.Priority, &queue.ResetPolicy, &queue.LocationID, &queue.SortOrder, &queue.Active, &queue.CreatedAt); err != nil {
			return nil, err
		}
		queues = append(queues, queue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return queues, nil
}

func (s *Store) ListAuditEntries(ctx context.Context, ticketID string) ([]store.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, ticket_id, agent_id, counter_id, action, detail, created_at
		FROM audit_log
		WHERE ticket_id = $1
		ORDER BY created_at ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.AuditEntry
	for rows.Next() {
		var entry store.AuditEntry
		var ticketIDNull sql.NullString
		var agentIDNull sql.NullString
		var counterIDNull sql.NullString
		if err := rows.Scan(&entry.EntryID, &ticketIDNull, &agentIDNull, &counterIDNull, &entry.Action, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if ticketIDNull.Valid {
			entry.TicketID = ticketIDNull.String
		}
		if agentIDNull.Valid {
			entry.AgentID = agentIDNull.String
		}
		if counterIDNull.Valid {
			entry.CounterID = counterIDNull.String
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
	`
	args := []interface{}{}
	if !after.IsZero() {
		args = append(args, after)
		query += fmt.Sprintf(" WHERE created_at > $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

type transition struct {
	RequestID   string
	AgentID     string
	TicketID    string
	Action      string
	EventType   string
	StateErr    error
	UpdateQuery string
	Args        []interface{}
	DetailVerb  string
}

func (s *Store) applyTransition(ctx context.Context, t transition) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, t.Action, t.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, t.StateErr
		}
		return existing, false, nil
	}

	row := tx.QueryRow(ctx, t.UpdateQuery, t.Args...)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyTicketState(ctx, tx, t.TicketID, t.Action, t.StateErr)
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, err
	}

	counterName := ""
	counterID := ""
	if ticket.CounterID != nil {
		counterID = *ticket.CounterID
		var counter models.Counter
		counter, err = getCounter(ctx, tx, counterID)
		if err == nil {
			counterName = counter.Name
		} else if errors.Is(err, store.ErrCounterNotFound) {
			err = nil
		} else {
			return models.Ticket{}, false, err
		}
	}

	detail := fmt.Sprintf("Ticket %s %s", ticket.Code, t.DetailVerb)
	if counterName != "" {
		detail = fmt.Sprintf("Ticket %s %s at %s", ticket.Code, t.DetailVerb, counterName)
	}

	if err = insertActionRequest(ctx, tx, t.Action, t.RequestID, ticket.TicketID, t.AgentID, counterID); err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertAuditEntry(ctx, tx, auditEntryInput{
		TicketID:  ticket.TicketID,
		AgentID:   t.AgentID,
		CounterID: counterID,
		Action:    t.Action,
		Detail:    detail,
	}); err != nil {
		return models.Ticket{}, false, err
	}

	queue, err := getQueue(ctx, tx, ticket.QueueID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, t.EventType, callOutPayload(ticket, queue, models.Counter{CounterID: counterID, Name: counterName})); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) recordCall(ctx context.Context, tx pgx.Tx, requestID string, ticket models.Ticket, counter models.Counter, agentID string) error {
	if err := insertActionRequest(ctx, tx, "call", requestID, ticket.TicketID, agentID, counter.CounterID); err != nil {
		return err
	}
	queue, err := getQueue(ctx, tx, ticket.QueueID)
	if err != nil {
		return err
	}
	if err := insertAuditEntry(ctx, tx, auditEntryInput{
		TicketID:  ticket.TicketID,
		AgentID:   agentID,
		CounterID: counter.CounterID,
		Action:    "call",
		Detail:    fmt.Sprintf("Ticket %s called to %s", ticket.Code, counter.Name),
	}); err != nil {
		return err
	}
	return insertOutboxEvent(ctx, tx, "ticket.called", callOutPayload(ticket, queue, counter))
}

// ensureAgentIdle enforces the single-active-ticket invariant against
// the authoritative store. Advisory transaction locks on the agent and
// counter keys serialize concurrent calls from the same agent session
// (two tabs) so the check cannot race with a parallel claim.
func ensureAgentIdle(ctx context.Context, tx pgx.Tx, agentID, counterID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "agent:"+agentID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "counter:"+counterID); err != nil {
		return err
	}

	var ticketID string
	row := tx.QueryRow(ctx, `
		SELECT ticket_id
		FROM tickets
		WHERE status = 'in_service' AND (agent_id = $1 OR counter_id = $2)
		LIMIT 1
	`, agentID, counterID)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	return store.ErrAgentBusy
}

// nextTicketNumber is the sequencer increment: a single upsert so that
// concurrent issuances for the same (queue, period) serialize on the
// counter row and never hand out the same number.
func nextTicketNumber(ctx context.Context, tx pgx.Tx, queueID, periodKey string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_counters (queue_id, period_key, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (queue_id, period_key)
		DO UPDATE SET last_number = ticket_counters.last_number + 1
		RETURNING last_number
	`, queueID, periodKey)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func getQueue(ctx context.Context, tx pgx.Tx, queueID string) (models.Queue, error) {
	var queue models.Queue
	row := tx.QueryRow(ctx, `
		SELECT queue_id, name, prefix, number_width, priority, reset_policy, location_id, sort_order, active, created_at
		FROM queues
		WHERE queue_id = $1 AND active = TRUE
	`, queueID)
	if err := row.Scan(&queue.QueueID, &queue.Name, &queue.Prefix, &queue.NumberWidth, &queue.Priority, &queue.ResetPolicy, &queue.LocationID, &queue.SortOrder, &queue.Active, &queue.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func getCounter(ctx context.Context, tx pgx.Tx, counterID string) (models.Counter, error) {
	var counter models.Counter
	row := tx.QueryRow(ctx, `
		SELECT counter_id, name, location_id, status
		FROM counters
		WHERE counter_id = $1
	`, counterID)
	if err := row.Scan(&counter.CounterID, &counter.Name, &counter.LocationID, &counter.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE request_id = $1`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Ticket, bool, bool, error) {
	var ticketID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_id
		FROM ticket_action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, false, nil
		}
		return models.Ticket{}, false, false, err
	}

	if !ticketID.Valid {
		return models.Ticket{}, true, true, nil
	}

	row = tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID.String)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, false, err
	}
	return ticket, true, false, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, ticketID, agentID, counterID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_action_requests (request_id, action, ticket_id, agent_id, counter_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, action, nullIfEmpty(ticketID), nullIfEmpty(agentID), nullIfEmpty(counterID))
	return err
}

type auditEntryInput struct {
	TicketID  string
	AgentID   string
	CounterID string
	Action    string
	Detail    string
}

func insertAuditEntry(ctx context.Context, tx pgx.Tx, entry auditEntryInput) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (entry_id, ticket_id, agent_id, counter_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), nullIfEmpty(entry.TicketID), nullIfEmpty(entry.AgentID), nullIfEmpty(entry.CounterID), entry.Action, entry.Detail, time.Now().UTC())
	return err
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, payload map[string]interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, time.Now().UTC())
	return err
}

// callOutPayload is what the display/notification collaborator renders:
// the ticket code plus the counter and queue names for the panel and
// audio paging.
func callOutPayload(ticket models.Ticket, queue models.Queue, counter models.Counter) map[string]interface{} {
	payload := map[string]interface{}{
		"ticket_id":   ticket.TicketID,
		"code":        ticket.Code,
		"status":      ticket.Status,
		"queue_id":    queue.QueueID,
		"queue_name":  queue.Name,
		"location_id": queue.LocationID,
		"created_at":  ticket.CreatedAt,
	}
	if counter.CounterID != "" {
		payload["counter_id"] = counter.CounterID
		payload["counter_name"] = counter.Name
	}
	if ticket.AgentID != nil {
		payload["agent_id"] = *ticket.AgentID
	}
	if ticket.CalledAt != nil {
		payload["called_at"] = *ticket.CalledAt
	}
	return payload
}

// classifyTicketState turns a failed conditional update into the typed
// error the caller expects: missing ticket vs. wrong state. A status
// that would still allow the action means the row changed under us.
func classifyTicketState(ctx context.Context, tx pgx.Tx, ticketID, action string, stateErr error) error {
	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM tickets WHERE ticket_id = $1`, ticketID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTicketNotFound
		}
		return err
	}
	if store.ValidTransition(action, status) {
		return store.ErrConflict
	}
	return stateErr
}

func (s *Store) tieBreakOrder() string {
	if s.tieBreak == TieBreakQueueOrder {
		return "q.sort_order ASC, "
	}
	return ""
}

func joinTicketColumns(alias string) string {
	cols := strings.Split(ticketColumns, ", ")
	for i, col := range cols {
		cols[i] = alias + "." + col
	}
	return strings.Join(cols, ", ")
}

func isRetrySignal(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure and deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
