package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgLockNotAvailable is raised when a statement exceeds lock_timeout.
const pgLockNotAvailable = "55P03"

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

type Options struct {
	LockTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	timeout := options.LockTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Store{pool: pool, lockTimeout: timeout}
}

const ticketColumns = `
	t.ticket_id, t.number, t.service_id, s.code, t.priority_tier, t.status,
	t.customer_name, t.counter_id, t.employee_id, t.created_at, t.called_at,
	t.serving_started_at, t.completed_at, t.missed_at, t.estimated_wait_minutes,
	t.actual_wait_minutes, t.actual_service_minutes, t.appointment_time,
	t.cancel_reason, t.transferred_from, t.transferred_to`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var counterID, employeeID, transferredFrom, transferredTo sql.NullString
	var calledAt, servingStartedAt, completedAt, missedAt, appointmentTime sql.NullTime
	var actualWait, actualService sql.NullInt64

	err := row.Scan(
		&ticket.TicketID, &ticket.Number, &ticket.ServiceID, &ticket.ServiceCode,
		&ticket.PriorityTier, &ticket.Status, &ticket.CustomerName, &counterID,
		&employeeID, &ticket.CreatedAt, &calledAt, &servingStartedAt, &completedAt,
		&missedAt, &ticket.EstimatedWaitMinutes, &actualWait, &actualService,
		&appointmentTime, &ticket.CancelReason, &transferredFrom, &transferredTo,
	)
	if err != nil {
		return models.Ticket{}, err
	}

	ticket.CounterID = nullStringPtr(counterID)
	ticket.EmployeeID = nullStringPtr(employeeID)
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.ServingStartedAt = nullTimePtr(servingStartedAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	ticket.MissedAt = nullTimePtr(missedAt)
	ticket.AppointmentTime = nullTimePtr(appointmentTime)
	ticket.ActualWaitMinutes = nullIntPtr(actualWait)
	ticket.ActualServiceMinutes = nullIntPtr(actualService)
	if transferredFrom.Valid {
		ticket.TransferredFrom = transferredFrom.String
	}
	if transferredTo.Valid {
		ticket.TransferredTo = transferredTo.String
	}
	return ticket, nil
}

func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, timeout); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return tx, nil
}

// mapPgError converts a lock_timeout expiry into the retry-able sentinel.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return store.ErrLockTimeout
	}
	return err
}

func (s *Store) NextSequence(ctx context.Context, serviceID, day string) (int64, error) {
	var next int64
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ticket_sequences (service_id, seq_date, next_number)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (service_id, seq_date)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, serviceID, day)
	if err := row.Scan(&next); err != nil {
		return 0, mapPgError(err)
	}
	return next, nil
}

func nextSequenceTx(ctx context.Context, tx pgx.Tx, serviceID, day string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (service_id, seq_date, next_number)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (service_id, seq_date)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, serviceID, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var exists bool
	row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM services WHERE service_id = $1)`, input.ServiceID)
	if err = row.Scan(&exists); err != nil {
		return models.Ticket{}, mapPgError(err)
	}
	if !exists {
		err = store.ErrServiceNotFound
		return models.Ticket{}, err
	}

	seq, err := nextSequenceTx(ctx, tx, input.ServiceID, models.SequenceDay(input.CreatedAt))
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}
	number := models.FormatTicketNumber(input.ServiceCode, input.PriorityTier, seq)

	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, number, service_id, priority_tier, status, customer_name,
			created_at, estimated_wait_minutes, appointment_time
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, input.TicketID, number, input.ServiceID, input.PriorityTier, models.StatusWaiting,
		input.CustomerName, input.CreatedAt, input.EstimatedWaitMinutes, input.AppointmentTime)
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}

	ticket, err := getTicketTx(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func getTicketTx(ctx context.Context, tx pgx.Tx, ticketID string) (models.Ticket, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		JOIN services s ON s.service_id = t.service_id
		WHERE t.ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, err
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		JOIN services s ON s.service_id = t.service_id
		WHERE t.ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListWaiting(ctx context.Context, serviceIDs []string) ([]models.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM tickets t
		JOIN services s ON s.service_id = t.service_id
		WHERE t.status = 'waiting'
	`
	args := []interface{}{}
	if len(serviceIDs) > 0 {
		query += " AND t.service_id = ANY($1)"
		args = append(args, serviceIDs)
	}
	query += " ORDER BY t.created_at ASC"

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

func (s *Store) CountWaiting(ctx context.Context, serviceID string) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(1) FROM tickets WHERE service_id = $1 AND status = 'waiting'
	`, serviceID)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

type counterRow struct {
	status        string
	codes         []string
	employeeID    sql.NullString
	currentTicket sql.NullString
}

func lockCounterTx(ctx context.Context, tx pgx.Tx, counterID string) (counterRow, error) {
	var c counterRow
	row := tx.QueryRow(ctx, `
		SELECT status, supported_service_codes, assigned_employee_id, current_ticket_id
		FROM counters
		WHERE counter_id = $1
		FOR UPDATE
	`, counterID)
	if err := row.Scan(&c.status, &c.codes, &c.employeeID, &c.currentTicket); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return counterRow{}, store.ErrCounterNotFound
		}
		return counterRow{}, mapPgError(err)
	}
	return c, nil
}

func (c counterRow) assignable() error {
	if c.status == models.CounterBusy || c.currentTicket.Valid {
		return store.ErrCounterBusy
	}
	if !models.CounterAssignable(c.status) {
		return store.ErrCounterUnavailable
	}
	return nil
}

func (c counterRow) supports(serviceCode string) bool {
	for _, code := range c.codes {
		if code == serviceCode {
			return true
		}
	}
	return false
}

func (s *Store) CallTicket(ctx context.Context, input store.CallTicketInput) (models.Ticket, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	counter, err := lockCounterTx(ctx, tx, input.CounterID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = counter.assignable(); err != nil {
		return models.Ticket{}, err
	}

	var status, serviceCode string
	row := tx.QueryRow(ctx, `
		SELECT t.status, s.code
		FROM tickets t
		JOIN services s ON s.service_id = t.service_id
		WHERE t.ticket_id = $1
		FOR UPDATE OF t
	`, input.TicketID)
	if err = row.Scan(&status, &serviceCode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
			return models.Ticket{}, err
		}
		err = mapPgError(err)
		return models.Ticket{}, err
	}
	if status != models.StatusWaiting {
		err = store.ErrInvalidState
		return models.Ticket{}, err
	}
	if !counter.supports(serviceCode) {
		err = store.ErrCounterMismatch
		return models.Ticket{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE tickets
		SET status = 'called', called_at = $2, counter_id = $3, employee_id = $4
		WHERE ticket_id = $1 AND status = 'waiting'
	`, input.TicketID, input.CalledAt, input.CounterID, nullStringArg(counter.employeeID))
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE counters
		SET status = 'busy', current_ticket_id = $1
		WHERE counter_id = $2
	`, input.TicketID, input.CounterID)
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}

	ticket, err := getTicketTx(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) StartServing(ctx context.Context, ticketID string, at time.Time) (models.Ticket, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var status string
	var counterID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT status, counter_id FROM tickets WHERE ticket_id = $1 FOR UPDATE
	`, ticketID)
	if err = row.Scan(&status, &counterID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
			return models.Ticket{}, err
		}
		err = mapPgError(err)
		return models.Ticket{}, err
	}
	if status != models.StatusCalled {
		err = store.ErrInvalidState
		return models.Ticket{}, err
	}
	if !counterID.Valid {
		err = store.ErrCounterMismatch
		return models.Ticket{}, err
	}

	var currentTicket sql.NullString
	row = tx.QueryRow(ctx, `
		SELECT current_ticket_id FROM counters WHERE counter_id = $1 FOR UPDATE
	`, counterID.String)
	if err = row.Scan(&currentTicket); err != nil {
		err = mapPgError(err)
		return models.Ticket{}, err
	}
	if !currentTicket.Valid || currentTicket.String != ticketID {
		err = store.ErrCounterMismatch
		return models.Ticket{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE tickets SET status = 'serving', serving_started_at = $2
		WHERE ticket_id = $1 AND status = 'called'
	`, ticketID, at)
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}

	ticket, err := getTicketTx(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CompleteTicket(ctx context.Context, ticketID string, at time.Time) (models.Ticket, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var status string
	var counterID sql.NullString
	var createdAt time.Time
	var calledAt, servingStartedAt sql.NullTime
	row := tx.QueryRow(ctx, `
		SELECT status, counter_id, created_at, called_at, serving_started_at
		FROM tickets WHERE ticket_id = $1 FOR UPDATE
	`, ticketID)
	if err = row.Scan(&status, &counterID, &createdAt, &calledAt, &servingStartedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
			return models.Ticket{}, err
		}
		err = mapPgError(err)
		return models.Ticket{}, err
	}
	if status != models.StatusServing {
		err = store.ErrInvalidState
		return models.Ticket{}, err
	}

	var actualWait, actualService sql.NullInt64
	if calledAt.Valid {
		actualWait = sql.NullInt64{Int64: int64(store.MinutesBetween(createdAt, calledAt.Time)), Valid: true}
	}
	if servingStartedAt.Valid {
		actualService = sql.NullInt64{Int64: int64(store.MinutesBetween(servingStartedAt.Time, at)), Valid: true}
	}

	_, err = tx.Exec(ctx, `
		UPDATE tickets
		SET status = 'completed', completed_at = $2, actual_wait_minutes = $3, actual_service_minutes = $4
		WHERE ticket_id = $1 AND status = 'serving'
	`, ticketID, at, actualWait, actualService)
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}

	if counterID.Valid {
		if err = freeCounterTx(ctx, tx, counterID.String, ticketID); err != nil {
			return models.Ticket{}, err
		}
	}

	ticket, err := getTicketTx(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func freeCounterTx(ctx context.Context, tx pgx.Tx, counterID, ticketID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE counters
		SET status = 'active', current_ticket_id = NULL
		WHERE counter_id = $1 AND current_ticket_id = $2
	`, counterID, ticketID)
	return mapPgError(err)
}

func (s *Store) CancelTicket(ctx context.Context, ticketID, reason string, at time.Time) (models.Ticket, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE tickets SET status = 'cancelled', cancel_reason = $2
		WHERE ticket_id = $1 AND status = 'waiting'
	`, ticketID, reason)
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		err = disambiguateMissing(ctx, tx, ticketID)
		return models.Ticket{}, err
	}

	ticket, err := getTicketTx(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

// disambiguateMissing reports whether a conditional update missed because the
// ticket does not exist or because its state changed.
func disambiguateMissing(ctx context.Context, tx pgx.Tx, ticketID string) error {
	var exists bool
	row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, ticketID)
	if err := row.Scan(&exists); err != nil {
		return mapPgError(err)
	}
	if !exists {
		return store.ErrTicketNotFound
	}
	return store.ErrInvalidState
}

func (s *Store) TransferTicket(ctx context.Context, ticketID string, replacement store.CreateTicketInput, at time.Time) (models.Ticket, models.Ticket, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Ticket{}, models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var status string
	var counterID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT status, counter_id FROM tickets WHERE ticket_id = $1 FOR UPDATE
	`, ticketID)
	if err = row.Scan(&status, &counterID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
			return models.Ticket{}, models.Ticket{}, err
		}
		err = mapPgError(err)
		return models.Ticket{}, models.Ticket{}, err
	}
	if !store.ValidTransition("transfer", status) {
		err = store.ErrInvalidState
		return models.Ticket{}, models.Ticket{}, err
	}

	seq, err := nextSequenceTx(ctx, tx, replacement.ServiceID, models.SequenceDay(replacement.CreatedAt))
	if err != nil {
		return models.Ticket{}, models.Ticket{}, mapPgError(err)
	}
	number := models.FormatTicketNumber(replacement.ServiceCode, replacement.PriorityTier, seq)

	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, number, service_id, priority_tier, status, customer_name,
			created_at, estimated_wait_minutes, appointment_time, transferred_from
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, replacement.TicketID, number, replacement.ServiceID, replacement.PriorityTier,
		models.StatusWaiting, replacement.CustomerName, replacement.CreatedAt,
		replacement.EstimatedWaitMinutes, replacement.AppointmentTime, ticketID)
	if err != nil {
		return models.Ticket{}, models.Ticket{}, mapPgError(err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE tickets SET status = 'transferred', transferred_to = $2
		WHERE ticket_id = $1
	`, ticketID, replacement.TicketID)
	if err != nil {
		return models.Ticket{}, models.Ticket{}, mapPgError(err)
	}

	if status == models.StatusCalled && counterID.Valid {
		if err = freeCounterTx(ctx, tx, counterID.String, ticketID); err != nil {
			return models.Ticket{}, models.Ticket{}, err
		}
	}

	original, err := getTicketTx(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, models.Ticket{}, err
	}
	repl, err := getTicketTx(ctx, tx, replacement.TicketID)
	if err != nil {
		return models.Ticket{}, models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, models.Ticket{}, err
	}
	return original, repl, nil
}

func (s *Store) UpdatePriority(ctx context.Context, ticketID, tier string, estimatedWaitMinutes int) (models.Ticket, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE tickets SET priority_tier = $2, estimated_wait_minutes = $3
		WHERE ticket_id = $1 AND status = 'waiting'
	`, ticketID, tier, estimatedWaitMinutes)
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		err = disambiguateMissing(ctx, tx, ticketID)
		return models.Ticket{}, err
	}

	ticket, err := getTicketTx(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ReassignCounter(ctx context.Context, ticketID, counterID string, at time.Time) (models.Ticket, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var status, serviceCode string
	var oldCounterID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT t.status, t.counter_id, s.code
		FROM tickets t
		JOIN services s ON s.service_id = t.service_id
		WHERE t.ticket_id = $1
		FOR UPDATE OF t
	`, ticketID)
	if err = row.Scan(&status, &oldCounterID, &serviceCode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
			return models.Ticket{}, err
		}
		err = mapPgError(err)
		return models.Ticket{}, err
	}
	if !store.ValidTransition("reassign_counter", status) {
		err = store.ErrInvalidState
		return models.Ticket{}, err
	}

	counter, err := lockCounterTx(ctx, tx, counterID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = counter.assignable(); err != nil {
		return models.Ticket{}, err
	}
	if !counter.supports(serviceCode) {
		err = store.ErrCounterMismatch
		return models.Ticket{}, err
	}

	if status == models.StatusCalled && oldCounterID.Valid {
		if err = freeCounterTx(ctx, tx, oldCounterID.String, ticketID); err != nil {
			return models.Ticket{}, err
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE tickets
		SET status = 'called', called_at = $2, counter_id = $3, employee_id = $4
		WHERE ticket_id = $1
	`, ticketID, at, counterID, nullStringArg(counter.employeeID))
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE counters SET status = 'busy', current_ticket_id = $1 WHERE counter_id = $2
	`, ticketID, counterID)
	if err != nil {
		return models.Ticket{}, mapPgError(err)
	}

	ticket, err := getTicketTx(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListOverdueCalled(ctx context.Context, cutoff time.Time, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		JOIN services s ON s.service_id = t.service_id
		WHERE t.status = 'called' AND t.called_at < $1
		ORDER BY t.called_at ASC
		LIMIT $2
	`, cutoff, limit)
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

func (s *Store) MarkMissed(ctx context.Context, ticketID string, at time.Time) (models.Ticket, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var counterID sql.NullString
	row := tx.QueryRow(ctx, `
		UPDATE tickets SET status = 'missed', missed_at = $2
		WHERE ticket_id = $1 AND status = 'called'
		RETURNING counter_id
	`, ticketID, at)
	if err = row.Scan(&counterID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = disambiguateMissing(ctx, tx, ticketID)
			return models.Ticket{}, err
		}
		err = mapPgError(err)
		return models.Ticket{}, err
	}

	if counterID.Valid {
		if err = freeCounterTx(ctx, tx, counterID.String, ticketID); err != nil {
			return models.Ticket{}, err
		}
	}

	ticket, err := getTicketTx(ctx, tx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT service_id, code, name, base_service_minutes, active
		FROM services WHERE service_id = $1
	`, serviceID)
	return scanService(row)
}

func (s *Store) GetServiceByCode(ctx context.Context, code string) (models.Service, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT service_id, code, name, base_service_minutes, active
		FROM services WHERE code = $1
	`, code)
	return scanService(row)
}

func scanService(row rowScanner) (models.Service, error) {
	var svc models.Service
	if err := row.Scan(&svc.ServiceID, &svc.Code, &svc.Name, &svc.BaseServiceMinutes, &svc.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id, code, name, base_service_minutes, active
		FROM services ORDER BY code ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []models.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return services, nil
}

func (s *Store) UpsertService(ctx context.Context, service models.Service) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (service_id, code, name, base_service_minutes, active)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (service_id) DO UPDATE
		SET code = EXCLUDED.code, name = EXCLUDED.name,
			base_service_minutes = EXCLUDED.base_service_minutes, active = EXCLUDED.active
	`, service.ServiceID, service.Code, service.Name, service.BaseServiceMinutes, service.Active)
	return mapPgError(err)
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT counter_id, number, status, supported_service_codes, assigned_employee_id, current_ticket_id
		FROM counters WHERE counter_id = $1
	`, counterID)
	return scanCounter(row)
}

func scanCounter(row rowScanner) (models.Counter, error) {
	var counter models.Counter
	var employeeID, currentTicket sql.NullString
	err := row.Scan(&counter.CounterID, &counter.Number, &counter.Status,
		&counter.SupportedServiceCodes, &employeeID, &currentTicket)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	counter.AssignedEmployeeID = nullStringPtr(employeeID)
	counter.CurrentTicketID = nullStringPtr(currentTicket)
	return counter, nil
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT counter_id, number, status, supported_service_codes, assigned_employee_id, current_ticket_id
		FROM counters ORDER BY number ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counters, nil
}

func (s *Store) UpdateCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return models.Counter{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE counters SET status = $2
		WHERE counter_id = $1 AND status <> 'busy'
	`, counterID, status)
	if err != nil {
		return models.Counter{}, mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		row := tx.QueryRow(ctx, `SELECT status FROM counters WHERE counter_id = $1`, counterID)
		if scanErr := row.Scan(&current); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				err = store.ErrCounterNotFound
				return models.Counter{}, err
			}
			err = mapPgError(scanErr)
			return models.Counter{}, err
		}
		err = store.ErrCounterBusy
		return models.Counter{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT counter_id, number, status, supported_service_codes, assigned_employee_id, current_ticket_id
		FROM counters WHERE counter_id = $1
	`, counterID)
	counter, err := scanCounter(row)
	if err != nil {
		return models.Counter{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	status := counter.Status
	if status == "" {
		status = models.CounterInactive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO counters (counter_id, number, status, supported_service_codes, assigned_employee_id)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (counter_id) DO UPDATE
		SET number = EXCLUDED.number, status = EXCLUDED.status,
			supported_service_codes = EXCLUDED.supported_service_codes,
			assigned_employee_id = EXCLUDED.assigned_employee_id
	`, counter.CounterID, counter.Number, status, counter.SupportedServiceCodes, ptrArg(counter.AssignedEmployeeID))
	return mapPgError(err)
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time
	return &v
}

func nullIntPtr(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int64)
	return &v
}

func nullStringArg(value sql.NullString) interface{} {
	if !value.Valid {
		return nil
	}
	return value.String
}

func ptrArg(value *string) interface{} {
	if value == nil {
		return nil
	}
	return *value
}
