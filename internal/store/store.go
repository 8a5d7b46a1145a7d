package store

import (
	"context"
	"time"

	"qms/queue-engine/internal/models"
)

type CreateTicketInput struct {
	TicketID             string
	ServiceID            string
	ServiceCode          string
	PriorityTier         string
	CustomerName         string
	AppointmentTime      *time.Time
	EstimatedWaitMinutes int
	CreatedAt            time.Time
}

type CallTicketInput struct {
	TicketID  string
	CounterID string
	CalledAt  time.Time
}

// TicketStore is the durable record of tickets, services, and counters. Every
// mutating method applies its transition atomically: preconditions are checked
// inside the same serialized region as the write, and a failed call leaves
// state untouched. The queue engine is the only caller of the mutating methods.
type TicketStore interface {
	// NextSequence returns the next value of the strictly serialized
	// per-(service, day) counter. Two concurrent calls for the same key never
	// observe the same value.
	NextSequence(ctx context.Context, serviceID, day string) (int64, error)

	// CreateTicket allocates the ticket number from the (service, day)
	// sequence and inserts the ticket in waiting state, atomically.
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)

	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListWaiting(ctx context.Context, serviceIDs []string) ([]models.Ticket, error)
	CountWaiting(ctx context.Context, serviceID string) (int, error)

	// CallTicket moves a waiting ticket to called and its counter to busy in
	// one atomic step. Fails with ErrInvalidState when the ticket is no longer
	// waiting, ErrCounterBusy when the counter already holds a ticket, and
	// ErrCounterUnavailable when the counter cannot take calls.
	CallTicket(ctx context.Context, input CallTicketInput) (models.Ticket, error)

	StartServing(ctx context.Context, ticketID string, at time.Time) (models.Ticket, error)
	CompleteTicket(ctx context.Context, ticketID string, at time.Time) (models.Ticket, error)
	CancelTicket(ctx context.Context, ticketID, reason string, at time.Time) (models.Ticket, error)

	// TransferTicket marks the original ticket transferred, releases its
	// counter when called, and inserts the replacement ticket, atomically.
	// Returns the updated original and the created replacement.
	TransferTicket(ctx context.Context, ticketID string, replacement CreateTicketInput, at time.Time) (models.Ticket, models.Ticket, error)

	UpdatePriority(ctx context.Context, ticketID, tier string, estimatedWaitMinutes int) (models.Ticket, error)

	// ReassignCounter releases the ticket's current counter, if any, and
	// re-applies call semantics on the new counter, atomically.
	ReassignCounter(ctx context.Context, ticketID, counterID string, at time.Time) (models.Ticket, error)

	ListOverdueCalled(ctx context.Context, cutoff time.Time, limit int) ([]models.Ticket, error)

	// MarkMissed moves a called ticket to missed and frees its counter. Fails
	// with ErrInvalidState when the ticket is no longer called, which the
	// reaper treats as already handled.
	MarkMissed(ctx context.Context, ticketID string, at time.Time) (models.Ticket, error)

	GetService(ctx context.Context, serviceID string) (models.Service, error)
	GetServiceByCode(ctx context.Context, code string) (models.Service, error)
	ListServices(ctx context.Context) ([]models.Service, error)
	UpsertService(ctx context.Context, service models.Service) error

	GetCounter(ctx context.Context, counterID string) (models.Counter, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	UpdateCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error)
	UpsertCounter(ctx context.Context, counter models.Counter) error
}

// MinutesBetween is the wait/service duration rounding both store
// implementations persist: whole minutes, truncated, never negative.
func MinutesBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / time.Minute)
}
