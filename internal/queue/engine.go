package queue

import (
	"context"
	"errors"
	"log"
	"time"

	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

// Engine owns the ticket state machine. It classifies, estimates, orders, and
// decides which transition to attempt; the store applies each transition
// atomically. All methods are safe for concurrent use.
type Engine struct {
	store        store.TicketStore
	sink         events.Sink
	now          func() time.Time
	missTimeout  time.Duration
	sweepBatch   int
	snapshotHead int
}

type Options struct {
	Sink         events.Sink
	Now          func() time.Time
	MissTimeout  time.Duration
	SweepBatch   int
	SnapshotHead int
}

func New(st store.TicketStore, options Options) *Engine {
	sink := options.Sink
	if sink == nil {
		sink = events.NopSink{}
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	missTimeout := options.MissTimeout
	if missTimeout <= 0 {
		missTimeout = 5 * time.Minute
	}
	batch := options.SweepBatch
	if batch <= 0 {
		batch = 100
	}
	head := options.SnapshotHead
	if head <= 0 {
		head = 10
	}
	return &Engine{
		store:        st,
		sink:         sink,
		now:          now,
		missTimeout:  missTimeout,
		sweepBatch:   batch,
		snapshotHead: head,
	}
}

type IssueTicketInput struct {
	ServiceCode     string
	Priority        string
	CustomerName    string
	AppointmentTime *time.Time
}

type TransferResult struct {
	Original    models.Ticket `json:"original"`
	Replacement models.Ticket `json:"replacement"`
}

type Snapshot struct {
	ServiceCode  string          `json:"service_code,omitempty"`
	WaitingCount int             `json:"waiting_count"`
	ByTier       map[string]int  `json:"by_tier"`
	Head         []models.Ticket `json:"head"`
}

// IssueTicket creates a waiting ticket for an active service, with its number
// allocated from the per-(service, day) sequence and its wait estimated from
// the current queue depth.
func (e *Engine) IssueTicket(ctx context.Context, input IssueTicketInput) (models.Ticket, error) {
	tier, err := ClassifyPriority(input.Priority, input.AppointmentTime)
	if err != nil {
		return models.Ticket{}, err
	}

	svc, err := e.store.GetServiceByCode(ctx, input.ServiceCode)
	if err != nil {
		return models.Ticket{}, err
	}
	if !svc.Active {
		return models.Ticket{}, store.ErrServiceInactive
	}

	waiting, err := e.store.CountWaiting(ctx, svc.ServiceID)
	if err != nil {
		return models.Ticket{}, err
	}

	ticket, err := e.store.CreateTicket(ctx, store.CreateTicketInput{
		TicketID:             uuid.NewString(),
		ServiceID:            svc.ServiceID,
		ServiceCode:          svc.Code,
		PriorityTier:         tier,
		CustomerName:         input.CustomerName,
		AppointmentTime:      input.AppointmentTime,
		EstimatedWaitMinutes: EstimateWait(waiting, svc.BaseServiceMinutes, tier),
		CreatedAt:            e.now(),
	})
	if err != nil {
		return models.Ticket{}, err
	}

	e.emit(ctx, events.TypeCreated, ticket)
	return ticket, nil
}

// NextTicketFor selects the waiting ticket the counter should serve next
// without claiming it. A counter with no supported services never matches.
func (e *Engine) NextTicketFor(ctx context.Context, counterID string) (models.Ticket, error) {
	counter, err := e.store.GetCounter(ctx, counterID)
	if err != nil {
		return models.Ticket{}, err
	}
	candidates, err := e.waitingFor(ctx, counter)
	if err != nil {
		return models.Ticket{}, err
	}
	if len(candidates) == 0 {
		return models.Ticket{}, store.ErrNoTicket
	}
	return candidates[0], nil
}

// CallNext claims the best waiting ticket for the counter. Selection and
// assignment are separate steps: the store re-validates that the candidate is
// still waiting, and a candidate claimed by a concurrent caller is skipped in
// favor of the next one.
func (e *Engine) CallNext(ctx context.Context, counterID string) (models.Ticket, error) {
	counter, err := e.store.GetCounter(ctx, counterID)
	if err != nil {
		return models.Ticket{}, err
	}
	if counter.Status == models.CounterBusy {
		return models.Ticket{}, store.ErrCounterBusy
	}
	if !models.CounterAssignable(counter.Status) {
		return models.Ticket{}, store.ErrCounterUnavailable
	}

	candidates, err := e.waitingFor(ctx, counter)
	if err != nil {
		return models.Ticket{}, err
	}

	for _, candidate := range candidates {
		ticket, err := e.store.CallTicket(ctx, store.CallTicketInput{
			TicketID:  candidate.TicketID,
			CounterID: counterID,
			CalledAt:  e.now(),
		})
		if errors.Is(err, store.ErrInvalidState) {
			// Claimed between selection and assignment.
			continue
		}
		if err != nil {
			return models.Ticket{}, err
		}
		e.emit(ctx, events.TypeCalled, ticket)
		return ticket, nil
	}
	return models.Ticket{}, store.ErrNoTicket
}

// Call assigns a specific waiting ticket to a counter.
func (e *Engine) Call(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	counter, err := e.store.GetCounter(ctx, counterID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !counterSupports(counter, ticket.ServiceCode) {
		return models.Ticket{}, store.ErrCounterMismatch
	}

	called, err := e.store.CallTicket(ctx, store.CallTicketInput{
		TicketID:  ticketID,
		CounterID: counterID,
		CalledAt:  e.now(),
	})
	if err != nil {
		return models.Ticket{}, err
	}
	e.emit(ctx, events.TypeCalled, called)
	return called, nil
}

func (e *Engine) StartServing(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := e.store.StartServing(ctx, ticketID, e.now())
	if err != nil {
		return models.Ticket{}, err
	}
	e.emit(ctx, events.TypeServing, ticket)
	return ticket, nil
}

func (e *Engine) Complete(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := e.store.CompleteTicket(ctx, ticketID, e.now())
	if err != nil {
		return models.Ticket{}, err
	}
	e.emit(ctx, events.TypeCompleted, ticket)
	return ticket, nil
}

func (e *Engine) Cancel(ctx context.Context, ticketID, reason string) (models.Ticket, error) {
	ticket, err := e.store.CancelTicket(ctx, ticketID, reason, e.now())
	if err != nil {
		return models.Ticket{}, err
	}
	e.emit(ctx, events.TypeCancelled, ticket)
	return ticket, nil
}

// Transfer closes the original ticket and issues a fresh one for the target
// service, carrying over priority tier and customer metadata. The two tickets
// are linked through TransferredFrom/TransferredTo.
func (e *Engine) Transfer(ctx context.Context, ticketID, newServiceCode string) (TransferResult, error) {
	original, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return TransferResult{}, err
	}
	if !store.ValidTransition("transfer", original.Status) {
		return TransferResult{}, store.ErrInvalidState
	}

	svc, err := e.store.GetServiceByCode(ctx, newServiceCode)
	if err != nil {
		return TransferResult{}, err
	}
	if !svc.Active {
		return TransferResult{}, store.ErrServiceInactive
	}

	waiting, err := e.store.CountWaiting(ctx, svc.ServiceID)
	if err != nil {
		return TransferResult{}, err
	}

	now := e.now()
	updated, replacement, err := e.store.TransferTicket(ctx, ticketID, store.CreateTicketInput{
		TicketID:             uuid.NewString(),
		ServiceID:            svc.ServiceID,
		ServiceCode:          svc.Code,
		PriorityTier:         original.PriorityTier,
		CustomerName:         original.CustomerName,
		AppointmentTime:      original.AppointmentTime,
		EstimatedWaitMinutes: EstimateWait(waiting, svc.BaseServiceMinutes, original.PriorityTier),
		CreatedAt:            now,
	}, now)
	if err != nil {
		return TransferResult{}, err
	}

	e.emit(ctx, events.TypeTransferred, updated)
	e.emit(ctx, events.TypeCreated, replacement)
	return TransferResult{Original: updated, Replacement: replacement}, nil
}

// ReassignPriority moves a waiting ticket to a new tier and recomputes its
// estimate. Tickets already called keep the estimate they were issued with.
func (e *Engine) ReassignPriority(ctx context.Context, ticketID, label, reason string) (models.Ticket, error) {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	tier, err := ClassifyPriority(label, ticket.AppointmentTime)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket.Status != models.StatusWaiting {
		return models.Ticket{}, store.ErrInvalidState
	}

	svc, err := e.store.GetService(ctx, ticket.ServiceID)
	if err != nil {
		return models.Ticket{}, err
	}
	waiting, err := e.store.CountWaiting(ctx, svc.ServiceID)
	if err != nil {
		return models.Ticket{}, err
	}

	updated, err := e.store.UpdatePriority(ctx, ticketID, tier, EstimateWait(waiting, svc.BaseServiceMinutes, tier))
	if err != nil {
		return models.Ticket{}, err
	}
	log.Printf("priority reassigned ticket=%s number=%s tier=%s reason=%q", updated.TicketID, updated.Number, tier, reason)
	return updated, nil
}

// ReassignCounter moves a waiting or called ticket to another counter,
// releasing the old one and re-applying call semantics on the new one.
func (e *Engine) ReassignCounter(ctx context.Context, ticketID, counterID, reason string) (models.Ticket, error) {
	ticket, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	counter, err := e.store.GetCounter(ctx, counterID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !counterSupports(counter, ticket.ServiceCode) {
		return models.Ticket{}, store.ErrCounterMismatch
	}

	updated, err := e.store.ReassignCounter(ctx, ticketID, counterID, e.now())
	if err != nil {
		return models.Ticket{}, err
	}
	log.Printf("counter reassigned ticket=%s number=%s counter=%s reason=%q", updated.TicketID, updated.Number, counterID, reason)
	e.emit(ctx, events.TypeCalled, updated)
	return updated, nil
}

// Snapshot reports the waiting queue for one service, or all services when
// serviceCode is empty.
func (e *Engine) Snapshot(ctx context.Context, serviceCode string) (Snapshot, error) {
	var serviceIDs []string
	var code string
	if serviceCode != "" {
		svc, err := e.store.GetServiceByCode(ctx, serviceCode)
		if err != nil {
			return Snapshot{}, err
		}
		serviceIDs = []string{svc.ServiceID}
		code = svc.Code
	}

	tickets, err := e.store.ListWaiting(ctx, serviceIDs)
	if err != nil {
		return Snapshot{}, err
	}

	byTier := make(map[string]int)
	for _, ticket := range tickets {
		byTier[ticket.PriorityTier]++
	}
	orderQueue(tickets)

	head := tickets
	if len(head) > e.snapshotHead {
		head = head[:e.snapshotHead]
	}
	return Snapshot{
		ServiceCode:  code,
		WaitingCount: len(tickets),
		ByTier:       byTier,
		Head:         head,
	}, nil
}

// SweepMissed expires tickets stuck in called state past the miss timeout and
// frees their counters. Idempotent: a ticket another caller already moved on
// is skipped, and a single failed reap never aborts the sweep.
func (e *Engine) SweepMissed(ctx context.Context) ([]string, error) {
	cutoff := e.now().Add(-e.missTimeout)
	overdue, err := e.store.ListOverdueCalled(ctx, cutoff, e.sweepBatch)
	if err != nil {
		return nil, err
	}

	var reaped []string
	for _, ticket := range overdue {
		missed, err := e.store.MarkMissed(ctx, ticket.TicketID, e.now())
		if errors.Is(err, store.ErrInvalidState) {
			continue
		}
		if err != nil {
			log.Printf("reap ticket=%s error=%v", ticket.TicketID, err)
			continue
		}
		e.emit(ctx, events.TypeMissed, missed)
		reaped = append(reaped, missed.TicketID)
	}
	return reaped, nil
}

func (e *Engine) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.store.GetTicket(ctx, ticketID)
}

func (e *Engine) ListServices(ctx context.Context) ([]models.Service, error) {
	return e.store.ListServices(ctx)
}

func (e *Engine) ListCounters(ctx context.Context) ([]models.Counter, error) {
	return e.store.ListCounters(ctx)
}

// SetCounterStatus changes a counter's operational status. A busy counter can
// only be released through complete/miss/transfer, and activation requires an
// assigned employee and at least one supported service.
func (e *Engine) SetCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error) {
	switch status {
	case models.CounterActive, models.CounterInactive, models.CounterBreak, models.CounterClosed:
	default:
		return models.Counter{}, store.ErrInvalidState
	}

	counter, err := e.store.GetCounter(ctx, counterID)
	if err != nil {
		return models.Counter{}, err
	}
	if counter.Status == models.CounterBusy {
		return models.Counter{}, store.ErrCounterBusy
	}
	if status == models.CounterActive {
		if counter.AssignedEmployeeID == nil {
			return models.Counter{}, store.ErrCounterUnavailable
		}
		if len(counter.SupportedServiceCodes) == 0 {
			return models.Counter{}, store.ErrNoSupportedServices
		}
	}
	return e.store.UpdateCounterStatus(ctx, counterID, status)
}

// waitingFor lists the waiting tickets a counter may serve, in serving order.
func (e *Engine) waitingFor(ctx context.Context, counter models.Counter) ([]models.Ticket, error) {
	if len(counter.SupportedServiceCodes) == 0 {
		return nil, nil
	}

	services, err := e.store.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	supported := make(map[string]bool, len(counter.SupportedServiceCodes))
	for _, code := range counter.SupportedServiceCodes {
		supported[code] = true
	}
	var serviceIDs []string
	for _, svc := range services {
		if svc.Active && supported[svc.Code] {
			serviceIDs = append(serviceIDs, svc.ServiceID)
		}
	}
	if len(serviceIDs) == 0 {
		return nil, nil
	}

	tickets, err := e.store.ListWaiting(ctx, serviceIDs)
	if err != nil {
		return nil, err
	}
	orderQueue(tickets)
	return tickets, nil
}

func counterSupports(counter models.Counter, serviceCode string) bool {
	for _, code := range counter.SupportedServiceCodes {
		if code == serviceCode {
			return true
		}
	}
	return false
}

func (e *Engine) emit(ctx context.Context, eventType string, ticket models.Ticket) {
	event := events.Event{
		EventID:      uuid.NewString(),
		Type:         eventType,
		TicketID:     ticket.TicketID,
		TicketNumber: ticket.Number,
		ServiceCode:  ticket.ServiceCode,
		PriorityTier: ticket.PriorityTier,
		OccurredAt:   e.now(),
	}
	if ticket.CounterID != nil {
		event.CounterID = *ticket.CounterID
	}
	if err := e.sink.Publish(ctx, event); err != nil {
		log.Printf("event publish type=%s ticket=%s error=%v", eventType, ticket.TicketID, err)
	}
}
