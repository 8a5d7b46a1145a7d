package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

// Store is an in-process TicketStore used for tests and single-node dev runs.
// Map membership is guarded by mu; mutations additionally serialize per key,
// with one region per (service, day) sequence, per counter, and per ticket.
type Store struct {
	lockTimeout time.Duration
	locks       *keyedLocks

	mu        sync.RWMutex
	tickets   map[string]models.Ticket
	counters  map[string]models.Counter
	services  map[string]models.Service
	codes     map[string]string
	sequences map[string]int64
}

func NewStore(lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Store{
		lockTimeout: lockTimeout,
		locks:       newKeyedLocks(),
		tickets:     make(map[string]models.Ticket),
		counters:    make(map[string]models.Counter),
		services:    make(map[string]models.Service),
		codes:       make(map[string]string),
		sequences:   make(map[string]int64),
	}
}

func seqKey(serviceID, day string) string { return "seq:" + serviceID + "|" + day }
func ticketKey(ticketID string) string    { return "ticket:" + ticketID }
func counterKey(counterID string) string  { return "counter:" + counterID }

func (s *Store) NextSequence(ctx context.Context, serviceID, day string) (int64, error) {
	release, err := s.locks.acquire(ctx, s.lockTimeout, seqKey(serviceID, day))
	if err != nil {
		return 0, err
	}
	defer release()
	return s.incrementSequence(serviceID, day), nil
}

func (s *Store) incrementSequence(serviceID, day string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := serviceID + "|" + day
	s.sequences[key]++
	return s.sequences[key]
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	day := models.SequenceDay(input.CreatedAt)
	release, err := s.locks.acquire(ctx, s.lockTimeout, seqKey(input.ServiceID, day))
	if err != nil {
		return models.Ticket{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[input.ServiceID]; !ok {
		return models.Ticket{}, store.ErrServiceNotFound
	}

	key := input.ServiceID + "|" + day
	s.sequences[key]++

	ticket := models.Ticket{
		TicketID:             input.TicketID,
		Number:               models.FormatTicketNumber(input.ServiceCode, input.PriorityTier, s.sequences[key]),
		ServiceID:            input.ServiceID,
		ServiceCode:          input.ServiceCode,
		PriorityTier:         input.PriorityTier,
		Status:               models.StatusWaiting,
		CustomerName:         input.CustomerName,
		AppointmentTime:      input.AppointmentTime,
		EstimatedWaitMinutes: input.EstimatedWaitMinutes,
		CreatedAt:            input.CreatedAt,
	}
	s.tickets[ticket.TicketID] = ticket
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) ListWaiting(ctx context.Context, serviceIDs []string) ([]models.Ticket, error) {
	var filter map[string]bool
	if len(serviceIDs) > 0 {
		filter = make(map[string]bool, len(serviceIDs))
		for _, id := range serviceIDs {
			filter[id] = true
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.Status != models.StatusWaiting {
			continue
		}
		if filter != nil && !filter[ticket.ServiceID] {
			continue
		}
		tickets = append(tickets, ticket)
	}
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
	})
	return tickets, nil
}

func (s *Store) CountWaiting(ctx context.Context, serviceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, ticket := range s.tickets {
		if ticket.Status == models.StatusWaiting && ticket.ServiceID == serviceID {
			count++
		}
	}
	return count, nil
}

func (s *Store) CallTicket(ctx context.Context, input store.CallTicketInput) (models.Ticket, error) {
	release, err := s.locks.acquire(ctx, s.lockTimeout, ticketKey(input.TicketID), counterKey(input.CounterID))
	if err != nil {
		return models.Ticket{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.Status != models.StatusWaiting {
		return models.Ticket{}, store.ErrInvalidState
	}

	counter, ok := s.counters[input.CounterID]
	if !ok {
		return models.Ticket{}, store.ErrCounterNotFound
	}
	if counter.Status == models.CounterBusy || counter.CurrentTicketID != nil {
		return models.Ticket{}, store.ErrCounterBusy
	}
	if !models.CounterAssignable(counter.Status) {
		return models.Ticket{}, store.ErrCounterUnavailable
	}
	if !supportsCode(counter, ticket.ServiceCode) {
		return models.Ticket{}, store.ErrCounterMismatch
	}

	calledAt := input.CalledAt
	ticket.Status = models.StatusCalled
	ticket.CalledAt = &calledAt
	counterID := input.CounterID
	ticket.CounterID = &counterID
	ticket.EmployeeID = counter.AssignedEmployeeID

	ticketID := input.TicketID
	counter.Status = models.CounterBusy
	counter.CurrentTicketID = &ticketID

	s.tickets[input.TicketID] = ticket
	s.counters[input.CounterID] = counter
	return ticket, nil
}

func (s *Store) StartServing(ctx context.Context, ticketID string, at time.Time) (models.Ticket, error) {
	release, err := s.locks.acquire(ctx, s.lockTimeout, ticketKey(ticketID))
	if err != nil {
		return models.Ticket{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.Status != models.StatusCalled {
		return models.Ticket{}, store.ErrInvalidState
	}
	if ticket.CounterID == nil {
		return models.Ticket{}, store.ErrCounterMismatch
	}
	counter, ok := s.counters[*ticket.CounterID]
	if !ok || counter.CurrentTicketID == nil || *counter.CurrentTicketID != ticketID {
		return models.Ticket{}, store.ErrCounterMismatch
	}

	startedAt := at
	ticket.Status = models.StatusServing
	ticket.ServingStartedAt = &startedAt
	s.tickets[ticketID] = ticket
	return ticket, nil
}

func (s *Store) CompleteTicket(ctx context.Context, ticketID string, at time.Time) (models.Ticket, error) {
	snapshot, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	keys := []string{ticketKey(ticketID)}
	if snapshot.CounterID != nil {
		keys = append(keys, counterKey(*snapshot.CounterID))
	}
	release, err := s.locks.acquire(ctx, s.lockTimeout, keys...)
	if err != nil {
		return models.Ticket{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.Status != models.StatusServing {
		return models.Ticket{}, store.ErrInvalidState
	}

	completedAt := at
	ticket.Status = models.StatusCompleted
	ticket.CompletedAt = &completedAt
	if ticket.CalledAt != nil {
		waited := store.MinutesBetween(ticket.CreatedAt, *ticket.CalledAt)
		ticket.ActualWaitMinutes = &waited
	}
	if ticket.ServingStartedAt != nil {
		served := store.MinutesBetween(*ticket.ServingStartedAt, at)
		ticket.ActualServiceMinutes = &served
	}
	s.freeCounterLocked(ticket.CounterID)
	s.tickets[ticketID] = ticket
	return ticket, nil
}

func (s *Store) CancelTicket(ctx context.Context, ticketID, reason string, at time.Time) (models.Ticket, error) {
	release, err := s.locks.acquire(ctx, s.lockTimeout, ticketKey(ticketID))
	if err != nil {
		return models.Ticket{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.Status != models.StatusWaiting {
		return models.Ticket{}, store.ErrInvalidState
	}

	ticket.Status = models.StatusCancelled
	ticket.CancelReason = reason
	s.tickets[ticketID] = ticket
	return ticket, nil
}

func (s *Store) TransferTicket(ctx context.Context, ticketID string, replacement store.CreateTicketInput, at time.Time) (models.Ticket, models.Ticket, error) {
	snapshot, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, models.Ticket{}, err
	}

	day := models.SequenceDay(replacement.CreatedAt)
	keys := []string{ticketKey(ticketID), seqKey(replacement.ServiceID, day)}
	if snapshot.CounterID != nil {
		keys = append(keys, counterKey(*snapshot.CounterID))
	}
	release, err := s.locks.acquire(ctx, s.lockTimeout, keys...)
	if err != nil {
		return models.Ticket{}, models.Ticket{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, models.Ticket{}, store.ErrTicketNotFound
	}
	if !store.ValidTransition("transfer", original.Status) {
		return models.Ticket{}, models.Ticket{}, store.ErrInvalidState
	}
	if _, ok := s.services[replacement.ServiceID]; !ok {
		return models.Ticket{}, models.Ticket{}, store.ErrServiceNotFound
	}

	key := replacement.ServiceID + "|" + day
	s.sequences[key]++

	repl := models.Ticket{
		TicketID:             replacement.TicketID,
		Number:               models.FormatTicketNumber(replacement.ServiceCode, replacement.PriorityTier, s.sequences[key]),
		ServiceID:            replacement.ServiceID,
		ServiceCode:          replacement.ServiceCode,
		PriorityTier:         replacement.PriorityTier,
		Status:               models.StatusWaiting,
		CustomerName:         replacement.CustomerName,
		AppointmentTime:      replacement.AppointmentTime,
		EstimatedWaitMinutes: replacement.EstimatedWaitMinutes,
		CreatedAt:            replacement.CreatedAt,
		TransferredFrom:      ticketID,
	}

	if original.Status == models.StatusCalled {
		s.freeCounterLocked(original.CounterID)
	}
	original.Status = models.StatusTransferred
	original.TransferredTo = repl.TicketID

	s.tickets[ticketID] = original
	s.tickets[repl.TicketID] = repl
	return original, repl, nil
}

func (s *Store) UpdatePriority(ctx context.Context, ticketID, tier string, estimatedWaitMinutes int) (models.Ticket, error) {
	release, err := s.locks.acquire(ctx, s.lockTimeout, ticketKey(ticketID))
	if err != nil {
		return models.Ticket{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.Status != models.StatusWaiting {
		return models.Ticket{}, store.ErrInvalidState
	}

	ticket.PriorityTier = tier
	ticket.EstimatedWaitMinutes = estimatedWaitMinutes
	s.tickets[ticketID] = ticket
	return ticket, nil
}

func (s *Store) ReassignCounter(ctx context.Context, ticketID, counterID string, at time.Time) (models.Ticket, error) {
	snapshot, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	keys := []string{ticketKey(ticketID), counterKey(counterID)}
	if snapshot.CounterID != nil && *snapshot.CounterID != counterID {
		keys = append(keys, counterKey(*snapshot.CounterID))
	}
	release, err := s.locks.acquire(ctx, s.lockTimeout, keys...)
	if err != nil {
		return models.Ticket{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if !store.ValidTransition("reassign_counter", ticket.Status) {
		return models.Ticket{}, store.ErrInvalidState
	}

	counter, ok := s.counters[counterID]
	if !ok {
		return models.Ticket{}, store.ErrCounterNotFound
	}
	if counter.Status == models.CounterBusy || counter.CurrentTicketID != nil {
		return models.Ticket{}, store.ErrCounterBusy
	}
	if !models.CounterAssignable(counter.Status) {
		return models.Ticket{}, store.ErrCounterUnavailable
	}
	if !supportsCode(counter, ticket.ServiceCode) {
		return models.Ticket{}, store.ErrCounterMismatch
	}

	if ticket.Status == models.StatusCalled {
		s.freeCounterLocked(ticket.CounterID)
	}

	calledAt := at
	ticket.Status = models.StatusCalled
	ticket.CalledAt = &calledAt
	id := counterID
	ticket.CounterID = &id
	ticket.EmployeeID = counter.AssignedEmployeeID

	tid := ticketID
	counter.Status = models.CounterBusy
	counter.CurrentTicketID = &tid

	s.tickets[ticketID] = ticket
	s.counters[counterID] = counter
	return ticket, nil
}

func (s *Store) ListOverdueCalled(ctx context.Context, cutoff time.Time, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var overdue []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.Status != models.StatusCalled || ticket.CalledAt == nil {
			continue
		}
		if ticket.CalledAt.Before(cutoff) {
			overdue = append(overdue, ticket)
		}
	}
	sort.Slice(overdue, func(i, j int) bool {
		return overdue[i].CalledAt.Before(*overdue[j].CalledAt)
	})
	if len(overdue) > limit {
		overdue = overdue[:limit]
	}
	return overdue, nil
}

func (s *Store) MarkMissed(ctx context.Context, ticketID string, at time.Time) (models.Ticket, error) {
	snapshot, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	keys := []string{ticketKey(ticketID)}
	if snapshot.CounterID != nil {
		keys = append(keys, counterKey(*snapshot.CounterID))
	}
	release, err := s.locks.acquire(ctx, s.lockTimeout, keys...)
	if err != nil {
		return models.Ticket{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.Status != models.StatusCalled {
		return models.Ticket{}, store.ErrInvalidState
	}

	missedAt := at
	ticket.Status = models.StatusMissed
	ticket.MissedAt = &missedAt
	s.freeCounterLocked(ticket.CounterID)
	s.tickets[ticketID] = ticket
	return ticket, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return svc, nil
}

func (s *Store) GetServiceByCode(ctx context.Context, code string) (models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.codes[code]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return s.services[id], nil
}

func (s *Store) ListServices(ctx context.Context) ([]models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	services := make([]models.Service, 0, len(s.services))
	for _, svc := range s.services {
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Code < services[j].Code })
	return services, nil
}

func (s *Store) UpsertService(ctx context.Context, service models.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.ServiceID] = service
	s.codes[service.Code] = service.ServiceID
	return nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, nil
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counters := make([]models.Counter, 0, len(s.counters))
	for _, counter := range s.counters {
		counters = append(counters, counter)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].Number < counters[j].Number })
	return counters, nil
}

func (s *Store) UpdateCounterStatus(ctx context.Context, counterID, status string) (models.Counter, error) {
	release, err := s.locks.acquire(ctx, s.lockTimeout, counterKey(counterID))
	if err != nil {
		return models.Counter{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	if counter.Status == models.CounterBusy {
		return models.Counter{}, store.ErrCounterBusy
	}

	counter.Status = status
	s.counters[counterID] = counter
	return counter, nil
}

func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter.Status == "" {
		counter.Status = models.CounterInactive
	}
	s.counters[counter.CounterID] = counter
	return nil
}

// freeCounterLocked releases a busy counter back to active. Callers hold both
// s.mu and the counter's region.
func (s *Store) freeCounterLocked(counterID *string) {
	if counterID == nil {
		return
	}
	counter, ok := s.counters[*counterID]
	if !ok {
		return
	}
	counter.Status = models.CounterActive
	counter.CurrentTicketID = nil
	s.counters[*counterID] = counter
}

func supportsCode(counter models.Counter, serviceCode string) bool {
	for _, code := range counter.SupportedServiceCodes {
		if code == serviceCode {
			return true
		}
	}
	return false
}
