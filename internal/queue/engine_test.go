package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Publish(ctx context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Type)
	}
	return out
}

type fixture struct {
	engine   *Engine
	store    *memory.Store
	clock    *fakeClock
	sink     *captureSink
	service  models.Service
	counterA string
	counterB string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.NewStore(2 * time.Second)
	clock := newFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	sink := &captureSink{}

	svc := models.Service{
		ServiceID:          uuid.NewString(),
		Code:               "GEN",
		Name:               "General",
		BaseServiceMinutes: 5,
		Active:             true,
	}
	if err := st.UpsertService(ctx, svc); err != nil {
		t.Fatalf("upsert service: %v", err)
	}

	employeeA := uuid.NewString()
	employeeB := uuid.NewString()
	counterA := uuid.NewString()
	counterB := uuid.NewString()
	counters := []models.Counter{
		{CounterID: counterA, Number: 1, Status: models.CounterActive, SupportedServiceCodes: []string{"GEN"}, AssignedEmployeeID: &employeeA},
		{CounterID: counterB, Number: 2, Status: models.CounterActive, SupportedServiceCodes: []string{"GEN"}, AssignedEmployeeID: &employeeB},
	}
	for _, counter := range counters {
		if err := st.UpsertCounter(ctx, counter); err != nil {
			t.Fatalf("upsert counter %d: %v", counter.Number, err)
		}
	}

	engine := New(st, Options{
		Sink:        sink,
		Now:         clock.Now,
		MissTimeout: 5 * time.Minute,
	})
	return &fixture{
		engine:   engine,
		store:    st,
		clock:    clock,
		sink:     sink,
		service:  svc,
		counterA: counterA,
		counterB: counterB,
	}
}

func (f *fixture) issue(t *testing.T, priority string) models.Ticket {
	t.Helper()
	ticket, err := f.engine.IssueTicket(context.Background(), IssueTicketInput{
		ServiceCode: f.service.Code,
		Priority:    priority,
	})
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	return ticket
}

func TestIssueTicket(t *testing.T) {
	f := newFixture(t)

	first := f.issue(t, "")
	if first.Number != "GEN-001" {
		t.Fatalf("expected GEN-001, got %s", first.Number)
	}
	if first.Status != models.StatusWaiting {
		t.Fatalf("expected waiting status, got %s", first.Status)
	}
	if first.EstimatedWaitMinutes != 2 {
		t.Fatalf("expected floor estimate of 2 minutes, got %d", first.EstimatedWaitMinutes)
	}

	second := f.issue(t, "vip")
	if second.Number != "VIP-GEN-002" {
		t.Fatalf("expected VIP-GEN-002, got %s", second.Number)
	}
	if second.EstimatedWaitMinutes != 5 {
		t.Fatalf("expected vip minimum of 5 minutes, got %d", second.EstimatedWaitMinutes)
	}

	got := f.sink.types()
	if len(got) != 2 || got[0] != events.TypeCreated || got[1] != events.TypeCreated {
		t.Fatalf("expected two created events, got %v", got)
	}
}

func TestIssueTicketValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.IssueTicket(ctx, IssueTicketInput{ServiceCode: "NOPE"}); !errors.Is(err, store.ErrServiceNotFound) {
		t.Fatalf("expected service not found, got %v", err)
	}
	if _, err := f.engine.IssueTicket(ctx, IssueTicketInput{ServiceCode: "GEN", Priority: "platinum"}); !errors.Is(err, store.ErrUnknownPriority) {
		t.Fatalf("expected unknown priority, got %v", err)
	}
	if _, err := f.engine.IssueTicket(ctx, IssueTicketInput{ServiceCode: "GEN", Priority: "appointment"}); !errors.Is(err, store.ErrAppointmentRequired) {
		t.Fatalf("expected appointment required, got %v", err)
	}

	inactive := models.Service{ServiceID: uuid.NewString(), Code: "OLD", Name: "Retired", BaseServiceMinutes: 5}
	if err := f.store.UpsertService(ctx, inactive); err != nil {
		t.Fatalf("upsert service: %v", err)
	}
	if _, err := f.engine.IssueTicket(ctx, IssueTicketInput{ServiceCode: "OLD"}); !errors.Is(err, store.ErrServiceInactive) {
		t.Fatalf("expected service inactive, got %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ticket := f.issue(t, "")
	f.clock.Advance(3 * time.Minute)

	called, err := f.engine.CallNext(ctx, f.counterA)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.TicketID != ticket.TicketID {
		t.Fatalf("expected ticket %s, got %s", ticket.TicketID, called.TicketID)
	}
	if called.CounterID == nil || *called.CounterID != f.counterA {
		t.Fatalf("expected assignment to counter A")
	}

	counter, err := f.store.GetCounter(ctx, f.counterA)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.Status != models.CounterBusy {
		t.Fatalf("expected busy counter, got %s", counter.Status)
	}

	f.clock.Advance(time.Minute)
	serving, err := f.engine.StartServing(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("start serving: %v", err)
	}
	if serving.Status != models.StatusServing {
		t.Fatalf("expected serving status, got %s", serving.Status)
	}

	f.clock.Advance(7 * time.Minute)
	completed, err := f.engine.Complete(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.ActualWaitMinutes == nil || *completed.ActualWaitMinutes != 3 {
		t.Fatalf("expected 3 waited minutes, got %v", completed.ActualWaitMinutes)
	}
	if completed.ActualServiceMinutes == nil || *completed.ActualServiceMinutes != 7 {
		t.Fatalf("expected 7 service minutes, got %v", completed.ActualServiceMinutes)
	}

	counter, err = f.store.GetCounter(ctx, f.counterA)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.Status != models.CounterActive || counter.CurrentTicketID != nil {
		t.Fatalf("expected released counter, got %+v", counter)
	}

	want := []string{events.TypeCreated, events.TypeCalled, events.TypeServing, events.TypeCompleted}
	got := f.sink.types()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestLifecycleInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ticket := f.issue(t, "")

	if _, err := f.engine.StartServing(ctx, ticket.TicketID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state serving a waiting ticket, got %v", err)
	}
	if _, err := f.engine.Complete(ctx, ticket.TicketID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state completing a waiting ticket, got %v", err)
	}

	if _, err := f.engine.CallNext(ctx, f.counterA); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := f.engine.Cancel(ctx, ticket.TicketID, "changed mind"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state cancelling a called ticket, got %v", err)
	}
}

func TestCallNextOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	normal := f.issue(t, "")
	f.clock.Advance(time.Minute)
	vip := f.issue(t, "vip")

	first, err := f.engine.CallNext(ctx, f.counterA)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if first.TicketID != vip.TicketID {
		t.Fatalf("expected vip ticket first, got %s", first.Number)
	}

	second, err := f.engine.CallNext(ctx, f.counterB)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if second.TicketID != normal.TicketID {
		t.Fatalf("expected normal ticket second, got %s", second.Number)
	}
}

func TestCallNextCounterStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.CallNext(ctx, f.counterA); !errors.Is(err, store.ErrNoTicket) {
		t.Fatalf("expected no ticket on empty queue, got %v", err)
	}

	f.issue(t, "")
	f.issue(t, "")
	if _, err := f.engine.CallNext(ctx, f.counterA); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := f.engine.CallNext(ctx, f.counterA); !errors.Is(err, store.ErrCounterBusy) {
		t.Fatalf("expected busy counter, got %v", err)
	}

	if _, err := f.engine.SetCounterStatus(ctx, f.counterB, models.CounterBreak); err != nil {
		t.Fatalf("set counter status: %v", err)
	}
	if _, err := f.engine.CallNext(ctx, f.counterB); !errors.Is(err, store.ErrCounterUnavailable) {
		t.Fatalf("expected unavailable counter, got %v", err)
	}
}

func TestCallSpecificTicket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.issue(t, "vip")
	normal := f.issue(t, "")

	called, err := f.engine.Call(ctx, normal.TicketID, f.counterA)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if called.TicketID != normal.TicketID {
		t.Fatalf("expected the requested ticket, got %s", called.Number)
	}

	other := models.Service{ServiceID: uuid.NewString(), Code: "PAY", Name: "Payments", BaseServiceMinutes: 4, Active: true}
	if err := f.store.UpsertService(ctx, other); err != nil {
		t.Fatalf("upsert service: %v", err)
	}
	pay, err := f.engine.IssueTicket(ctx, IssueTicketInput{ServiceCode: "PAY"})
	if err != nil {
		t.Fatalf("issue ticket: %v", err)
	}
	if _, err := f.engine.Call(ctx, pay.TicketID, f.counterB); !errors.Is(err, store.ErrCounterMismatch) {
		t.Fatalf("expected counter mismatch, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ticket := f.issue(t, "")
	cancelled, err := f.engine.Cancel(ctx, ticket.TicketID, "left the branch")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}
	if cancelled.CancelReason != "left the branch" {
		t.Fatalf("expected recorded reason, got %q", cancelled.CancelReason)
	}

	if _, err := f.engine.Cancel(ctx, uuid.NewString(), "whatever"); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ticket not found, got %v", err)
	}
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := models.Service{ServiceID: uuid.NewString(), Code: "PAY", Name: "Payments", BaseServiceMinutes: 4, Active: true}
	if err := f.store.UpsertService(ctx, target); err != nil {
		t.Fatalf("upsert service: %v", err)
	}

	ticket := f.issue(t, "vip")
	result, err := f.engine.Transfer(ctx, ticket.TicketID, "PAY")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if result.Original.Status != models.StatusTransferred {
		t.Fatalf("expected transferred status, got %s", result.Original.Status)
	}
	if result.Original.TransferredTo != result.Replacement.TicketID {
		t.Fatalf("original not linked to replacement")
	}
	if result.Replacement.TransferredFrom != result.Original.TicketID {
		t.Fatalf("replacement not linked to original")
	}
	if result.Replacement.PriorityTier != models.TierVIP {
		t.Fatalf("expected carried-over tier, got %s", result.Replacement.PriorityTier)
	}
	if !strings.HasPrefix(result.Replacement.Number, "VIP-PAY-") {
		t.Fatalf("expected target-service number, got %s", result.Replacement.Number)
	}

	if _, err := f.engine.Transfer(ctx, ticket.TicketID, "GEN"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on second transfer, got %v", err)
	}
}

func TestTransferReleasesCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := models.Service{ServiceID: uuid.NewString(), Code: "PAY", Name: "Payments", BaseServiceMinutes: 4, Active: true}
	if err := f.store.UpsertService(ctx, target); err != nil {
		t.Fatalf("upsert service: %v", err)
	}

	f.issue(t, "")
	called, err := f.engine.CallNext(ctx, f.counterA)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}

	if _, err := f.engine.Transfer(ctx, called.TicketID, "PAY"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	counter, err := f.store.GetCounter(ctx, f.counterA)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.Status != models.CounterActive || counter.CurrentTicketID != nil {
		t.Fatalf("expected released counter, got %+v", counter)
	}
}

func TestReassignPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ticket := f.issue(t, "")
	updated, err := f.engine.ReassignPriority(ctx, ticket.TicketID, "vip", "staff override")
	if err != nil {
		t.Fatalf("reassign priority: %v", err)
	}
	if updated.PriorityTier != models.TierVIP {
		t.Fatalf("expected vip tier, got %s", updated.PriorityTier)
	}
	if updated.EstimatedWaitMinutes != 5 {
		t.Fatalf("expected recomputed estimate of 5, got %d", updated.EstimatedWaitMinutes)
	}

	if _, err := f.engine.CallNext(ctx, f.counterA); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := f.engine.ReassignPriority(ctx, ticket.TicketID, "urgent", "too late"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on called ticket, got %v", err)
	}
}

func TestReassignCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.issue(t, "")
	called, err := f.engine.CallNext(ctx, f.counterA)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}

	moved, err := f.engine.ReassignCounter(ctx, called.TicketID, f.counterB, "counter A closing")
	if err != nil {
		t.Fatalf("reassign counter: %v", err)
	}
	if moved.CounterID == nil || *moved.CounterID != f.counterB {
		t.Fatalf("expected assignment to counter B")
	}

	old, err := f.store.GetCounter(ctx, f.counterA)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if old.Status != models.CounterActive || old.CurrentTicketID != nil {
		t.Fatalf("expected released counter A, got %+v", old)
	}
	fresh, err := f.store.GetCounter(ctx, f.counterB)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if fresh.Status != models.CounterBusy || fresh.CurrentTicketID == nil || *fresh.CurrentTicketID != called.TicketID {
		t.Fatalf("expected busy counter B holding the ticket, got %+v", fresh)
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.issue(t, "")
	f.clock.Advance(time.Minute)
	f.issue(t, "vip")
	f.clock.Advance(time.Minute)
	f.issue(t, "")

	snapshot, err := f.engine.Snapshot(ctx, "GEN")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.WaitingCount != 3 {
		t.Fatalf("expected 3 waiting, got %d", snapshot.WaitingCount)
	}
	if snapshot.ByTier[models.TierVIP] != 1 || snapshot.ByTier[models.TierNormal] != 2 {
		t.Fatalf("unexpected tier counts: %v", snapshot.ByTier)
	}
	if len(snapshot.Head) != 3 || snapshot.Head[0].PriorityTier != models.TierVIP {
		t.Fatalf("expected vip at the head, got %+v", snapshot.Head)
	}

	if _, err := f.engine.Snapshot(ctx, "NOPE"); !errors.Is(err, store.ErrServiceNotFound) {
		t.Fatalf("expected service not found, got %v", err)
	}
}

func TestSweepMissed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.issue(t, "")
	called, err := f.engine.CallNext(ctx, f.counterA)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}

	f.clock.Advance(4 * time.Minute)
	reaped, err := f.engine.SweepMissed(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("expected nothing reaped before the timeout, got %v", reaped)
	}

	f.clock.Advance(2 * time.Minute)
	reaped, err = f.engine.SweepMissed(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(reaped) != 1 || reaped[0] != called.TicketID {
		t.Fatalf("expected the called ticket reaped, got %v", reaped)
	}

	missed, err := f.engine.GetTicket(ctx, called.TicketID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if missed.Status != models.StatusMissed {
		t.Fatalf("expected missed status, got %s", missed.Status)
	}
	counter, err := f.store.GetCounter(ctx, f.counterA)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.Status != models.CounterActive {
		t.Fatalf("expected freed counter, got %s", counter.Status)
	}

	// Already handled tickets are skipped on the next pass.
	reaped, err = f.engine.SweepMissed(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("expected idempotent sweep, got %v", reaped)
	}
}

func TestSetCounterStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.SetCounterStatus(ctx, f.counterA, "sleeping"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state for unknown status, got %v", err)
	}

	counter, err := f.engine.SetCounterStatus(ctx, f.counterA, models.CounterBreak)
	if err != nil {
		t.Fatalf("set counter status: %v", err)
	}
	if counter.Status != models.CounterBreak {
		t.Fatalf("expected break status, got %s", counter.Status)
	}

	bare := models.Counter{CounterID: uuid.NewString(), Number: 9, Status: models.CounterInactive}
	if err := f.store.UpsertCounter(ctx, bare); err != nil {
		t.Fatalf("upsert counter: %v", err)
	}
	if _, err := f.engine.SetCounterStatus(ctx, bare.CounterID, models.CounterActive); !errors.Is(err, store.ErrCounterUnavailable) {
		t.Fatalf("expected unavailable without employee, got %v", err)
	}

	employee := uuid.NewString()
	bare.AssignedEmployeeID = &employee
	if err := f.store.UpsertCounter(ctx, bare); err != nil {
		t.Fatalf("upsert counter: %v", err)
	}
	if _, err := f.engine.SetCounterStatus(ctx, bare.CounterID, models.CounterActive); !errors.Is(err, store.ErrNoSupportedServices) {
		t.Fatalf("expected no supported services, got %v", err)
	}

	f.issue(t, "")
	if _, err := f.engine.CallNext(ctx, f.counterB); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := f.engine.SetCounterStatus(ctx, f.counterB, models.CounterClosed); !errors.Is(err, store.ErrCounterBusy) {
		t.Fatalf("expected busy counter refusal, got %v", err)
	}
}

func TestConcurrentIssueNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 100
	var wg sync.WaitGroup
	numbers := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := f.engine.IssueTicket(ctx, IssueTicketInput{ServiceCode: "GEN"})
			if err != nil {
				t.Errorf("issue ticket: %v", err)
				return
			}
			numbers <- ticket.Number
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool, workers)
	for number := range numbers {
		if seen[number] {
			t.Fatalf("duplicate ticket number %s", number)
		}
		seen[number] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d distinct numbers, got %d", workers, len(seen))
	}
	for i := 1; i <= workers; i++ {
		number := models.FormatTicketNumber("GEN", models.TierNormal, int64(i))
		if !seen[number] {
			t.Fatalf("gap in numbering at %s", number)
		}
	}
}

func TestConcurrentCallNextSameCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.issue(t, "")
	f.issue(t, "")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.CallNext(ctx, f.counterA)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, refused int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrCounterBusy):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || refused != 1 {
		t.Fatalf("expected exactly one winner on the counter, got %d winners and %d refusals", succeeded, refused)
	}
}

func TestConcurrentCallNext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.issue(t, "")
	f.issue(t, "")

	var wg sync.WaitGroup
	results := make(chan string, 2)
	for _, counterID := range []string{f.counterA, f.counterB} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ticket, err := f.engine.CallNext(ctx, id)
			if err != nil {
				t.Errorf("call next: %v", err)
				return
			}
			results <- ticket.TicketID
		}(counterID)
	}
	wg.Wait()
	close(results)

	var ids []string
	for id := range results {
		ids = append(ids, id)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(ids))
	}
	if ids[0] == ids[1] {
		t.Fatalf("both counters claimed ticket %s", ids[0])
	}
}
