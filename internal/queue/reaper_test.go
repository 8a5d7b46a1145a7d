package queue

import (
	"context"
	"testing"
	"time"

	"qms/queue-engine/internal/models"
)

func TestReaperRun(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.issue(t, "")
	called, err := f.engine.CallNext(ctx, f.counterA)
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	f.clock.Advance(6 * time.Minute)

	reaper := NewReaper(f.engine, 10*time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		reaper.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		ticket, err := f.engine.GetTicket(ctx, called.TicketID)
		if err != nil {
			t.Fatalf("get ticket: %v", err)
		}
		if ticket.Status == models.StatusMissed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("ticket never reaped, status %s", ticket.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reaper did not stop on cancel")
	}
}
