package events

import (
	"context"
	"time"
)

const (
	TypeCreated     = "ticket.created"
	TypeCalled      = "ticket.called"
	TypeServing     = "ticket.serving"
	TypeCompleted   = "ticket.completed"
	TypeCancelled   = "ticket.cancelled"
	TypeMissed      = "ticket.missed"
	TypeTransferred = "ticket.transferred"
)

// Event is the lifecycle record emitted after every successful state change,
// relayed to the notification collaborator.
type Event struct {
	EventID      string    `json:"event_id"`
	Type         string    `json:"type"`
	TicketID     string    `json:"ticket_id"`
	TicketNumber string    `json:"ticket_number"`
	ServiceCode  string    `json:"service_code"`
	PriorityTier string    `json:"priority_tier,omitempty"`
	CounterID    string    `json:"counter_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// NopSink drops every event. Used when no relay is configured.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }
