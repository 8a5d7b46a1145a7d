package models

import (
	"fmt"
	"time"
)

type Ticket struct {
	TicketID             string     `json:"ticket_id"`
	Number               string     `json:"number"`
	ServiceID            string     `json:"service_id"`
	ServiceCode          string     `json:"service_code,omitempty"`
	PriorityTier         string     `json:"priority_tier"`
	Status               string     `json:"status"`
	CustomerName         string     `json:"customer_name,omitempty"`
	CounterID            *string    `json:"counter_id,omitempty"`
	EmployeeID           *string    `json:"employee_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	ServingStartedAt     *time.Time `json:"serving_started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	MissedAt             *time.Time `json:"missed_at,omitempty"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
	ActualWaitMinutes    *int       `json:"actual_wait_minutes,omitempty"`
	ActualServiceMinutes *int       `json:"actual_service_minutes,omitempty"`
	AppointmentTime      *time.Time `json:"appointment_time,omitempty"`
	CancelReason         string     `json:"cancel_reason,omitempty"`
	TransferredFrom      string     `json:"transferred_from,omitempty"`
	TransferredTo        string     `json:"transferred_to,omitempty"`
}

const (
	StatusWaiting     = "waiting"
	StatusCalled      = "called"
	StatusServing     = "serving"
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
	StatusMissed      = "missed"
	StatusTransferred = "transferred"
)

const (
	TierAppointment = "appointment"
	TierVIP         = "vip"
	TierUrgent      = "urgent"
	TierSpecial     = "special"
	TierNormal      = "normal"
)

const ticketNumberPad = 3

// TerminalStatus reports whether a ticket in the given status can never
// transition again.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusMissed, StatusTransferred:
		return true
	default:
		return false
	}
}

// TierPrefix returns the ticket number prefix for a tier. Only VIP and
// appointment tickets carry one.
func TierPrefix(tier string) string {
	switch tier {
	case TierVIP:
		return "VIP"
	case TierAppointment:
		return "APP"
	default:
		return ""
	}
}

// FormatTicketNumber builds the printed ticket number from the service code,
// the priority tier, and the zero-padded per-day sequence.
func FormatTicketNumber(serviceCode, tier string, seq int64) string {
	prefix := TierPrefix(tier)
	if prefix == "" {
		return fmt.Sprintf("%s-%0*d", serviceCode, ticketNumberPad, seq)
	}
	return fmt.Sprintf("%s-%s-%0*d", prefix, serviceCode, ticketNumberPad, seq)
}

// SequenceDay is the calendar-day key that scopes ticket sequences.
func SequenceDay(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}
