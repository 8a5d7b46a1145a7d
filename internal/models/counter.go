package models

// Counter is a physical service position. A busy counter always has a current
// ticket; a free counter never does.
type Counter struct {
	CounterID             string   `json:"counter_id"`
	Number                int      `json:"number"`
	Status                string   `json:"status"`
	SupportedServiceCodes []string `json:"supported_service_codes"`
	AssignedEmployeeID    *string  `json:"assigned_employee_id,omitempty"`
	CurrentTicketID       *string  `json:"current_ticket_id,omitempty"`
}

const (
	CounterInactive = "inactive"
	CounterActive   = "active"
	CounterBusy     = "busy"
	CounterBreak    = "break"
	CounterClosed   = "closed"
)

// CounterAssignable reports whether a counter in the given status may receive
// a call. Busy, break, and closed counters never take new tickets.
func CounterAssignable(status string) bool {
	switch status {
	case CounterActive, CounterInactive:
		return true
	default:
		return false
	}
}
