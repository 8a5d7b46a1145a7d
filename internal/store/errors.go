package store

import "errors"

var (
	ErrServiceNotFound     = errors.New("service not found")
	ErrServiceInactive     = errors.New("service inactive")
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrCounterNotFound     = errors.New("counter not found")
	ErrNoTicket            = errors.New("no ticket available")
	ErrInvalidState        = errors.New("invalid ticket state")
	ErrCounterBusy         = errors.New("counter busy")
	ErrCounterUnavailable  = errors.New("counter unavailable")
	ErrCounterMismatch     = errors.New("counter mismatch")
	ErrUnknownPriority     = errors.New("unknown priority tier")
	ErrAppointmentRequired = errors.New("appointment time required")
	ErrNoSupportedServices = errors.New("counter has no supported services")
	ErrLockTimeout         = errors.New("lock acquisition timed out")
)

// IsConflict reports whether err means the caller lost a race or requested a
// transition the current state does not allow. Safe to retry after re-reading.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrCounterBusy) ||
		errors.Is(err, ErrCounterUnavailable) ||
		errors.Is(err, ErrCounterMismatch)
}

// IsValidation reports whether err means the request was rejected before any
// mutation took place.
func IsValidation(err error) bool {
	return errors.Is(err, ErrUnknownPriority) ||
		errors.Is(err, ErrAppointmentRequired) ||
		errors.Is(err, ErrServiceInactive) ||
		errors.Is(err, ErrNoSupportedServices)
}
