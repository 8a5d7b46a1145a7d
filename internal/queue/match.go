package queue

import (
	"sort"
	"time"

	"qms/queue-engine/internal/models"
)

// serveBefore reports whether a should be served before b. Appointments come
// first ordered by scheduled time, remaining tiers by precedence, and equal
// tiers strictly FIFO by creation time.
func serveBefore(a, b models.Ticket) bool {
	if a.PriorityTier == models.TierAppointment && b.PriorityTier == models.TierAppointment {
		at, bt := appointmentKey(a), appointmentKey(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}
	ra, rb := rankOf(a.PriorityTier), rankOf(b.PriorityTier)
	if ra != rb {
		return ra < rb
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func rankOf(tier string) int {
	rank, ok := tierRank[tier]
	if !ok {
		return tierRank[models.TierNormal]
	}
	return rank
}

func appointmentKey(t models.Ticket) time.Time {
	if t.AppointmentTime != nil {
		return *t.AppointmentTime
	}
	return t.CreatedAt
}

// orderQueue sorts tickets into serving order in place.
func orderQueue(tickets []models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return serveBefore(tickets[i], tickets[j])
	})
}
