package queue

import (
	"strings"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

// tierRank orders tiers by precedence, lower served first.
var tierRank = map[string]int{
	models.TierAppointment: 0,
	models.TierVIP:         1,
	models.TierUrgent:      2,
	models.TierSpecial:     3,
	models.TierNormal:      4,
}

// ClassifyPriority maps a requested priority label to a tier. Unrecognized
// labels fail with ErrUnknownPriority; there is no silent default beyond the
// empty label meaning normal. The disabled/elderly/pregnant labels all rank as
// the single special tier. Appointment classification requires a scheduled
// time.
func ClassifyPriority(label string, appointmentTime *time.Time) (string, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", models.TierNormal, "regular":
		return models.TierNormal, nil
	case models.TierVIP:
		return models.TierVIP, nil
	case models.TierUrgent:
		return models.TierUrgent, nil
	case models.TierSpecial, "disabled", "elderly", "pregnant":
		return models.TierSpecial, nil
	case models.TierAppointment:
		if appointmentTime == nil {
			return "", store.ErrAppointmentRequired
		}
		return models.TierAppointment, nil
	default:
		return "", store.ErrUnknownPriority
	}
}

// KnownTier reports whether tier is one of the closed set of tiers.
func KnownTier(tier string) bool {
	_, ok := tierRank[tier]
	return ok
}
