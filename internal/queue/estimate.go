package queue

import (
	"math"

	"qms/queue-engine/internal/models"
)

// tierFactor discounts the queue-depth estimate for tiers that jump the line.
// Appointments do not queue at all.
var tierFactor = map[string]float64{
	models.TierAppointment: 0,
	models.TierVIP:         0.4,
	models.TierUrgent:      0.5,
	models.TierSpecial:     0.4,
	models.TierNormal:      1.0,
}

// tierMinimumMinutes floors the estimate so a short queue never promises an
// implausible zero-minute wait.
var tierMinimumMinutes = map[string]int{
	models.TierAppointment: 0,
	models.TierVIP:         5,
	models.TierUrgent:      3,
	models.TierSpecial:     2,
	models.TierNormal:      2,
}

// EstimateWait computes the estimated wait in whole minutes from the current
// queue depth, the service's base handling time, and the tier. A deterministic
// heuristic, not a forecast.
func EstimateWait(waitingCount, baseServiceMinutes int, tier string) int {
	factor, ok := tierFactor[tier]
	if !ok {
		factor = 1.0
	}
	estimate := int(math.Ceil(float64(waitingCount) * float64(baseServiceMinutes) * factor))
	if minimum := tierMinimumMinutes[tier]; estimate < minimum {
		return minimum
	}
	return estimate
}
