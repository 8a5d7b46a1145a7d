package store

import "qms/queue-engine/internal/models"

var transitionMap = map[string][]string{
	"call":              {models.StatusWaiting},
	"start_serving":     {models.StatusCalled},
	"complete":          {models.StatusServing},
	"cancel":            {models.StatusWaiting},
	"transfer":          {models.StatusWaiting, models.StatusCalled},
	"reassign_priority": {models.StatusWaiting},
	"reassign_counter":  {models.StatusWaiting, models.StatusCalled},
	"mark_missed":       {models.StatusCalled},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
