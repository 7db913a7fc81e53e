package store

import "filaflow/queue-service/internal/models"

var transitionMap = map[string][]string{
	"call":   {models.StatusWaiting},
	"finish": {models.StatusInService},
	"cancel": {models.StatusWaiting, models.StatusInService},
	"recall": {models.StatusInService},
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
