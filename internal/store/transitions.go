package store

import "waitline/queue-service/internal/models"

// Staff actions and the statuses they may be applied from. Terminal
// statuses appear in no entry, so done and cancelled turns are immutable.
var transitionMap = map[string][]models.Status{
	"call_next": {models.StatusUrgent, models.StatusWaiting},
	"cancel":    {models.StatusWaiting, models.StatusUrgent, models.StatusDelayed, models.StatusActive},
	"delay":     {models.StatusWaiting, models.StatusUrgent, models.StatusActive},
	"urgent":    {models.StatusWaiting, models.StatusDelayed},
	"resume":    {models.StatusDelayed},
	"done":      {models.StatusActive},
}

var actionTargets = map[string]models.Status{
	"cancel": models.StatusCancelled,
	"delay":  models.StatusDelayed,
	"urgent": models.StatusUrgent,
	"resume": models.StatusWaiting,
	"done":   models.StatusDone,
}

func ValidTransition(action string, from models.Status) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

// AllowedFrom returns the statuses an action may transition from.
func AllowedFrom(action string) []models.Status {
	return transitionMap[action]
}

// TargetStatus resolves a staff action to the status it assigns.
// call_next is excluded: promotion happens only through CallNext.
func TargetStatus(action string) (models.Status, bool) {
	target, ok := actionTargets[action]
	return target, ok
}
