package ledger

import "subpilot/models"

// transitions is the action state machine. Terminal states have no entry.
var transitions = map[models.ActionStatus][]models.ActionStatus{
	models.StatusPendingApproval: {models.StatusApproved, models.StatusRejected},
	models.StatusApproved:        {models.StatusExecuted, models.StatusFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to models.ActionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
