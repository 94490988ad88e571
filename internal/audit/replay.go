package audit

import (
	"fmt"

	"go_dbchange/internal/model"
)

// Replay derives the final order status from its chronological entries,
// checking that every step is a legal transition.
func Replay(entries []model.OrderOpLog) (model.OrderStatus, error) {
	if len(entries) == 0 {
		return "", fmt.Errorf("no entries to replay")
	}

	first := entries[0]
	if first.Action != model.OpActionCreate || first.ToStatus != model.OrderStatusPending {
		return "", fmt.Errorf("entry %d: history must start with create -> pending, got %s -> %s", first.ID, first.Action, first.ToStatus)
	}

	status := first.ToStatus
	for i, e := range entries[1:] {
		if e.CreatedAt.Before(entries[i].CreatedAt) {
			return "", fmt.Errorf("entry %d: out of chronological order", e.ID)
		}
		if e.FromStatus != status {
			return "", fmt.Errorf("entry %d: from status %s does not match current %s", e.ID, e.FromStatus, status)
		}
		if e.ToStatus != e.FromStatus && !model.CanTransition(e.FromStatus, e.ToStatus) {
			return "", fmt.Errorf("entry %d: illegal transition %s -> %s", e.ID, e.FromStatus, e.ToStatus)
		}
		status = e.ToStatus
	}
	return status, nil
}
