// Package matchmaking pairs searching users exactly once through a single
// atomic store transaction per enqueue attempt.
package matchmaking

import (
	"worldtalk-backend/internal/model"
)

// PickCandidate selects the queue entry an enqueue attempt should match
// against: the earliest enqueuedAt, excluding the caller's own entry. Pure;
// the transaction body only decodes the queue, calls this, and stages writes.
func PickCandidate(entries []model.QueueEntry, callerID string) (model.QueueEntry, bool) {
	var best model.QueueEntry
	found := false
	for _, e := range entries {
		if e.UserID == callerID {
			continue
		}
		if !found || e.EnqueuedAt.Before(best.EnqueuedAt) ||
			(e.EnqueuedAt.Equal(best.EnqueuedAt) && e.UserID < best.UserID) {
			best = e
			found = true
		}
	}
	return best, found
}

// Outcome of an enqueue attempt.
type Outcome struct {
	Matched   bool
	SessionID string
	Partner   model.Profile
}
