package matchmaking

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"worldtalk-backend/internal/model"
	"worldtalk-backend/internal/store"
)

// Queue is the store-backed matchmaking queue.
type Queue struct {
	store store.Store
}

func NewQueue(st store.Store) *Queue {
	return &Queue{store: st}
}

// Enqueue runs one transaction: find the earliest waiting entry, and either
// consume it (delete its ticket, point both users' SessionPointers at a fresh
// session, create the Session record) or insert the caller's own ticket. It
// never blocks waiting for a future match; a Waiting caller learns about a
// match through WatchPointer. When two callers race for the same candidate
// the store's transaction primitive lets only one commit; the loser reruns,
// observes the candidate gone, and inserts.
func (q *Queue) Enqueue(ctx context.Context, p model.Profile) (Outcome, error) {
	var out Outcome
	err := q.store.RunTransaction(ctx, func(tx store.Tx) error {
		out = Outcome{}
		docs, err := tx.List(model.CollectionQueue)
		if err != nil {
			return err
		}

		entries := make([]model.QueueEntry, 0, len(docs))
		for _, doc := range docs {
			var e model.QueueEntry
			if err := doc.Decode(&e); err != nil {
				log.Printf("[MATCHMAKING] bad queue entry %s: %v", doc.Key, err)
				continue
			}
			entries = append(entries, e)
		}

		now := time.Now()
		candidate, found := PickCandidate(entries, p.UserID)
		if !found {
			tx.Set(model.CollectionQueue, p.UserID, model.QueueEntry{
				UserID:     p.UserID,
				Profile:    p,
				EnqueuedAt: now,
			})
			tx.Set(model.CollectionUsers, p.UserID, model.SessionPointer{
				UserID:    p.UserID,
				Status:    model.StatusSearching,
				UpdatedAt: now,
			})
			return nil
		}

		sessionID := uuid.New().String()
		callerProfile := p
		partnerProfile := candidate.Profile

		tx.Delete(model.CollectionQueue, candidate.UserID)
		// A stale ticket of our own (e.g. after a skip) must not survive
		// the match.
		tx.Delete(model.CollectionQueue, p.UserID)
		tx.Set(model.CollectionUsers, candidate.UserID, model.SessionPointer{
			UserID:         candidate.UserID,
			Status:         model.StatusMatched,
			SessionID:      sessionID,
			PartnerProfile: &callerProfile,
			UpdatedAt:      now,
		})
		tx.Set(model.CollectionUsers, p.UserID, model.SessionPointer{
			UserID:         p.UserID,
			Status:         model.StatusMatched,
			SessionID:      sessionID,
			PartnerProfile: &partnerProfile,
			UpdatedAt:      now,
		})
		tx.Set(model.CollectionSessions, sessionID, model.Session{
			SessionID:    sessionID,
			Participants: [2]string{p.UserID, candidate.UserID},
			CreatedAt:    now,
			Active:       true,
		})

		out = Outcome{Matched: true, SessionID: sessionID, Partner: partnerProfile}
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("enqueue %s: %w", p.UserID, err)
	}
	return out, nil
}

// Cancel removes the caller's ticket and resets its pointer to idle.
func (q *Queue) Cancel(ctx context.Context, userID string) error {
	err := q.store.RunTransaction(ctx, func(tx store.Tx) error {
		tx.Delete(model.CollectionQueue, userID)
		tx.Set(model.CollectionUsers, userID, model.SessionPointer{
			UserID:    userID,
			Status:    model.StatusIdle,
			UpdatedAt: time.Now(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel %s: %w", userID, err)
	}
	return nil
}

// WatchPointer subscribes to one user's SessionPointer document. This is how
// a Waiting caller learns that someone else's transaction matched into it.
func (q *Queue) WatchPointer(ctx context.Context, userID string, fn func(model.SessionPointer)) (func(), error) {
	sub, err := q.store.Subscribe(ctx, store.Query{
		Collection: model.CollectionUsers,
		Key:        userID,
	}, func(ev store.Event) {
		for _, doc := range append(ev.Added, ev.Changed...) {
			var ptr model.SessionPointer
			if err := doc.Decode(&ptr); err != nil {
				log.Printf("[MATCHMAKING] bad session pointer %s: %v", doc.Key, err)
				continue
			}
			fn(ptr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("watch pointer %s: %w", userID, err)
	}
	return sub.Close, nil
}
