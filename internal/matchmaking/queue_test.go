package matchmaking

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldtalk-backend/internal/model"
	"worldtalk-backend/internal/store"
)

func profile(id string) model.Profile {
	return model.Profile{UserID: id, Username: "user-" + id, Country: "US", State: "CA"}
}

func listQueue(t *testing.T, st store.Store) []model.QueueEntry {
	t.Helper()
	var entries []model.QueueEntry
	err := st.RunTransaction(context.Background(), func(tx store.Tx) error {
		docs, err := tx.List(model.CollectionQueue)
		if err != nil {
			return err
		}
		entries = nil
		for _, d := range docs {
			var e model.QueueEntry
			require.NoError(t, d.Decode(&e))
			entries = append(entries, e)
		}
		return nil
	})
	require.NoError(t, err)
	return entries
}

func getPointer(t *testing.T, st store.Store, userID string) (model.SessionPointer, bool) {
	t.Helper()
	var ptr model.SessionPointer
	found := false
	err := st.RunTransaction(context.Background(), func(tx store.Tx) error {
		docs, err := tx.List(model.CollectionUsers)
		if err != nil {
			return err
		}
		for _, d := range docs {
			if d.Key == userID {
				require.NoError(t, d.Decode(&ptr))
				found = true
			}
		}
		return nil
	})
	require.NoError(t, err)
	return ptr, found
}

// First searcher waits; the second consumes its entry, and the waiting side
// learns about the match through its pointer document.
func TestEnqueuePairsSecondCaller(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := NewQueue(st)

	outA, err := q.Enqueue(ctx, profile("A"))
	require.NoError(t, err)
	assert.False(t, outA.Matched)

	ptrA, ok := getPointer(t, st, "A")
	require.True(t, ok)
	assert.Equal(t, model.StatusSearching, ptrA.Status)

	var observed []model.SessionPointer
	cancel, err := q.WatchPointer(ctx, "A", func(ptr model.SessionPointer) {
		observed = append(observed, ptr)
	})
	require.NoError(t, err)
	defer cancel()

	outB, err := q.Enqueue(ctx, profile("B"))
	require.NoError(t, err)
	require.True(t, outB.Matched)
	assert.Equal(t, "A", outB.Partner.UserID)
	assert.NotEmpty(t, outB.SessionID)

	// A's queue entry was consumed exactly once.
	assert.Empty(t, listQueue(t, st))

	// The passive side observed the match with the same session id.
	require.NotEmpty(t, observed)
	last := observed[len(observed)-1]
	assert.Equal(t, model.StatusMatched, last.Status)
	assert.Equal(t, outB.SessionID, last.SessionID)
	require.NotNil(t, last.PartnerProfile)
	assert.Equal(t, "B", last.PartnerProfile.UserID)
}

// Concurrent enqueues must produce a perfect matching: no user in two
// sessions, no session with one user twice.
func TestEnqueueConcurrentExclusivity(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := NewQueue(st)

	const users = 8
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Enqueue(ctx, profile(fmt.Sprintf("u%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var sessions []model.Session
	err := st.RunTransaction(ctx, func(tx store.Tx) error {
		docs, err := tx.List(model.CollectionSessions)
		if err != nil {
			return err
		}
		sessions = nil
		for _, d := range docs {
			var s model.Session
			require.NoError(t, d.Decode(&s))
			sessions = append(sessions, s)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, sessions, users/2)
	seen := make(map[string]bool)
	for _, s := range sessions {
		require.NotEqual(t, s.Participants[0], s.Participants[1], "a session cannot pair a user with itself")
		for _, id := range s.Participants {
			assert.False(t, seen[id], "user %s appears in two sessions", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, users)
	assert.Empty(t, listQueue(t, st), "every entry was consumed")
}

func TestCancelRemovesEntry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := NewQueue(st)

	_, err := q.Enqueue(ctx, profile("A"))
	require.NoError(t, err)
	require.Len(t, listQueue(t, st), 1)

	require.NoError(t, q.Cancel(ctx, "A"))
	assert.Empty(t, listQueue(t, st))

	ptr, ok := getPointer(t, st, "A")
	require.True(t, ok)
	assert.Equal(t, model.StatusIdle, ptr.Status)
}

// Re-enqueueing while already queued must not create a second entry.
func TestEnqueueTwiceKeepsSingleEntry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := NewQueue(st)

	_, err := q.Enqueue(ctx, profile("A"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, profile("A"))
	require.NoError(t, err)

	assert.Len(t, listQueue(t, st), 1)
}
