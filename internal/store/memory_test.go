package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stamped struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

func TestSubscribeSnapshotOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Now()
	require.NoError(t, s.Upsert(ctx, "msgs", "c", stamped{Name: "c", Timestamp: base.Add(3 * time.Second)}))
	require.NoError(t, s.Upsert(ctx, "msgs", "a", stamped{Name: "a", Timestamp: base.Add(1 * time.Second)}))
	require.NoError(t, s.Upsert(ctx, "msgs", "b", stamped{Name: "b", Timestamp: base.Add(2 * time.Second)}))

	var got []string
	sub, err := s.Subscribe(ctx, Query{Collection: "msgs", OrderBy: "timestamp", Limit: 2}, func(ev Event) {
		for _, d := range ev.Added {
			var v stamped
			require.NoError(t, d.Decode(&v))
			got = append(got, v.Name)
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	// Snapshot keeps the newest 2, in ascending order.
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestSubscribeDeliversAdds(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	var added, changed []string
	sub, err := s.Subscribe(ctx, Query{Collection: "msgs"}, func(ev Event) {
		for _, d := range ev.Added {
			added = append(added, d.Key)
		}
		for _, d := range ev.Changed {
			changed = append(changed, d.Key)
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Upsert(ctx, "msgs", "m1", stamped{Name: "one"}))
	require.NoError(t, s.Upsert(ctx, "msgs", "m1", stamped{Name: "one-edited"}))

	assert.Equal(t, []string{"m1"}, added)
	assert.Equal(t, []string{"m1"}, changed)
}

func TestSubscribeKeyFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	var keys []string
	sub, err := s.Subscribe(ctx, Query{Collection: "users", Key: "u1"}, func(ev Event) {
		for _, d := range append(ev.Added, ev.Changed...) {
			keys = append(keys, d.Key)
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Upsert(ctx, "users", "u1", stamped{Name: "mine"}))
	require.NoError(t, s.Upsert(ctx, "users", "u2", stamped{Name: "other"}))
	require.NoError(t, s.Upsert(ctx, "users", "u1", stamped{Name: "mine-again"}))

	assert.Equal(t, []string{"u1", "u1"}, keys)
}

func TestCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	events := 0
	sub, err := s.Subscribe(ctx, Query{Collection: "msgs"}, func(ev Event) {
		events++
	})
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, "msgs", "m1", stamped{Name: "one"}))
	before := events

	sub.Close()
	require.NoError(t, s.Upsert(ctx, "msgs", "m2", stamped{Name: "two"}))

	assert.Equal(t, before, events, "no callback may run after Close returns")
}

func TestFullSetReplacement(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	now := time.Now()
	require.NoError(t, s.Upsert(ctx, "online", "fresh", stamped{Name: "fresh", Timestamp: now}))
	require.NoError(t, s.Upsert(ctx, "online", "stale", stamped{Name: "stale", Timestamp: now.Add(-16 * time.Second)}))

	var sets [][]string
	sub, err := s.Subscribe(ctx, Query{
		Collection: "online",
		NewerThan:  &WindowFilter{Field: "timestamp", Window: 15 * time.Second},
		FullSet:    true,
	}, func(ev Event) {
		var set []string
		for _, d := range ev.Added {
			set = append(set, d.Key)
		}
		sets = append(sets, set)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, sets, 1)
	assert.Equal(t, []string{"fresh"}, sets[0], "stale record is outside the window")

	require.NoError(t, s.Upsert(ctx, "online", "second", stamped{Name: "second", Timestamp: time.Now()}))
	require.Len(t, sets, 2)
	assert.ElementsMatch(t, []string{"fresh", "second"}, sets[1], "every event replaces the whole set")
}

func TestTransactionAppliesAtomically(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	var events []Event
	sub, err := s.Subscribe(ctx, Query{Collection: "queue"}, func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Upsert(ctx, "queue", "old", stamped{Name: "old"}))

	err = s.RunTransaction(ctx, func(tx Tx) error {
		docs, err := tx.List("queue")
		require.NoError(t, err)
		require.Len(t, docs, 1)

		tx.Delete("queue", "old")
		tx.Set("queue", "new", stamped{Name: "new"})

		// Staged writes are visible to reads inside the same transaction.
		docs, err = tx.List("queue")
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "new", docs[0].Key)
		return nil
	})
	require.NoError(t, err)

	// One event carries the whole commit.
	last := events[len(events)-1]
	assert.Equal(t, []string{"old"}, last.Removed)
	require.Len(t, last.Changed, 1)
	assert.Equal(t, "new", last.Changed[0].Key)
}

func TestTransactionErrorDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	wantErr := assert.AnError
	err := s.RunTransaction(ctx, func(tx Tx) error {
		tx.Set("queue", "ghost", stamped{Name: "ghost"})
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	err = s.RunTransaction(ctx, func(tx Tx) error {
		docs, err := tx.List("queue")
		require.NoError(t, err)
		assert.Empty(t, docs)
		return nil
	})
	require.NoError(t, err)
}
