package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worldtalk-backend/internal/model"
	"worldtalk-backend/internal/store"
)

const window = 15 * time.Second

func listOnline(t *testing.T, st store.Store) map[string]model.PresenceRecord {
	t.Helper()
	out := make(map[string]model.PresenceRecord)
	err := st.RunTransaction(context.Background(), func(tx store.Tx) error {
		docs, err := tx.List(model.CollectionOnlineUsers)
		if err != nil {
			return err
		}
		for _, d := range docs {
			var rec model.PresenceRecord
			require.NoError(t, d.Decode(&rec))
			out[d.Key] = rec
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestStartUpsertsOwnRecord(t *testing.T) {
	st := store.NewMemory()
	tr := New(st, time.Hour, window) // long interval so only the initial beat runs

	self := model.Profile{UserID: "self", Username: "alice"}
	require.NoError(t, tr.Start(context.Background(), self, func([]model.PresenceRecord) {}))
	defer tr.Stop()

	online := listOnline(t, st)
	rec, ok := online["self"]
	require.True(t, ok)
	assert.Equal(t, "alice", rec.Username)
	assert.WithinDuration(t, time.Now(), rec.LastActiveAt, 2*time.Second)
}

// A peer 16s past its last heartbeat is outside the window; 1s is inside.
// Self is never part of the delivered set.
func TestActivePeersWindowAndSelfExclusion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Now()

	fresh := model.NewPresenceRecord(model.Profile{UserID: "fresh", Username: "fresh"}, now.Add(-time.Second))
	stale := model.NewPresenceRecord(model.Profile{UserID: "stale", Username: "stale"}, now.Add(-16*time.Second))
	require.NoError(t, st.Upsert(ctx, model.CollectionOnlineUsers, "fresh", fresh))
	require.NoError(t, st.Upsert(ctx, model.CollectionOnlineUsers, "stale", stale))

	var lastSet []model.PresenceRecord
	tr := New(st, time.Hour, window)
	self := model.Profile{UserID: "self", Username: "alice"}
	require.NoError(t, tr.Start(ctx, self, func(peers []model.PresenceRecord) {
		lastSet = peers
	}))
	defer tr.Stop()

	require.Len(t, lastSet, 1)
	assert.Equal(t, "fresh", lastSet[0].UserID)
}

func TestPeerSetIsReplacedOnUpdate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	var sets [][]model.PresenceRecord
	tr := New(st, time.Hour, window)
	self := model.Profile{UserID: "self", Username: "alice"}
	require.NoError(t, tr.Start(ctx, self, func(peers []model.PresenceRecord) {
		sets = append(sets, peers)
	}))
	defer tr.Stop()

	peer := model.NewPresenceRecord(model.Profile{UserID: "p1", Username: "p1"}, time.Now())
	require.NoError(t, st.Upsert(ctx, model.CollectionOnlineUsers, "p1", peer))

	require.NotEmpty(t, sets)
	last := sets[len(sets)-1]
	require.Len(t, last, 1)
	assert.Equal(t, "p1", last[0].UserID)
}

func TestStopDeletesOwnRecord(t *testing.T) {
	st := store.NewMemory()
	tr := New(st, time.Hour, window)

	self := model.Profile{UserID: "self", Username: "alice"}
	require.NoError(t, tr.Start(context.Background(), self, func([]model.PresenceRecord) {}))
	require.Contains(t, listOnline(t, st), "self")

	tr.Stop()
	assert.NotContains(t, listOnline(t, st), "self")
}
