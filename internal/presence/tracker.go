// Package presence heartbeats a user's liveness record and watches the set
// of currently-active peers.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"worldtalk-backend/internal/model"
	"worldtalk-backend/internal/store"
)

// Tracker maintains one user's PresenceRecord on a fixed cadence and delivers
// the live peer set. A peer counts as active while its last heartbeat is
// within the active window, so a crashed peer disappears from the set without
// anyone deleting its record.
type Tracker struct {
	store    store.Store
	interval time.Duration
	window   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	sub     store.Subscription
	profile model.Profile
	started bool
}

func New(st store.Store, interval, window time.Duration) *Tracker {
	return &Tracker{store: st, interval: interval, window: window}
}

// Start upserts the record immediately, begins the heartbeat cadence, and
// subscribes to the active-peer set. Each delivery replaces the previous peer
// set entirely; self is excluded. Heartbeat failures are logged and the
// cadence continues.
func (t *Tracker) Start(ctx context.Context, p model.Profile, onPeers func([]model.PresenceRecord)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.profile = p
	t.started = true

	t.beat(hbCtx, p)

	sub, err := t.store.Subscribe(hbCtx, store.Query{
		Collection: model.CollectionOnlineUsers,
		NewerThan:  &store.WindowFilter{Field: "last_active_at", Window: t.window},
		FullSet:    true,
	}, func(ev store.Event) {
		peers := make([]model.PresenceRecord, 0, len(ev.Added))
		for _, doc := range ev.Added {
			var rec model.PresenceRecord
			if err := doc.Decode(&rec); err != nil {
				log.Printf("[PRESENCE] bad record %s: %v", doc.Key, err)
				continue
			}
			if rec.UserID == p.UserID {
				continue
			}
			peers = append(peers, rec)
		}
		onPeers(peers)
	})
	if err != nil {
		// Degrade to an empty roster rather than failing the login.
		log.Printf("[PRESENCE] subscribe failed for %s: %v", p.UserID, err)
		onPeers(nil)
	} else {
		t.sub = sub
	}

	go t.run(hbCtx, p)
	return nil
}

func (t *Tracker) run(ctx context.Context, p model.Profile) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.beat(ctx, p)
		}
	}
}

func (t *Tracker) beat(ctx context.Context, p model.Profile) {
	rec := model.NewPresenceRecord(p, time.Now())
	if err := t.store.Upsert(ctx, model.CollectionOnlineUsers, p.UserID, rec); err != nil {
		log.Printf("[PRESENCE] heartbeat for %s: %v", p.UserID, err)
	}
}

// Stop cancels the heartbeat and subscription and best-effort deletes the
// record. A failed delete is swallowed: the record self-expires within the
// active window.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return
	}
	t.started = false
	t.cancel()
	if t.sub != nil {
		t.sub.Close()
		t.sub = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.store.Delete(ctx, model.CollectionOnlineUsers, t.profile.UserID); err != nil {
		log.Printf("[PRESENCE] delete record for %s: %v", t.profile.UserID, err)
	}
}
