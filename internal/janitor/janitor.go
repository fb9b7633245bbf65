// Package janitor runs background hygiene over the real-time store: queue
// tickets whose owner went away and presence records far past the active
// window (a peer whose delete-on-exit failed). Tasks run on asynq so cleanup
// survives being slow or failing without touching the request path.
package janitor

import (
	"context"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"worldtalk-backend/internal/model"
	"worldtalk-backend/internal/store"
)

const (
	taskCleanupQueue    = "cleanup:queue"
	taskCleanupPresence = "cleanup:presence"
)

type Janitor struct {
	store      store.Store
	staleAfter time.Duration
	window     time.Duration
	interval   time.Duration

	server *asynq.Server
	client *asynq.Client
	stop   chan struct{}
}

func New(st store.Store, redisURL string, staleAfter, activeWindow, interval time.Duration) (*Janitor, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	redisOpt := asynq.RedisClientOpt{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
		Queues: map[string]int{
			"cleanup": 1,
		},
	})

	return &Janitor{
		store:      st,
		staleAfter: staleAfter,
		window:     activeWindow,
		interval:   interval,
		server:     server,
		client:     asynq.NewClient(redisOpt),
		stop:       make(chan struct{}),
	}, nil
}

func (j *Janitor) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskCleanupQueue, j.handleCleanupQueue)
	mux.HandleFunc(taskCleanupPresence, j.handleCleanupPresence)

	go func() {
		if err := j.server.Run(mux); err != nil {
			log.Printf("[JANITOR] asynq server: %v", err)
		}
	}()

	go j.enqueueLoop()

	log.Printf("[JANITOR] started (queue stale after %v, presence window %v)", j.staleAfter, j.window)
	return nil
}

func (j *Janitor) Stop() {
	close(j.stop)
	j.server.Shutdown()
	j.client.Close()
}

func (j *Janitor) enqueueLoop() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			for _, task := range []string{taskCleanupQueue, taskCleanupPresence} {
				if _, err := j.client.Enqueue(asynq.NewTask(task, nil), asynq.Queue("cleanup")); err != nil {
					log.Printf("[JANITOR] enqueue %s: %v", task, err)
				}
			}
		}
	}
}

func (j *Janitor) handleCleanupQueue(ctx context.Context, task *asynq.Task) error {
	cutoff := time.Now().Add(-j.staleAfter)
	removed := 0

	err := j.store.RunTransaction(ctx, func(tx store.Tx) error {
		removed = 0
		docs, err := tx.List(model.CollectionQueue)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			var e model.QueueEntry
			if err := doc.Decode(&e); err != nil || e.EnqueuedAt.Before(cutoff) {
				tx.Delete(model.CollectionQueue, doc.Key)
				tx.Set(model.CollectionUsers, doc.Key, model.SessionPointer{
					UserID:    doc.Key,
					Status:    model.StatusIdle,
					UpdatedAt: time.Now(),
				})
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if removed > 0 {
		log.Printf("[JANITOR] removed %d stale queue entries", removed)
	}
	return nil
}

func (j *Janitor) handleCleanupPresence(ctx context.Context, task *asynq.Task) error {
	// Records are considered abandoned well past the active window; live
	// clients refresh every few seconds.
	cutoff := time.Now().Add(-4 * j.window)
	removed := 0

	err := j.store.RunTransaction(ctx, func(tx store.Tx) error {
		removed = 0
		docs, err := tx.List(model.CollectionOnlineUsers)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			var rec model.PresenceRecord
			if err := doc.Decode(&rec); err != nil || rec.LastActiveAt.Before(cutoff) {
				tx.Delete(model.CollectionOnlineUsers, doc.Key)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if removed > 0 {
		log.Printf("[JANITOR] removed %d abandoned presence records", removed)
	}
	return nil
}
