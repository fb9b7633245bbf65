package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 5

// Redis implements Store on a Redis server. Each collection is one hash
// (doc:<collection>), guarded by a version counter (ver:<collection>) that
// transactions WATCH, with change events published on evt:<collection>.
type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &Redis{client: client}, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func docKey(collection string) string { return "doc:" + collection }
func verKey(collection string) string { return "ver:" + collection }
func evtKey(collection string) string { return "evt:" + collection }

// wireEvent is the pub/sub payload for one collection change.
type wireEvent struct {
	Added   []wireDoc `json:"added,omitempty"`
	Changed []wireDoc `json:"changed,omitempty"`
	Removed []string  `json:"removed,omitempty"`
}

type wireDoc struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

func (s *Redis) Upsert(ctx context.Context, collection, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}

	pipe := s.client.Pipeline()
	setCmd := pipe.HSet(ctx, docKey(collection), key, data)
	pipe.Incr(ctx, verKey(collection))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", collection, key, err)
	}

	ev := wireEvent{}
	doc := wireDoc{Key: key, Data: data}
	if setCmd.Val() == 1 {
		ev.Added = append(ev.Added, doc)
	} else {
		ev.Changed = append(ev.Changed, doc)
	}
	s.publish(ctx, collection, ev)
	return nil
}

func (s *Redis) Delete(ctx context.Context, collection, key string) error {
	pipe := s.client.Pipeline()
	delCmd := pipe.HDel(ctx, docKey(collection), key)
	pipe.Incr(ctx, verKey(collection))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}

	if delCmd.Val() > 0 {
		s.publish(ctx, collection, wireEvent{Removed: []string{key}})
	}
	return nil
}

func (s *Redis) publish(ctx context.Context, collection string, ev wireEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[STORE] marshal event for %s: %v", collection, err)
		return
	}
	if err := s.client.Publish(ctx, evtKey(collection), payload).Err(); err != nil {
		log.Printf("[STORE] publish event for %s: %v", collection, err)
	}
}

func (s *Redis) listDocs(ctx context.Context, collection string) ([]Doc, error) {
	m, err := s.client.HGetAll(ctx, docKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	docs := make([]Doc, 0, len(m))
	for key, data := range m {
		docs = append(docs, Doc{Key: key, Data: []byte(data)})
	}
	return docs, nil
}

func (s *Redis) Subscribe(ctx context.Context, q Query, fn func(Event)) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, evtKey(q.Collection))
	// Confirm the subscription before taking the snapshot so no change can
	// slip between the two.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", q.Collection, err)
	}

	sub := &redisSub{store: s, pubsub: pubsub, q: q, fn: fn}

	docs, err := s.listDocs(ctx, q.Collection)
	if err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", q.Collection, err)
	}
	snapshot := snapshotDocs(q, docs, time.Now())
	if len(snapshot) > 0 || q.FullSet {
		sub.deliver(Event{Added: snapshot})
	}

	go sub.loop(ctx)
	return sub, nil
}

type redisSub struct {
	store  *Redis
	pubsub *redis.PubSub
	q      Query
	fn     func(Event)

	mu     sync.Mutex
	closed bool
}

// deliver runs the callback under the subscription mutex; Close takes the
// same mutex, so no callback runs after Close returns. The callback must not
// call Close.
func (s *redisSub) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(ev)
}

func (s *redisSub) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.pubsub.Close()
}

func (s *redisSub) loop(ctx context.Context) {
	ch := s.pubsub.Channel()
	for msg := range ch {
		var wev wireEvent
		if err := json.Unmarshal([]byte(msg.Payload), &wev); err != nil {
			log.Printf("[STORE] bad event on %s: %v", s.q.Collection, err)
			continue
		}

		if s.q.FullSet {
			// Replacement semantics: any change re-reads the whole
			// matching set.
			docs, err := s.store.listDocs(ctx, s.q.Collection)
			if err != nil {
				log.Printf("[STORE] refresh %s: %v", s.q.Collection, err)
				continue
			}
			full := filterDocs(s.q, docs, time.Now())
			orderDocs(s.q, full)
			s.deliver(Event{Added: full})
			continue
		}

		ev := s.translate(wev)
		if len(ev.Added) == 0 && len(ev.Changed) == 0 && len(ev.Removed) == 0 {
			continue
		}
		s.deliver(ev)
	}
}

func (s *redisSub) translate(wev wireEvent) Event {
	now := time.Now()
	var ev Event
	for _, wd := range wev.Added {
		d := Doc{Key: wd.Key, Data: wd.Data}
		if len(filterDocs(s.q, []Doc{d}, now)) > 0 {
			ev.Added = append(ev.Added, d)
		}
	}
	for _, wd := range wev.Changed {
		d := Doc{Key: wd.Key, Data: wd.Data}
		if len(filterDocs(s.q, []Doc{d}, now)) > 0 {
			ev.Changed = append(ev.Changed, d)
		}
	}
	for _, key := range wev.Removed {
		if s.q.Key != "" && key != s.q.Key {
			continue
		}
		ev.Removed = append(ev.Removed, key)
	}
	orderDocs(s.q, ev.Added)
	return ev
}

// RunTransaction executes fn optimistically: collection reads WATCH the
// collection's version key, staged writes commit in one MULTI/EXEC, and the
// whole body reruns when a concurrent writer invalidates the read set.
func (s *Redis) RunTransaction(ctx context.Context, fn func(Tx) error) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		t := &redisTx{store: s, ctx: ctx}
		err := s.client.Watch(ctx, func(rt *redis.Tx) error {
			t.rt = rt
			t.writes = nil
			if err := fn(t); err != nil {
				return err
			}
			_, err := rt.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				t.stage(pipe)
				return nil
			})
			return err
		})
		if err == redis.TxFailedErr {
			log.Printf("[STORE] transaction conflict, retrying (%d/%d)", attempt+1, maxTxRetries)
			continue
		}
		if err != nil {
			return err
		}
		t.publishAll(ctx)
		return nil
	}
	return ErrTxConflict
}

type txWrite struct {
	collection string
	key        string
	data       []byte // nil means delete
}

type redisTx struct {
	store  *Redis
	ctx    context.Context
	rt     *redis.Tx
	writes []txWrite
}

func (t *redisTx) List(collection string) ([]Doc, error) {
	if err := t.rt.Watch(t.ctx, verKey(collection)).Err(); err != nil {
		return nil, err
	}
	m, err := t.rt.HGetAll(t.ctx, docKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	docs := make([]Doc, 0, len(m))
	for key, data := range m {
		docs = append(docs, Doc{Key: key, Data: []byte(data)})
	}
	return docs, nil
}

func (t *redisTx) Set(collection, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("[STORE] marshal %s/%s in transaction: %v", collection, key, err)
		return
	}
	t.writes = append(t.writes, txWrite{collection: collection, key: key, data: data})
}

func (t *redisTx) Delete(collection, key string) {
	t.writes = append(t.writes, txWrite{collection: collection, key: key})
}

func (t *redisTx) stage(pipe redis.Pipeliner) {
	touched := make(map[string]bool)
	for _, w := range t.writes {
		if w.data != nil {
			pipe.HSet(t.ctx, docKey(w.collection), w.key, w.data)
		} else {
			pipe.HDel(t.ctx, docKey(w.collection), w.key)
		}
		touched[w.collection] = true
	}
	for collection := range touched {
		pipe.Incr(t.ctx, verKey(collection))
	}
}

func (t *redisTx) publishAll(ctx context.Context) {
	events := make(map[string]*wireEvent)
	for _, w := range t.writes {
		ev := events[w.collection]
		if ev == nil {
			ev = &wireEvent{}
			events[w.collection] = ev
		}
		if w.data != nil {
			ev.Changed = append(ev.Changed, wireDoc{Key: w.key, Data: w.data})
		} else {
			ev.Removed = append(ev.Removed, w.key)
		}
	}
	for collection, ev := range events {
		t.store.publish(ctx, collection, *ev)
	}
}
