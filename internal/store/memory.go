package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Memory is an in-process Store with the same observable semantics as the
// Redis implementation. Transactions are serialized under one mutex, which
// trivially satisfies the atomicity contract. Used by tests.
type Memory struct {
	mu   sync.Mutex
	cols map[string]map[string][]byte
	subs map[*memorySub]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		cols: make(map[string]map[string][]byte),
		subs: make(map[*memorySub]struct{}),
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) collection(name string) map[string][]byte {
	col := s.cols[name]
	if col == nil {
		col = make(map[string][]byte)
		s.cols[name] = col
	}
	return col
}

func (s *Memory) Upsert(ctx context.Context, collection, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}

	s.mu.Lock()
	col := s.collection(collection)
	_, existed := col[key]
	col[key] = data
	ev := wireEvent{}
	if existed {
		ev.Changed = []wireDoc{{Key: key, Data: data}}
	} else {
		ev.Added = []wireDoc{{Key: key, Data: data}}
	}
	pending := s.fanOutLocked(collection, ev)
	s.mu.Unlock()

	runPending(pending)
	return nil
}

func (s *Memory) Delete(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	col := s.collection(collection)
	_, existed := col[key]
	delete(col, key)
	var pending []func()
	if existed {
		pending = s.fanOutLocked(collection, wireEvent{Removed: []string{key}})
	}
	s.mu.Unlock()

	runPending(pending)
	return nil
}

func (s *Memory) listLocked(collection string) []Doc {
	col := s.cols[collection]
	docs := make([]Doc, 0, len(col))
	for key, data := range col {
		docs = append(docs, Doc{Key: key, Data: append([]byte(nil), data...)})
	}
	return docs
}

// fanOutLocked translates one raw change into per-subscription deliveries.
// The returned closures run after the store mutex is released so callbacks
// may reenter the store.
func (s *Memory) fanOutLocked(collection string, wev wireEvent) []func() {
	var pending []func()
	now := time.Now()
	for sub := range s.subs {
		if sub.q.Collection != collection {
			continue
		}
		var ev Event
		if sub.q.FullSet {
			full := filterDocs(sub.q, s.listLocked(collection), now)
			orderDocs(sub.q, full)
			ev = Event{Added: full}
		} else {
			ev = sub.translate(wev, now)
			if len(ev.Added) == 0 && len(ev.Changed) == 0 && len(ev.Removed) == 0 {
				continue
			}
		}
		pending = append(pending, func() { sub.deliver(ev) })
	}
	return pending
}

func runPending(pending []func()) {
	for _, fn := range pending {
		fn()
	}
}

func (s *Memory) Subscribe(ctx context.Context, q Query, fn func(Event)) (Subscription, error) {
	sub := &memorySub{store: s, q: q, fn: fn}

	s.mu.Lock()
	snapshot := snapshotDocs(q, s.listLocked(q.Collection), time.Now())
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	if len(snapshot) > 0 || q.FullSet {
		sub.deliver(Event{Added: snapshot})
	}
	return sub, nil
}

type memorySub struct {
	store *Memory
	q     Query
	fn    func(Event)

	mu     sync.Mutex
	closed bool
}

func (s *memorySub) translate(wev wireEvent, now time.Time) Event {
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

func (s *memorySub) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(ev)
}

func (s *memorySub) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.store.mu.Lock()
	delete(s.store.subs, s)
	s.store.mu.Unlock()
}

// RunTransaction serializes the body under the store mutex: reads see a
// stable snapshot and staged writes apply atomically when fn succeeds.
func (s *Memory) RunTransaction(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	t := &memoryTx{store: s}
	if err := fn(t); err != nil {
		s.mu.Unlock()
		return err
	}

	events := make(map[string]*wireEvent)
	for _, w := range t.writes {
		ev := events[w.collection]
		if ev == nil {
			ev = &wireEvent{}
			events[w.collection] = ev
		}
		col := s.collection(w.collection)
		if w.data != nil {
			col[w.key] = w.data
			ev.Changed = append(ev.Changed, wireDoc{Key: w.key, Data: w.data})
		} else {
			delete(col, w.key)
			ev.Removed = append(ev.Removed, w.key)
		}
	}

	var pending []func()
	for collection, ev := range events {
		pending = append(pending, s.fanOutLocked(collection, *ev)...)
	}
	s.mu.Unlock()

	runPending(pending)
	return nil
}

type memoryTx struct {
	store  *Memory
	writes []txWrite
}

func (t *memoryTx) List(collection string) ([]Doc, error) {
	docs := t.store.listLocked(collection)
	// Staged writes are visible to later reads in the same transaction.
	for _, w := range t.writes {
		if w.collection != collection {
			continue
		}
		docs = applyStaged(docs, w)
	}
	return docs, nil
}

func applyStaged(docs []Doc, w txWrite) []Doc {
	out := docs[:0]
	found := false
	for _, d := range docs {
		if d.Key == w.key {
			found = true
			if w.data != nil {
				out = append(out, Doc{Key: w.key, Data: w.data})
			}
			continue
		}
		out = append(out, d)
	}
	if !found && w.data != nil {
		out = append(out, Doc{Key: w.key, Data: w.data})
	}
	return out
}

func (t *memoryTx) Set(collection, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("[STORE] marshal %s/%s in transaction: %v", collection, key, err)
		return
	}
	t.writes = append(t.writes, txWrite{collection: collection, key: key, data: data})
}

func (t *memoryTx) Delete(collection, key string) {
	t.writes = append(t.writes, txWrite{collection: collection, key: key})
}
