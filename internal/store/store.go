// Package store abstracts the real-time document store backing presence,
// matchmaking and room feeds: JSON documents grouped into collections, with
// upserts, deletes, optimistic transactions and filtered ordered
// subscriptions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// ErrTxConflict is returned when a transaction kept losing against concurrent
// writers and ran out of retries.
var ErrTxConflict = errors.New("store: transaction conflict")

// Doc is one stored document.
type Doc struct {
	Key  string
	Data []byte
}

// Decode unmarshals the document payload into v.
func (d Doc) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

// Event is one batch of changes delivered to a subscription.
type Event struct {
	Added   []Doc
	Changed []Doc
	Removed []string
}

// WindowFilter keeps documents whose timestamp field falls within a sliding
// window ending at delivery time.
type WindowFilter struct {
	Field  string
	Window time.Duration
}

// Query selects what a subscription observes.
type Query struct {
	Collection string

	// Key, when set, restricts the subscription to a single document.
	Key string

	// NewerThan, when set, keeps only documents whose Field is within
	// Window of now, re-evaluated at delivery time.
	NewerThan *WindowFilter

	// OrderBy sorts delivered batches ascending by the named field.
	OrderBy string

	// Limit caps the initial snapshot to the newest Limit documents
	// (after ordering).
	Limit int

	// FullSet switches the subscription to replacement semantics: every
	// event delivers the complete current matching set in Added instead
	// of a delta. Used by presence, which must expire stale records even
	// on stores without delta support.
	FullSet bool
}

// Subscription is a cancellable stream. Close synchronously stops future
// callback delivery: once Close returns, the callback will not run again.
type Subscription interface {
	Close()
}

// Tx is the read/write handle passed to a transaction body. Reads register
// the collection in the transaction's conflict set; writes are staged and
// either all commit or none do.
type Tx interface {
	List(collection string) ([]Doc, error)
	Set(collection, key string, value any)
	Delete(collection, key string)
}

// Store is the real-time document store consumed by the core components.
type Store interface {
	Upsert(ctx context.Context, collection, key string, value any) error
	Delete(ctx context.Context, collection, key string) error
	Subscribe(ctx context.Context, q Query, fn func(Event)) (Subscription, error)
	RunTransaction(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// filterDocs applies the Key and NewerThan constraints of q.
func filterDocs(q Query, docs []Doc, now time.Time) []Doc {
	out := docs[:0:0]
	for _, d := range docs {
		if q.Key != "" && d.Key != q.Key {
			continue
		}
		if q.NewerThan != nil && !withinWindow(d, q.NewerThan, now) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func withinWindow(d Doc, f *WindowFilter, now time.Time) bool {
	ts, ok := fieldTime(d, f.Field)
	if !ok {
		return false
	}
	return ts.After(now.Add(-f.Window))
}

// orderDocs sorts ascending by the OrderBy field, falling back to key order
// when the query does not name one.
func orderDocs(q Query, docs []Doc) {
	if q.OrderBy == "" {
		sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return fieldLess(docs[i], docs[j], q.OrderBy)
	})
}

// trimDocs keeps the newest Limit docs of an ascending-ordered slice.
func trimDocs(q Query, docs []Doc) []Doc {
	if q.Limit > 0 && len(docs) > q.Limit {
		return docs[len(docs)-q.Limit:]
	}
	return docs
}

// snapshotDocs prepares an initial snapshot: filter, order, cap.
func snapshotDocs(q Query, docs []Doc, now time.Time) []Doc {
	docs = filterDocs(q, docs, now)
	orderDocs(q, docs)
	return trimDocs(q, docs)
}

func fieldLess(a, b Doc, field string) bool {
	at, aok := fieldTime(a, field)
	bt, bok := fieldTime(b, field)
	if aok && bok {
		return at.Before(bt)
	}
	av, aok := fieldNumber(a, field)
	bv, bok := fieldNumber(b, field)
	if aok && bok {
		return av < bv
	}
	return fieldString(a, field) < fieldString(b, field)
}

func fieldValue(d Doc, field string) (any, bool) {
	var m map[string]any
	if err := json.Unmarshal(d.Data, &m); err != nil {
		return nil, false
	}
	v, ok := m[field]
	return v, ok
}

func fieldTime(d Doc, field string) (time.Time, bool) {
	v, ok := fieldValue(d, field)
	if !ok {
		return time.Time{}, false
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func fieldNumber(d Doc, field string) (float64, bool) {
	v, ok := fieldValue(d, field)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func fieldString(d Doc, field string) string {
	v, ok := fieldValue(d, field)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
