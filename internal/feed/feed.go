package feed

import (
	"context"
	"fmt"
	"log"

	"worldtalk-backend/internal/model"
	"worldtalk-backend/internal/store"
)

// StoreFeed reads and writes room messages through the document store. It is
// consume-only on the subscription side: a sent message is not echoed
// locally, it comes back through the same subscription as everyone else's,
// keeping the store the single source of ordering truth.
type StoreFeed struct {
	store store.Store
}

func NewStoreFeed(st store.Store) *StoreFeed {
	return &StoreFeed{store: st}
}

// Subscribe delivers the room's messages in ascending timestamp order,
// starting from the newest 100 at subscription time. The returned cancel
// func synchronously stops delivery.
func (f *StoreFeed) Subscribe(ctx context.Context, roomID string, fn func(model.Message)) (func(), error) {
	sub, err := f.store.Subscribe(ctx, store.Query{
		Collection: model.MessagesCollection(roomID),
		OrderBy:    "timestamp",
		Limit:      messageCap,
	}, func(ev store.Event) {
		for _, doc := range ev.Added {
			deliverDoc(roomID, doc, fn)
		}
		for _, doc := range ev.Changed {
			deliverDoc(roomID, doc, fn)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe room %s: %w", roomID, err)
	}
	return sub.Close, nil
}

func deliverDoc(roomID string, doc store.Doc, fn func(model.Message)) {
	var msg model.Message
	if err := doc.Decode(&msg); err != nil {
		log.Printf("[FEED] bad message %s in %s: %v", doc.Key, roomID, err)
		return
	}
	fn(msg)
}

// Send writes the message document. The caller sees it again through its own
// subscription; there is no optimistic local echo.
func (f *StoreFeed) Send(ctx context.Context, msg model.Message) error {
	if err := f.store.Upsert(ctx, model.MessagesCollection(msg.RoomID), msg.ID, msg); err != nil {
		return fmt.Errorf("send to %s: %w", msg.RoomID, err)
	}
	return nil
}
