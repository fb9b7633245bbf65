// Package feed delivers per-room ordered, deduplicated message streams and
// maintains the client-side room aggregates (unread counts, mention alerts,
// one-on-one session state).
package feed

import (
	"sort"
	"strings"
	"sync"

	"worldtalk-backend/internal/model"
)

// messageCap mirrors the subscription-time history cap: the local aggregate
// never holds more than this many rendered messages.
const messageCap = 100

// ViewContext is the explicit per-delivery snapshot of viewer state. It is
// passed into every Apply call instead of being captured by the subscription
// closure, so a stale closure can never observe a stale foreground room or
// blocked set.
type ViewContext struct {
	Foreground   bool
	Blocked      map[string]bool
	SelfUserID   string
	SelfUsername string
}

// Delivery describes what one incoming message did to the room.
type Delivery struct {
	Delivered bool // message entered the rendered list
	Notified  bool // unread count was incremented
	Mention   bool // mention alert should be raised
}

// RoomState is the client-local aggregate for one room. It is rebuilt from
// subscriptions and is never the source of truth.
type RoomState struct {
	RoomID   string
	RoomType string

	mu       sync.Mutex
	messages []model.Message
	seen     map[string]bool
	unread   int
	muted    bool

	// One-on-one session fields; unused for broadcast rooms.
	Searching bool
	Partner   *model.Profile
	SessionID string
}

func NewRoomState(roomType, roomID string) *RoomState {
	return &RoomState{
		RoomID:   roomID,
		RoomType: roomType,
		seen:     make(map[string]bool),
	}
}

// Apply folds one incoming message into the room under the given view
// context. Redelivered ids are dropped silently. Blocked senders never enter
// the rendered list but are still recorded as seen, so unblocking cannot
// resurrect them and the cap accounting does not fall behind.
func (r *RoomState) Apply(msg model.Message, vc ViewContext) Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen[msg.ID] {
		return Delivery{}
	}
	r.seen[msg.ID] = true

	blocked := vc.Blocked[msg.SenderUserID]
	fromSelf := msg.SenderUserID == vc.SelfUserID

	var d Delivery
	if !blocked {
		r.insert(msg)
		d.Delivered = true
	}

	if !vc.Foreground && !fromSelf && !r.muted && !blocked {
		r.unread++
		d.Notified = true
	}

	if !blocked && !fromSelf && vc.SelfUsername != "" &&
		strings.Contains(msg.Text, "@"+vc.SelfUsername) {
		d.Mention = true
	}
	return d
}

// insert keeps messages in non-decreasing timestamp order. Subscriptions
// deliver ascending batches, so the common case appends.
func (r *RoomState) insert(msg model.Message) {
	i := sort.Search(len(r.messages), func(i int) bool {
		return r.messages[i].Timestamp.After(msg.Timestamp)
	})
	r.messages = append(r.messages, model.Message{})
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = msg

	if len(r.messages) > messageCap {
		r.messages = r.messages[len(r.messages)-messageCap:]
	}
}

// Messages returns the rendered list in order.
func (r *RoomState) Messages() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *RoomState) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

// MarkRead clears the unread count, called when the room becomes foreground.
func (r *RoomState) MarkRead() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unread = 0
}

func (r *RoomState) SetMuted(muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted = muted
}

func (r *RoomState) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted
}

// Reset clears messages and dedup state, used when a one-on-one room starts
// a fresh search or skips to a new partner.
func (r *RoomState) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.seen = make(map[string]bool)
	r.unread = 0
	r.Searching = false
	r.Partner = nil
	r.SessionID = ""
}
