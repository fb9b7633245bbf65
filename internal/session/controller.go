// Package session owns the per-connection lifecycle: fixed broadcast room
// feeds, the presence roster, and the one-on-one room's
// idle → searching → active state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"worldtalk-backend/internal/feed"
	"worldtalk-backend/internal/matchmaking"
	"worldtalk-backend/internal/model"
)

// Presence, Feed and Queue are the contracts the controller consumes. The
// store-backed components and the demo fallback both implement them; the
// choice is made once at startup.
type Presence interface {
	Start(ctx context.Context, p model.Profile, onPeers func([]model.PresenceRecord)) error
	Stop()
}

type Feed interface {
	Subscribe(ctx context.Context, roomID string, fn func(model.Message)) (func(), error)
	Send(ctx context.Context, msg model.Message) error
}

type Queue interface {
	Enqueue(ctx context.Context, p model.Profile) (matchmaking.Outcome, error)
	Cancel(ctx context.Context, userID string) error
	WatchPointer(ctx context.Context, userID string, fn func(model.SessionPointer)) (func(), error)
}

// Hooks are the controller's outbound notifications, consumed by the
// gateway.
type Hooks struct {
	Message   func(roomType string, msg model.Message, d feed.Delivery)
	Peers     func(peers []model.PresenceRecord)
	Searching func()
	Matched   func(partner model.Profile, sessionID string)
}

// Controller states for the one-on-one room.
const (
	stateIdle      = "idle"
	stateSearching = "searching"
	stateActive    = "active"
)

var errClosed = errors.New("session: controller closed")

type Controller struct {
	profile  model.Profile
	presence Presence
	feeds    Feed
	queue    Queue
	hooks    Hooks

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	state         string
	rooms         map[string]*feed.RoomState
	roomIDs       map[string]string
	foreground    string
	blocked       map[string]bool
	cancelFeeds   []func()
	cancelPointer func()
	cancelSession func()
	closed        bool
}

func NewController(p model.Profile, pres Presence, feeds Feed, queue Queue, hooks Hooks) *Controller {
	roomIDs := model.BroadcastRoomIDs(p)
	rooms := map[string]*feed.RoomState{
		model.RoomWorld:    feed.NewRoomState(model.RoomWorld, roomIDs[model.RoomWorld]),
		model.RoomCountry:  feed.NewRoomState(model.RoomCountry, roomIDs[model.RoomCountry]),
		model.RoomState:    feed.NewRoomState(model.RoomState, roomIDs[model.RoomState]),
		model.RoomStranger: feed.NewRoomState(model.RoomStranger, ""),
	}
	return &Controller{
		profile:    p,
		presence:   pres,
		feeds:      feeds,
		queue:      queue,
		hooks:      hooks,
		state:      stateIdle,
		rooms:      rooms,
		roomIDs:    roomIDs,
		foreground: model.RoomWorld,
		blocked:    make(map[string]bool),
	}
}

// Start begins heartbeating and subscribes the three fixed broadcast rooms.
// A failed room subscription degrades that room to empty instead of failing
// the login.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.ctx = cctx
	c.cancel = cancel

	if err := c.presence.Start(cctx, c.profile, func(peers []model.PresenceRecord) {
		if c.hooks.Peers != nil {
			c.hooks.Peers(peers)
		}
	}); err != nil {
		log.Printf("[SESSION] presence start for %s: %v", c.profile.UserID, err)
	}

	for _, roomType := range []string{model.RoomWorld, model.RoomCountry, model.RoomState} {
		roomType := roomType
		cancelFeed, err := c.feeds.Subscribe(cctx, c.roomIDs[roomType], func(msg model.Message) {
			c.deliver(roomType, msg)
		})
		if err != nil {
			log.Printf("[SESSION] subscribe %s room for %s: %v", roomType, c.profile.UserID, err)
			continue
		}
		c.cancelFeeds = append(c.cancelFeeds, cancelFeed)
	}
	return nil
}

// deliver folds one incoming message into its room under a context snapshot
// taken at arrival time.
func (c *Controller) deliver(roomType string, msg model.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	room := c.rooms[roomType]
	// The old session's subscription closes asynchronously after a skip, so
	// a message from it can still arrive here; anything not addressed to the
	// current session is stale and dropped.
	if roomType == model.RoomStranger && msg.RoomID != room.SessionID {
		c.mu.Unlock()
		return
	}
	vc := feed.ViewContext{
		Foreground:   c.foreground == roomType,
		Blocked:      copyBlocked(c.blocked),
		SelfUserID:   c.profile.UserID,
		SelfUsername: c.profile.Username,
	}
	c.mu.Unlock()

	d := room.Apply(msg, vc)
	if !d.Delivered {
		return
	}
	if c.hooks.Message != nil {
		c.hooks.Message(roomType, msg, d)
	}
}

func copyBlocked(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Search clears the one-on-one room and enqueues. A MatchedNow outcome goes
// straight to active; Waiting holds the passive pointer subscription open
// until someone else's transaction matches into it.
func (c *Controller) Search(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	c.teardownSessionLocked()
	room := c.rooms[model.RoomStranger]
	room.Reset()
	room.Searching = true
	c.state = stateSearching
	c.mu.Unlock()

	if c.hooks.Searching != nil {
		c.hooks.Searching()
	}

	out, err := c.queue.Enqueue(ctx, c.profile)
	if err != nil {
		c.mu.Lock()
		if c.state == stateSearching {
			c.state = stateIdle
			c.rooms[model.RoomStranger].Searching = false
		}
		c.mu.Unlock()
		return fmt.Errorf("search: %w", err)
	}

	if out.Matched {
		c.applyMatch(out.SessionID, out.Partner)
		return nil
	}

	cancelPointer, err := c.queue.WatchPointer(c.ctx, c.profile.UserID, func(ptr model.SessionPointer) {
		if ptr.Status != model.StatusMatched || ptr.SessionID == "" || ptr.PartnerProfile == nil {
			return
		}
		c.applyMatch(ptr.SessionID, *ptr.PartnerProfile)
	})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	c.mu.Lock()
	if c.state != stateSearching || c.closed {
		// Matched (or torn down) while the watch was being set up.
		c.mu.Unlock()
		cancelPointer()
		return nil
	}
	c.cancelPointer = cancelPointer
	c.mu.Unlock()
	return nil
}

// applyMatch moves searching → active. Both the direct Enqueue outcome and
// the passive pointer echo can deliver the same match; applying it twice is
// a no-op, and a match arriving in any state other than searching is a stale
// echo and is dropped.
func (c *Controller) applyMatch(sessionID string, partner model.Profile) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.state == stateActive && c.rooms[model.RoomStranger].SessionID == sessionID {
		c.mu.Unlock()
		return
	}
	if c.state != stateSearching {
		log.Printf("[SESSION] dropping match %s for %s in state %s", sessionID, c.profile.UserID, c.state)
		c.mu.Unlock()
		return
	}

	c.state = stateActive
	room := c.rooms[model.RoomStranger]
	room.Searching = false
	room.Partner = &partner
	room.SessionID = sessionID

	if cancel := c.cancelPointer; cancel != nil {
		c.cancelPointer = nil
		// The pointer watch may be the very callback we are running in;
		// closing it from its own delivery would self-deadlock.
		go cancel()
	}
	cctx := c.ctx
	c.mu.Unlock()

	cancelSession, err := c.feeds.Subscribe(cctx, sessionID, func(msg model.Message) {
		c.deliver(model.RoomStranger, msg)
	})
	if err != nil {
		log.Printf("[SESSION] subscribe session %s for %s: %v", sessionID, c.profile.UserID, err)
	} else {
		c.mu.Lock()
		if c.state == stateActive && c.rooms[model.RoomStranger].SessionID == sessionID {
			c.cancelSession = cancelSession
		} else {
			c.mu.Unlock()
			cancelSession()
			return
		}
		c.mu.Unlock()
	}

	if c.hooks.Matched != nil {
		c.hooks.Matched(partner, sessionID)
	}
}

// teardownSessionLocked drops the active session subscription and pointer
// watch. Caller holds c.mu.
func (c *Controller) teardownSessionLocked() {
	if cancel := c.cancelSession; cancel != nil {
		c.cancelSession = nil
		go cancel()
	}
	if cancel := c.cancelPointer; cancel != nil {
		c.cancelPointer = nil
		go cancel()
	}
}

// Skip leaves the current partner and immediately searches again. Two skips
// in a row cannot yield two simultaneous sessions: the second skip finds the
// controller already searching and just re-enqueues.
func (c *Controller) Skip(ctx context.Context) error {
	return c.Search(ctx)
}

// Leave cancels every subscription and timer and best-effort removes the
// user's queue ticket and presence record. The partner is not notified; its
// room simply stops receiving messages.
func (c *Controller) Leave(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = stateIdle
	c.teardownSessionLocked()
	feeds := c.cancelFeeds
	c.cancelFeeds = nil
	cancel := c.cancel
	c.mu.Unlock()

	for _, cancelFeed := range feeds {
		cancelFeed()
	}
	if err := c.queue.Cancel(ctx, c.profile.UserID); err != nil {
		log.Printf("[SESSION] cancel queue for %s: %v", c.profile.UserID, err)
	}
	c.presence.Stop()
	if cancel != nil {
		cancel()
	}
}

// SendMessage writes a message into one of the user's rooms; the sender sees
// it come back through the room subscription.
func (c *Controller) SendMessage(ctx context.Context, roomType, text string, replyTo *model.ReplyRef) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	roomID := c.roomIDs[roomType]
	if roomType == model.RoomStranger {
		if c.state != stateActive {
			c.mu.Unlock()
			return errors.New("session: no active partner")
		}
		roomID = c.rooms[model.RoomStranger].SessionID
	}
	c.mu.Unlock()
	if roomID == "" {
		return fmt.Errorf("session: unknown room %q", roomType)
	}

	msg := model.NewMessage(c.profile, roomID, text, replyTo)
	return c.feeds.Send(ctx, msg)
}

// SetForeground switches the foreground room and clears its unread count.
func (c *Controller) SetForeground(roomType string) {
	c.mu.Lock()
	room, ok := c.rooms[roomType]
	if ok {
		c.foreground = roomType
	}
	c.mu.Unlock()
	if ok {
		room.MarkRead()
	}
}

// SetMuted toggles a room's mute flag.
func (c *Controller) SetMuted(roomType string, muted bool) {
	c.mu.Lock()
	room, ok := c.rooms[roomType]
	c.mu.Unlock()
	if ok {
		room.SetMuted(muted)
	}
}

// SetBlocked toggles a sender in the blocked set.
func (c *Controller) SetBlocked(userID string, blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if blocked {
		c.blocked[userID] = true
	} else {
		delete(c.blocked, userID)
	}
}

// Room exposes a room aggregate, mainly for tests and state snapshots.
func (c *Controller) Room(roomType string) *feed.RoomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomType]
}

// State reports the one-on-one state machine's current state.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Profile returns the immutable login profile.
func (c *Controller) Profile() model.Profile {
	return c.profile
}
