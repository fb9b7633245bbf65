// Package demo is a local, timer-driven stand-in for the store-backed
// presence, feed and matchmaking components. It is selected once at startup
// when the real store is unreachable, so the rest of the system runs
// unchanged against the same contracts.
package demo

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"worldtalk-backend/internal/matchmaking"
	"worldtalk-backend/internal/model"
)

var partnerNames = []string{
	"Wanderer", "Nomad", "Echo", "Drifter", "Sparrow",
	"Atlas", "Juniper", "Momo", "Cosmo", "Pixel",
}

var worldLines = []string{
	"hello from the other side of the world",
	"anyone here speak spanish?",
	"good morning everyone",
	"what time is it where you are?",
	"this place is quieter than usual today",
}

var replyLines = []string{
	"ha, good one",
	"interesting, tell me more",
	"same here honestly",
	"I was just thinking that",
	"where are you from?",
}

// Options tune the simulator's timers.
type Options struct {
	MatchDelay  time.Duration
	WorldTick   time.Duration
	ReplyDelay  time.Duration
	WorldChance float64
}

type roomSub struct {
	mu     sync.Mutex
	closed bool
	fn     func(model.Message)
}

func (s *roomSub) deliver(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(msg)
}

func (s *roomSub) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Simulator implements the session.Presence, session.Feed and session.Queue
// contracts with local timers only.
type Simulator struct {
	opts Options

	mu        sync.Mutex
	closed    bool
	rng       *rand.Rand
	subs      map[string][]*roomSub // roomID -> subscribers
	watchers  map[string]func(model.SessionPointer)
	pending   map[string]*time.Timer   // userID -> scheduled match
	sessions  map[string]model.Profile // sessionID -> synthetic partner
	worldStop chan struct{}
	timers    map[*time.Timer]struct{}
}

func NewSimulator(opts Options) *Simulator {
	if opts.MatchDelay <= 0 {
		opts.MatchDelay = 1500 * time.Millisecond
	}
	if opts.WorldTick <= 0 {
		opts.WorldTick = 8 * time.Second
	}
	if opts.ReplyDelay <= 0 {
		opts.ReplyDelay = 1200 * time.Millisecond
	}
	if opts.WorldChance <= 0 {
		opts.WorldChance = 0.2
	}
	return &Simulator{
		opts:     opts,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		subs:     make(map[string][]*roomSub),
		watchers: make(map[string]func(model.SessionPointer)),
		pending:  make(map[string]*time.Timer),
		sessions: make(map[string]model.Profile),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Start implements session.Presence. The simulated roster is always empty.
func (s *Simulator) Start(ctx context.Context, p model.Profile, onPeers func([]model.PresenceRecord)) error {
	onPeers(nil)
	return nil
}

// Stop implements session.Presence.
func (s *Simulator) Stop() {}

// Subscribe implements session.Feed. Subscribing to the world room starts
// the background chatter ticker.
func (s *Simulator) Subscribe(ctx context.Context, roomID string, fn func(model.Message)) (func(), error) {
	sub := &roomSub{fn: fn}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("demo: simulator closed")
	}
	s.subs[roomID] = append(s.subs[roomID], sub)
	if roomID == model.WorldRoomID && s.worldStop == nil {
		s.worldStop = make(chan struct{})
		go s.worldChatter(s.worldStop)
	}
	s.mu.Unlock()

	return func() {
		sub.close()
		s.mu.Lock()
		list := s.subs[roomID]
		for i, cur := range list {
			if cur == sub {
				s.subs[roomID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}, nil
}

// Send implements session.Feed: the message is fanned straight back to the
// room's subscribers (the simulator is its own source of truth), and a sent
// one-on-one message provokes a delayed reply from the synthetic partner.
func (s *Simulator) Send(ctx context.Context, msg model.Message) error {
	s.fanOut(msg.RoomID, msg)

	s.mu.Lock()
	partner, isSession := s.sessions[msg.RoomID]
	closed := s.closed
	s.mu.Unlock()
	if closed || !isSession || msg.SenderUserID == partner.UserID {
		return nil
	}

	s.after(s.opts.ReplyDelay, func() {
		reply := model.NewMessage(partner, msg.RoomID, s.pick(replyLines), &model.ReplyRef{
			ID:     msg.ID,
			Sender: msg.Sender,
			Text:   msg.Text,
		})
		s.fanOut(msg.RoomID, reply)
	})
	return nil
}

// Enqueue implements session.Queue. It always reports Waiting; the match
// arrives through the pointer watch after the configured delay.
func (s *Simulator) Enqueue(ctx context.Context, p model.Profile) (matchmaking.Outcome, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return matchmaking.Outcome{}, fmt.Errorf("demo: simulator closed")
	}
	if t, ok := s.pending[p.UserID]; ok {
		t.Stop()
	}
	timer := time.AfterFunc(s.opts.MatchDelay, func() { s.completeMatch(p) })
	s.pending[p.UserID] = timer
	s.mu.Unlock()

	return matchmaking.Outcome{}, nil
}

func (s *Simulator) completeMatch(p model.Profile) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.pending, p.UserID)

	sessionID := "demo-" + uuid.New().String()
	partner := model.Profile{
		UserID:   "demo-" + uuid.New().String(),
		Username: partnerNames[s.rng.Intn(len(partnerNames))],
		Country:  p.Country,
		State:    p.State,
	}
	s.sessions[sessionID] = partner
	watch := s.watchers[p.UserID]
	s.mu.Unlock()

	if watch == nil {
		log.Printf("[DEMO] no pointer watch for %s, dropping match", p.UserID)
		return
	}
	watch(model.SessionPointer{
		UserID:         p.UserID,
		Status:         model.StatusMatched,
		SessionID:      sessionID,
		PartnerProfile: &partner,
		UpdatedAt:      time.Now(),
	})

	// Seed the conversation so the room is never empty.
	first := model.NewMessage(partner, sessionID, fmt.Sprintf("hi %s!", p.Username), nil)
	second := model.NewMessage(partner, sessionID, "found you through random chat, how is your day going?", nil)
	s.after(200*time.Millisecond, func() { s.fanOut(sessionID, first) })
	s.after(600*time.Millisecond, func() { s.fanOut(sessionID, second) })
}

// Cancel implements session.Queue.
func (s *Simulator) Cancel(ctx context.Context, userID string) error {
	s.mu.Lock()
	if t, ok := s.pending[userID]; ok {
		t.Stop()
		delete(s.pending, userID)
	}
	delete(s.watchers, userID)
	s.mu.Unlock()
	return nil
}

// WatchPointer implements session.Queue.
func (s *Simulator) WatchPointer(ctx context.Context, userID string, fn func(model.SessionPointer)) (func(), error) {
	s.mu.Lock()
	s.watchers[userID] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, userID)
		s.mu.Unlock()
	}, nil
}

func (s *Simulator) worldChatter(stop chan struct{}) {
	ticker := time.NewTicker(s.opts.WorldTick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			hit := s.rng.Float64() < s.opts.WorldChance
			name := partnerNames[s.rng.Intn(len(partnerNames))]
			line := worldLines[s.rng.Intn(len(worldLines))]
			s.mu.Unlock()
			if !hit {
				continue
			}
			sender := model.Profile{
				UserID:   "demo-" + uuid.New().String(),
				Username: name,
			}
			s.fanOut(model.WorldRoomID, model.NewMessage(sender, model.WorldRoomID, line, nil))
		}
	}
}

func (s *Simulator) fanOut(roomID string, msg model.Message) {
	s.mu.Lock()
	subs := append([]*roomSub(nil), s.subs[roomID]...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(msg)
	}
}

func (s *Simulator) pick(lines []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lines[s.rng.Intn(len(lines))]
}

func (s *Simulator) after(d time.Duration, fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		fn()
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()
	})
	s.timers[t] = struct{}{}
	s.mu.Unlock()
}

// Close stops every timer and subscription. No callback fires after Close
// returns for subscriptions already cancelled; pending timers are stopped
// best-effort.
func (s *Simulator) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.worldStop != nil {
		close(s.worldStop)
		s.worldStop = nil
	}
	for _, t := range s.pending {
		t.Stop()
	}
	s.pending = map[string]*time.Timer{}
	for t := range s.timers {
		t.Stop()
	}
	s.timers = map[*time.Timer]struct{}{}
	for roomID, subs := range s.subs {
		for _, sub := range subs {
			sub.close()
		}
		delete(s.subs, roomID)
	}
	s.mu.Unlock()
}
