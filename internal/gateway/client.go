package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"worldtalk-backend/internal/feed"
	"worldtalk-backend/internal/model"
	"worldtalk-backend/internal/session"
)

// inbound is the client -> server protocol.
type inbound struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	Text    string          `json:"text,omitempty"`
	ReplyTo *model.ReplyRef `json:"reply_to,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Muted   bool            `json:"muted,omitempty"`
	Blocked bool            `json:"blocked,omitempty"`
	Target  string          `json:"target,omitempty"`
}

// outbound is the server -> client protocol.
type outbound struct {
	Type      string                 `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Room      string                 `json:"room,omitempty"`
	Message   *model.Message         `json:"message,omitempty"`
	Unread    int                    `json:"unread,omitempty"`
	Mention   bool                   `json:"mention,omitempty"`
	Peers     []model.PresenceRecord `json:"peers,omitempty"`
	Partner   *model.Profile         `json:"partner,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

type Client struct {
	manager    *Manager
	conn       *websocket.Conn
	profile    model.Profile
	controller *session.Controller
	send       chan []byte

	mu         sync.Mutex
	targetLang string
	closed     bool
	closeOnce  sync.Once
}

func newClient(m *Manager, conn *websocket.Conn, profile model.Profile) *Client {
	c := &Client{
		manager: m,
		conn:    conn,
		profile: profile,
		send:    make(chan []byte, 64),
	}
	c.controller = session.NewController(profile, m.services.Presence(), m.services.Feed, m.services.Queue, session.Hooks{
		Message:   c.onMessage,
		Peers:     c.onPeers,
		Searching: func() { c.push(outbound{Type: "searching"}) },
		Matched:   c.onMatched,
	})
	return c
}

func (c *Client) run(ctx context.Context) {
	if err := c.controller.Start(ctx); err != nil {
		log.Printf("[GATEWAY] start controller for %s: %v", c.profile.UserID, err)
		c.conn.Close()
		c.manager.remove(c.profile.UserID)
		return
	}

	c.push(outbound{Type: "welcome", UserID: c.profile.UserID})

	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer c.teardown(ctx)

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[GATEWAY] read from %s: %v", c.profile.UserID, err)
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.push(outbound{Type: "error", Error: "bad payload"})
			continue
		}
		c.handle(ctx, in)
	}
}

func (c *Client) handle(ctx context.Context, in inbound) {
	switch in.Type {
	case "search", "skip":
		if err := c.controller.Search(ctx); err != nil {
			log.Printf("[GATEWAY] search for %s: %v", c.profile.UserID, err)
			c.push(outbound{Type: "error", Error: "search failed, try again"})
		}
	case "message":
		if in.Text == "" {
			return
		}
		if err := c.controller.SendMessage(ctx, in.Room, in.Text, in.ReplyTo); err != nil {
			c.push(outbound{Type: "error", Error: err.Error()})
		}
	case "leave":
		c.teardown(ctx)
	case "focus":
		c.controller.SetForeground(in.Room)
	case "mute":
		c.controller.SetMuted(in.Room, in.Muted)
	case "block":
		c.controller.SetBlocked(in.UserID, in.Blocked)
	case "translate":
		c.mu.Lock()
		c.targetLang = in.Target
		c.mu.Unlock()
	default:
		c.push(outbound{Type: "error", Error: "unknown type " + in.Type})
	}
}

func (c *Client) onMessage(roomType string, msg model.Message, d feed.Delivery) {
	// The sender's own connection archives the message, exactly once across
	// all subscribers.
	if arc := c.manager.services.Archive; arc != nil && msg.SenderUserID == c.profile.UserID {
		arc.SaveMessageAsync(msg)
	}

	c.mu.Lock()
	target := c.targetLang
	c.mu.Unlock()

	if target != "" && msg.SenderUserID != c.profile.UserID && c.manager.services.Translator.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		translated := c.manager.services.Translator.Translate(ctx, msg.Text, target)
		cancel()
		if translated != msg.Text {
			msg.Translation = translated
		}
	}

	room := c.controller.Room(roomType)
	c.push(outbound{
		Type:    "message",
		Room:    roomType,
		Message: &msg,
		Unread:  room.UnreadCount(),
		Mention: d.Mention,
	})
}

func (c *Client) onPeers(peers []model.PresenceRecord) {
	c.push(outbound{Type: "peers", Peers: peers})
}

func (c *Client) onMatched(partner model.Profile, sessionID string) {
	if arc := c.manager.services.Archive; arc != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := arc.SaveSession(ctx, model.Session{
				SessionID:    sessionID,
				Participants: [2]string{c.profile.UserID, partner.UserID},
				CreatedAt:    time.Now(),
				Active:       true,
			})
			if err != nil {
				log.Printf("[GATEWAY] archive session %s: %v", sessionID, err)
			}
		}()
	}
	c.push(outbound{Type: "matched", Partner: &partner, SessionID: sessionID})
}

// push queues an event for the write pump, dropping it if the client cannot
// keep up. Dropped room messages are recovered on reconnect through the
// subscription snapshot.
func (c *Client) push(out outbound) {
	data, err := json.Marshal(out)
	if err != nil {
		log.Printf("[GATEWAY] marshal event for %s: %v", c.profile.UserID, err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("[GATEWAY] dropping %s event for slow client %s", out.Type, c.profile.UserID)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) teardown(ctx context.Context) {
	c.closeOnce.Do(func() {
		c.controller.Leave(context.WithoutCancel(ctx))
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
		c.conn.Close()
		c.manager.remove(c.profile.UserID)
	})
}
