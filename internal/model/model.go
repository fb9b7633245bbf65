package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Collections on the real-time store.
const (
	CollectionOnlineUsers = "online_users"
	CollectionQueue       = "queue"
	CollectionUsers       = "users"
	CollectionSessions    = "sessions"
)

// MessagesCollection returns the store collection holding one room's messages.
// roomID is either a fixed broadcast room id or a one-on-one session id.
func MessagesCollection(roomID string) string {
	return "messages:" + roomID
}

// Profile is the identity supplied at login. Immutable for the lifetime of a
// client session.
type Profile struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Country  string `json:"country"`
	State    string `json:"state"`
}

// PresenceRecord is one online user's heartbeat document.
type PresenceRecord struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Country      string    `json:"country"`
	State        string    `json:"state"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func (p PresenceRecord) Profile() Profile {
	return Profile{UserID: p.UserID, Username: p.Username, Country: p.Country, State: p.State}
}

func NewPresenceRecord(p Profile, now time.Time) PresenceRecord {
	return PresenceRecord{
		UserID:       p.UserID,
		Username:     p.Username,
		Country:      p.Country,
		State:        p.State,
		LastActiveAt: now,
	}
}

// QueueEntry is a waiting-to-be-matched ticket. At most one exists per
// searching user.
type QueueEntry struct {
	UserID     string    `json:"user_id"`
	Profile    Profile   `json:"profile"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SessionPointer statuses.
const (
	StatusIdle      = "idle"
	StatusSearching = "searching"
	StatusMatched   = "matched"
)

// SessionPointer is the per-user record through which a passively waiting
// searcher learns about a match made by someone else's transaction.
type SessionPointer struct {
	UserID         string    `json:"user_id"`
	Status         string    `json:"status"`
	SessionID      string    `json:"session_id,omitempty"`
	PartnerProfile *Profile  `json:"partner_profile,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Session identifies a dynamic one-on-one room. Its id doubles as the room id
// for message routing.
type Session struct {
	SessionID    string    `json:"session_id"`
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	Active       bool      `json:"active"`
}

// ReplyRef references the message a reply was made to.
type ReplyRef struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// Message is immutable once written, except Translation which is appended
// locally per viewer and never persisted back.
type Message struct {
	ID           string    `json:"id"`
	Sender       string    `json:"sender"`
	SenderUserID string    `json:"sender_user_id"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	RoomID       string    `json:"room_id"`
	ReplyTo      *ReplyRef `json:"reply_to,omitempty"`
	ReadBy       []string  `json:"read_by,omitempty"`
	Translation  string    `json:"translation,omitempty"`
}

// Broadcast room types.
const (
	RoomWorld    = "world"
	RoomCountry  = "country"
	RoomState    = "state"
	RoomStranger = "stranger"
)

// WorldRoomID is the fixed id of the global broadcast room.
const WorldRoomID = "world"

// CountryRoomID derives the fixed country room id from a profile country.
func CountryRoomID(country string) string {
	return "country:" + slug(country)
}

// StateRoomID derives the fixed state room id from profile country+state.
func StateRoomID(country, state string) string {
	return fmt.Sprintf("state:%s-%s", slug(country), slug(state))
}

// BroadcastRoomIDs returns the three fixed rooms a profile belongs to.
func BroadcastRoomIDs(p Profile) map[string]string {
	return map[string]string{
		RoomWorld:   WorldRoomID,
		RoomCountry: CountryRoomID(p.Country),
		RoomState:   StateRoomID(p.Country, p.State),
	}
}

// NewMessage builds the canonical message write shape: fresh id, current
// timestamp, readBy seeded with the sender.
func NewMessage(p Profile, roomID, text string, replyTo *ReplyRef) Message {
	return Message{
		ID:           uuid.New().String(),
		Sender:       p.Username,
		SenderUserID: p.UserID,
		Text:         text,
		Timestamp:    time.Now(),
		RoomID:       roomID,
		ReplyTo:      replyTo,
		ReadBy:       []string{p.Username},
	}
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, " ", "_")
}
