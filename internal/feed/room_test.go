package feed

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"worldtalk-backend/internal/model"
)

func msg(id, senderID, sender, text string, ts time.Time) model.Message {
	return model.Message{
		ID:           id,
		Sender:       sender,
		SenderUserID: senderID,
		Text:         text,
		Timestamp:    ts,
		RoomID:       "room",
	}
}

func viewer(foreground bool) ViewContext {
	return ViewContext{
		Foreground:   foreground,
		Blocked:      map[string]bool{},
		SelfUserID:   "self",
		SelfUsername: "alice",
	}
}

// Redelivery of the same id (reconnect snapshot) folds to a single entry.
func TestApplyDeduplicates(t *testing.T) {
	r := NewRoomState(model.RoomWorld, "world")
	m := msg("m1", "peer", "bob", "hi", time.Unix(100, 0))

	d1 := r.Apply(m, viewer(true))
	d2 := r.Apply(m, viewer(true))

	assert.True(t, d1.Delivered)
	assert.False(t, d2.Delivered)
	assert.Len(t, r.Messages(), 1)
}

func TestApplyKeepsTimestampOrder(t *testing.T) {
	r := NewRoomState(model.RoomWorld, "world")
	base := time.Unix(100, 0)

	r.Apply(msg("m2", "peer", "bob", "second", base.Add(2*time.Second)), viewer(true))
	r.Apply(msg("m1", "peer", "bob", "first", base.Add(1*time.Second)), viewer(true))
	r.Apply(msg("m3", "peer", "bob", "third", base.Add(3*time.Second)), viewer(true))

	got := r.Messages()
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp),
			"messages must be non-decreasing by timestamp")
	}
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m3", got[2].ID)
}

func TestUnreadOnlyInBackground(t *testing.T) {
	r := NewRoomState(model.RoomCountry, "country:us")

	r.Apply(msg("m1", "peer", "bob", "hi", time.Unix(100, 0)), viewer(false))
	assert.Equal(t, 1, r.UnreadCount(), "background message increments unread")

	r.Apply(msg("m2", "peer", "bob", "hi again", time.Unix(101, 0)), viewer(true))
	assert.Equal(t, 1, r.UnreadCount(), "foreground message does not")

	r.MarkRead()
	assert.Equal(t, 0, r.UnreadCount())
}

func TestOwnMessagesNeverNotify(t *testing.T) {
	r := NewRoomState(model.RoomWorld, "world")

	d := r.Apply(msg("m1", "self", "alice", "mine", time.Unix(100, 0)), viewer(false))
	assert.True(t, d.Delivered)
	assert.False(t, d.Notified)
	assert.Equal(t, 0, r.UnreadCount())
}

func TestMutedRoomSuppressesUnread(t *testing.T) {
	r := NewRoomState(model.RoomWorld, "world")
	r.SetMuted(true)

	d := r.Apply(msg("m1", "peer", "bob", "hi", time.Unix(100, 0)), viewer(false))
	assert.True(t, d.Delivered)
	assert.False(t, d.Notified)
	assert.Equal(t, 0, r.UnreadCount())
}

func TestMentionAlert(t *testing.T) {
	r := NewRoomState(model.RoomWorld, "world")

	// Mention fires even in the foreground room.
	d := r.Apply(msg("m1", "peer", "bob", "@alice look at this", time.Unix(100, 0)), viewer(true))
	assert.True(t, d.Mention)

	d = r.Apply(msg("m2", "peer", "bob", "no mention here", time.Unix(101, 0)), viewer(true))
	assert.False(t, d.Mention)
}

// A blocked sender's message is invisible: no render, no unread, no mention.
// It still counts as seen so unblocking cannot resurrect it.
func TestBlockedSenderFullySuppressed(t *testing.T) {
	r := NewRoomState(model.RoomWorld, "world")
	vc := viewer(false)
	vc.Blocked["bob-id"] = true

	m := msg("m1", "bob-id", "bob", "@alice hi", time.Unix(100, 0))
	d := r.Apply(m, vc)

	assert.False(t, d.Delivered)
	assert.False(t, d.Notified)
	assert.False(t, d.Mention)
	assert.Empty(t, r.Messages())
	assert.Equal(t, 0, r.UnreadCount())

	// Unblocking and redelivering must not bring the message back.
	d = r.Apply(m, viewer(false))
	assert.False(t, d.Delivered)
	assert.Empty(t, r.Messages())
}

func TestMessageCap(t *testing.T) {
	r := NewRoomState(model.RoomWorld, "world")
	base := time.Unix(100, 0)

	for i := 0; i < messageCap+20; i++ {
		r.Apply(msg(fmt.Sprintf("m%d", i), "peer", "bob", "x", base.Add(time.Duration(i)*time.Second)), viewer(true))
	}

	got := r.Messages()
	assert.Len(t, got, messageCap)
	assert.Equal(t, fmt.Sprintf("m%d", 20), got[0].ID, "oldest overflow is dropped")
}

func TestResetClearsSessionState(t *testing.T) {
	r := NewRoomState(model.RoomStranger, "")
	r.Apply(msg("m1", "peer", "bob", "hi", time.Unix(100, 0)), viewer(false))
	r.Partner = &model.Profile{UserID: "peer"}
	r.SessionID = "s1"

	r.Reset()

	assert.Empty(t, r.Messages())
	assert.Equal(t, 0, r.UnreadCount())
	assert.Nil(t, r.Partner)
	assert.Empty(t, r.SessionID)

	// Dedup state is gone too: the same id delivers again after reset.
	d := r.Apply(msg("m1", "peer", "bob", "hi", time.Unix(100, 0)), viewer(true))
	assert.True(t, d.Delivered)
}
