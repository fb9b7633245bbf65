package chat

import (
	"worldtalk-backend/internal/config"
	"worldtalk-backend/internal/presence"
	"worldtalk-backend/internal/session"
	"worldtalk-backend/internal/store"
)

func newTracker(st store.Store, cfg *config.Config) session.Presence {
	return presence.New(st, cfg.Presence.HeartbeatInterval, cfg.Presence.ActiveWindow)
}
