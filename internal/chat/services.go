// Package chat wires the core components together and decides, once at
// startup, whether they run against the real store or the demo fallback.
package chat

import (
	"context"
	"log"

	"worldtalk-backend/internal/archive"
	"worldtalk-backend/internal/config"
	"worldtalk-backend/internal/demo"
	"worldtalk-backend/internal/feed"
	"worldtalk-backend/internal/matchmaking"
	"worldtalk-backend/internal/session"
	"worldtalk-backend/internal/store"
	"worldtalk-backend/internal/translate"
)

// Services bundles everything a connection needs. Exactly one of the two
// backends is active: the Redis store or the local simulator.
type Services struct {
	DemoMode bool

	Store      store.Store // nil in demo mode
	Queue      session.Queue
	Feed       session.Feed
	Translator *translate.Client
	Archive    *archive.Store // nil when no database is configured

	cfg       *config.Config
	simulator *demo.Simulator
}

// New connects to the backing store; if that fails the whole session runs on
// the demo fallback. The choice is permanent for the process lifetime; no
// per-call-site branching.
func New(ctx context.Context, cfg *config.Config) *Services {
	s := &Services{
		cfg:        cfg,
		Translator: translate.NewClient(cfg.Translate.URL, cfg.Translate.Timeout),
	}

	st, err := store.NewRedis(ctx, cfg.Redis.URL)
	if err != nil {
		log.Printf("[CHAT] store unavailable (%v), switching to demo mode", err)
		sim := demo.NewSimulator(demo.Options{
			MatchDelay:  cfg.Demo.MatchDelay,
			WorldTick:   cfg.Demo.WorldTick,
			ReplyDelay:  cfg.Demo.ReplyDelay,
			WorldChance: cfg.Demo.WorldChance,
		})
		s.DemoMode = true
		s.simulator = sim
		s.Queue = sim
		s.Feed = sim
		return s
	}

	s.Store = st
	s.Queue = matchmaking.NewQueue(st)
	s.Feed = feed.NewStoreFeed(st)

	if cfg.Database.URL != "" {
		arc, err := archive.New(ctx, archive.Config{
			URL:            cfg.Database.URL,
			MaxConnections: cfg.Database.MaxConnections,
			MaxIdleTime:    cfg.Database.MaxIdleTime,
			MaxLifetime:    cfg.Database.MaxLifetime,
		})
		if err != nil {
			log.Printf("[CHAT] archive unavailable (%v), history disabled", err)
		} else {
			s.Archive = arc
		}
	}
	return s
}

// Presence returns the presence implementation for one connection: a fresh
// store-backed tracker, or the shared simulator in demo mode.
func (s *Services) Presence() session.Presence {
	if s.DemoMode {
		return s.simulator
	}
	return newTracker(s.Store, s.cfg)
}

// Close releases the backends.
func (s *Services) Close() {
	if s.simulator != nil {
		s.simulator.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Printf("[CHAT] close store: %v", err)
		}
	}
	if s.Archive != nil {
		s.Archive.Close()
	}
}
