package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"worldtalk-backend/internal/chat"
	"worldtalk-backend/internal/gateway"
)

type Dependencies struct {
	Services *chat.Services
	Gateway  *gateway.Manager
}

func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS for the browser client.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	h := newHandlers(deps)

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.Timeout(30 * time.Second)).Get("/rooms/{roomID}/history", h.RoomHistory)
		r.With(middleware.Timeout(10 * time.Second)).Get("/status", h.Status)
	})

	// WebSocket entry point; no HTTP timeout middleware here, the
	// connection is long-lived.
	r.Get("/ws/chat", deps.Gateway.HandleChat)

	return r
}
