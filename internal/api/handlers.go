package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"worldtalk-backend/internal/model"
	"worldtalk-backend/internal/store"
)

type handlers struct {
	deps *Dependencies
}

func newHandlers(deps *Dependencies) *handlers {
	return &handlers{deps: deps}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] write response: %v", err)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, err, message string) {
	h.writeJSON(w, status, errorResponse{Error: err, Message: message})
}

func (h *handlers) Health(w http.ResponseWriter, r *http.Request) {
	mode := "store"
	if h.deps.Services.DemoMode {
		mode = "demo"
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "worldtalk-backend",
		"mode":    mode,
	})
}

// Status reports connection and matchmaking counts for monitoring.
func (h *handlers) Status(w http.ResponseWriter, r *http.Request) {
	waiting := 0
	if st := h.deps.Services.Store; st != nil {
		err := st.RunTransaction(r.Context(), func(tx store.Tx) error {
			docs, err := tx.List(model.CollectionQueue)
			if err != nil {
				return err
			}
			waiting = len(docs)
			return nil
		})
		if err != nil {
			log.Printf("[API] queue status: %v", err)
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"connected": h.deps.Gateway.ConnectedCount(),
		"waiting":   waiting,
		"demo_mode": h.deps.Services.DemoMode,
	})
}

// RoomHistory serves archived messages for a room, oldest first.
func (h *handlers) RoomHistory(w http.ResponseWriter, r *http.Request) {
	arc := h.deps.Services.Archive
	if arc == nil {
		h.writeError(w, http.StatusServiceUnavailable, "history unavailable", "no archive database configured")
		return
	}

	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid request", "roomID required")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	messages, err := arc.RecentMessages(r.Context(), roomID, limit)
	if err != nil {
		log.Printf("[API] history for %s: %v", roomID, err)
		h.writeError(w, http.StatusInternalServerError, "history failed", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"room_id":  roomID,
		"messages": messages,
	})
}
