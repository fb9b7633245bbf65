// Package gateway is the WebSocket edge: it upgrades connections, mints a
// user id per login, and translates a small JSON protocol into session
// controller calls.
package gateway

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"worldtalk-backend/internal/chat"
	"worldtalk-backend/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the web client's domain is fixed.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type Manager struct {
	services *chat.Services

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewManager(services *chat.Services) *Manager {
	return &Manager{
		services: services,
		clients:  make(map[string]*Client),
	}
}

// HandleChat upgrades the connection and runs one client session. The
// profile comes from query parameters; the stable user id is minted here.
func (m *Manager) HandleChat(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	country := strings.TrimSpace(r.URL.Query().Get("country"))
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[GATEWAY] upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	profile := model.Profile{
		UserID:   uuid.New().String(),
		Username: username,
		Country:  country,
		State:    state,
	}

	client := newClient(m, conn, profile)

	m.mu.Lock()
	m.clients[profile.UserID] = client
	count := len(m.clients)
	m.mu.Unlock()
	log.Printf("[GATEWAY] %s (%s) connected, %d online", username, profile.UserID, count)

	client.run(r.Context())
}

func (m *Manager) remove(userID string) {
	m.mu.Lock()
	delete(m.clients, userID)
	count := len(m.clients)
	m.mu.Unlock()
	log.Printf("[GATEWAY] %s disconnected, %d online", userID, count)
}

// ConnectedCount reports the number of open connections.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8 << 10
)
