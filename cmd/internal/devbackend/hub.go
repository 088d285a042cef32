package devbackend

import (
	"log/slog"
	"sync"
)

// Hub fans bid status frames out to every socket a user has open.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	users map[string]map[string]*Client // userID -> connID -> client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		users: make(map[string]map[string]*Client),
	}
}

// Join registers a client under its user.
func (h *Hub) Join(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.users[c.UserID]
	if !ok {
		set = make(map[string]*Client)
		h.users[c.UserID] = set
	}
	set[c.ConnID] = c
}

// Leave removes a client. Unknown ids are ignored.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.users[c.UserID]
	if !ok {
		return
	}
	delete(set, c.ConnID)
	if len(set) == 0 {
		delete(h.users, c.UserID)
	}
}

// Publish enqueues frame for every client of userID and returns how many accepted it.
// A client with a full queue is skipped; publishers never block on slow sockets.
func (h *Hub) Publish(userID string, frame []byte) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		select {
		case <-c.Done():
		case c.Send <- frame:
			sent++
		default:
			h.log.Info("ws.publish.drop", "user_id", userID, "conn_id", c.ConnID)
		}
	}
	return sent
}

// Disconnect closes every socket of userID.
func (h *Hub) Disconnect(userID string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Close()
	}
}

// Connections reports the number of open sockets for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
