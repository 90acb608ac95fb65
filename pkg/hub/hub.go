// Package hub fans pre-encoded JSON payloads out to websocket
// subscribers using the channel-based broadcast pattern.
//
// Subscribers are passive: the hub pushes state to them and drops any
// client whose buffer stays full. A snapshot source, when set, gives
// every new subscriber the current state immediately on register
// instead of waiting for the next change.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Hub maintains the set of subscribed clients and broadcasts payloads
// to them.
type Hub struct {
	name   string
	logger *slog.Logger

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	// snapshot, when set, produces the payload replayed to each new
	// subscriber.
	snapshot func() []byte

	mu      sync.RWMutex
	running bool
}

// New creates a hub. Run must be called before clients attach.
func New(name string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		name:       name,
		logger:     logger.With("component", "hub", "hub", name),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// SetSnapshot installs the source of the payload sent to each client
// at register time. Must be set before Run.
func (h *Hub) SetSnapshot(fn func() []byte) {
	h.snapshot = fn
}

// Run starts the hub's main loop. It should be called in a goroutine.
func (h *Hub) Run() {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			if h.snapshot != nil {
				if payload := h.snapshot(); payload != nil {
					client.send <- payload
				}
			}
			h.logger.Debug("client subscribed", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "clients", count)

		case payload := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- payload:
				default:
					// Buffer full, the client is too slow to keep.
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("dropped slow client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a payload for all subscribers. A full broadcast
// queue drops the payload; subscribers will catch up on the next one.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("broadcast queue full, dropping payload")
	}
}

// BroadcastJSON encodes v and broadcasts it.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

// ClientCount returns the number of subscribed clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsRunning reports whether Run has been started.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}
