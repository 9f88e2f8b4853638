// Package websocket streams session-state snapshots to the UI layer so the
// presentation code never polls the local API.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/campusnet/attendance-agent/internal/scheduler"
)

// snapshotInterval is the keepalive cadence between state-change broadcasts.
const snapshotInterval = 30 * time.Second

// Hub maintains active WebSocket connections and broadcasts session snapshots.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	coordinator *scheduler.Coordinator
	log         *slog.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new WebSocket hub.
func NewHub(ctx context.Context, coordinator *scheduler.Coordinator, log *slog.Logger) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		clients:     make(map[*Client]bool),
		broadcast:   make(chan []byte, 64),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		coordinator: coordinator,
		log:         log,
		ctx:         hubCtx,
		cancel:      cancel,
	}
}

// Run starts the hub loop and the periodic snapshot broadcaster.
func (h *Hub) Run() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			// New subscriber gets the current state immediately.
			h.BroadcastSnapshot()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.BroadcastSnapshot()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client buffer full, close connection
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastSnapshot pushes the current session snapshot to all clients.
func (h *Hub) BroadcastSnapshot() {
	h.mu.RLock()
	empty := len(h.clients) == 0
	h.mu.RUnlock()
	if empty {
		return
	}

	snap, err := h.coordinator.Snapshot(h.ctx)
	if err != nil {
		h.log.Warn("snapshot broadcast failed", "error", err)
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// Stop stops the hub and disconnects all clients.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
