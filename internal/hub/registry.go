package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/streamlate/streamlate/internal/observe"
)

// Registry tracks which clients subscribe to which rooms and broadcasts
// events to them. A room's id is the session id it mirrors; rooms exist
// exactly as long as they have subscribers.
//
// Registry is safe for concurrent use.
type Registry struct {
	logger  *slog.Logger
	metrics *observe.Metrics

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger, metrics *observe.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Registry{
		logger:  logger,
		metrics: metrics,
		rooms:   make(map[string]map[*Client]struct{}),
	}
}

// Enter subscribes the client to a room, creating the room on first entry.
func (r *Registry) Enter(roomID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[*Client]struct{})
		r.rooms[roomID] = room
	}
	room[c] = struct{}{}
}

// Leave unsubscribes the client from a room, dropping the room when it
// empties.
func (r *Registry) Leave(roomID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(roomID, c)
}

// LeaveAll unsubscribes the client from every room it is in. Called when the
// connection drops.
func (r *Registry) LeaveAll(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID := range r.rooms {
		r.leaveLocked(roomID, c)
	}
}

func (r *Registry) leaveLocked(roomID string, c *Client) {
	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
}

// Subscribers returns how many clients are in a room.
func (r *Registry) Subscribers(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Publish broadcasts one event to every subscriber currently in the room.
// The payload is encoded once; delivery to each client is non-blocking.
func (r *Registry) Publish(roomID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("encoding broadcast payload failed",
			"room", roomID, "event", event, "error", err)
		return
	}
	msg, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		r.logger.Error("encoding broadcast envelope failed",
			"room", roomID, "event", event, "error", err)
		return
	}

	r.mu.RLock()
	clients := make([]*Client, 0, len(r.rooms[roomID]))
	for c := range r.rooms[roomID] {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		c.deliver(msg)
	}
	r.metrics.RecordRoomPublish(context.Background(), event)
}
