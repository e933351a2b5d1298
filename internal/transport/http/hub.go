package http

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

const clientBuffer = 64

// client is one websocket connection. Everything written to the socket goes
// through send so that only the writer goroutine touches the connection.
type client struct {
	socketID string
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func newClient(socketID string) *client {
	return &client{
		socketID: socketID,
		send:     make(chan []byte, clientBuffer),
		done:     make(chan struct{}),
	}
}

// offer queues a message without blocking. A client that cannot keep up
// misses messages and recovers through request_state.
func (c *client) offer(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		log.Printf("ws: dropping message for slow socket %s", c.socketID)
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub tracks which local sockets are in which room.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	members map[*client]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*client]struct{}),
		members: make(map[*client]map[string]struct{}),
	}
}

func (h *Hub) join(c *client, rooms ...domain.Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range rooms {
		name := room.Name()
		if h.rooms[name] == nil {
			h.rooms[name] = make(map[*client]struct{})
		}
		h.rooms[name][c] = struct{}{}
		if h.members[c] == nil {
			h.members[c] = make(map[string]struct{})
		}
		h.members[c][name] = struct{}{}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name := range h.members[c] {
		delete(h.rooms[name], c)
		if len(h.rooms[name]) == 0 {
			delete(h.rooms, name)
		}
	}
	delete(h.members, c)
}

// Deliver sends an encoded event to every local socket in room.
func (h *Hub) Deliver(room domain.Room, message []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[room.Name()]))
	for c := range h.rooms[room.Name()] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.offer(message)
	}
}

// Emit makes the hub an app.Broadcaster for single-process deployments.
func (h *Hub) Emit(_ context.Context, room domain.Room, event app.Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.Deliver(room, encoded)
	return nil
}

// Members counts local sockets in room.
func (h *Hub) Members(room domain.Room) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room.Name()])
}
