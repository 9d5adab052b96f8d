// Package ws is the websocket gateway. It upgrades authenticated
// connections, registers them with presence, and delivers outbound
// events as JSON frames. The hub is the process-wide push.Pusher.
package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/claritycare/triage-orchestrator/internal/push"
)

// Hub tracks live connections per principal. A principal may hold
// several connections at once (multiple tabs, phone plus desktop);
// Push fans an event out to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[string]*client // principalID -> connectionID -> client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[string]*client)}
}

// Push implements push.Pusher. It reports whether at least one
// connection accepted the event. A connection whose send buffer is
// full is skipped rather than blocked on; the slow consumer will be
// torn down by its own write pump.
func (h *Hub) Push(principalID string, ev push.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("event=push_marshal_failed principal=%s type=%s err=%q", principalID, ev.Type, err.Error())
		return false
	}

	h.mu.RLock()
	conns := make([]*client, 0, len(h.clients[principalID]))
	for _, c := range h.clients[principalID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range conns {
		select {
		case c.send <- data:
			delivered = true
		default:
			log.Printf("event=push_buffer_full principal=%s connection=%s type=%s", principalID, c.connectionID, ev.Type)
		}
	}
	return delivered
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.principal.ID]
	if !ok {
		set = make(map[string]*client)
		h.clients[c.principal.ID] = set
	}
	set[c.connectionID] = c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.principal.ID]
	if !ok {
		return
	}
	delete(set, c.connectionID)
	if len(set) == 0 {
		delete(h.clients, c.principal.ID)
	}
}
