package hub

import (
	"encoding/json"
	"sync"

	"vending-controller/internal/nostr"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Connection is one relay client. Its subscriptions are owned by the Hub.
type Connection struct {
	ID     string
	Writer Writer
}

type Hub struct {
	mu          sync.RWMutex
	connections map[*Connection]map[string][]nostr.Filter
}

func New() *Hub {
	return &Hub{connections: make(map[*Connection]map[string][]nostr.Filter)}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn] == nil {
		h.connections[conn] = make(map[string][]nostr.Filter)
	}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, conn)
}

// Subscribe adds or replaces the subscription subID of conn.
func (h *Hub) Subscribe(conn *Connection, subID string, filters []nostr.Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.connections[conn]
	if subs == nil {
		return
	}
	subs[subID] = filters
}

func (h *Hub) Unsubscribe(conn *Connection, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs := h.connections[conn]; subs != nil {
		delete(subs, subID)
	}
}

func (h *Hub) Subscriptions(conn *Connection) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[conn])
}

type delivery struct {
	conn  *Connection
	subID string
}

// Broadcast sends ev to every subscription with a matching filter.
// Connections whose writer fails are closed and dropped.
func (h *Hub) Broadcast(ev *nostr.Event) {
	h.mu.RLock()
	var targets []delivery
	for conn, subs := range h.connections {
		for subID, filters := range subs {
			for _, f := range filters {
				if f.Matches(ev) {
					targets = append(targets, delivery{conn: conn, subID: subID})
					break
				}
			}
		}
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, d := range targets {
		out, err := json.Marshal(nostr.EventMessage{SubscriptionID: d.subID, Event: *ev})
		if err != nil {
			continue
		}
		if err := d.conn.Writer.Write(out); err != nil {
			failed = append(failed, d.conn)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}
