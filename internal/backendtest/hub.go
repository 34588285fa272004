package backendtest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait   = 5 * time.Second
	sendBufSize = 64
)

// frame mirrors the wire frame of the push channel.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsClient struct {
	hub    *hub
	conn   *websocket.Conn
	userID int64
	send   chan frame
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		c.hub.received(c.userID, f)
	}
}

func (c *wsClient) writePump() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		}
	}
}

// hub tracks push-channel connections per user, like the server-side hub of a messenger.
type hub struct {
	mu       sync.RWMutex
	clients  map[int64]map[*wsClient]struct{}
	inbound  []frame
	accepted int
}

func newHub() *hub {
	return &hub{clients: make(map[int64]map[*wsClient]struct{})}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*wsClient]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.accepted++
	h.mu.Unlock()
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[c.userID]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
}

func (h *hub) received(userID int64, f frame) {
	h.mu.Lock()
	h.inbound = append(h.inbound, f)
	h.mu.Unlock()
}

func (h *hub) sendToUser(userID int64, f frame) {
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- f:
		case <-c.done:
		default:
			// Backpressure: send buffer full, close slow client.
			c.close()
		}
	}
}

func (h *hub) count(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *hub) closeAll() {
	h.mu.Lock()
	all := make([]*wsClient, 0)
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	// Network I/O outside the lock.
	for _, c := range all {
		c.close()
	}
}
