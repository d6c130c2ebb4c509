// Package websocket pushes sync activity to connected browsers.
package websocket

import (
	"log"
	"sync"
)

// Hub maintains the set of active WebSocket clients and routes messages to
// them. Clients are scoped to a family: sync events for one household are
// never delivered to another.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan targeted
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex
}

// targeted is a message addressed to one family, or to everyone when
// familyID is empty.
type targeted struct {
	familyID string
	data     []byte
}

// NewHub creates an empty hub. Run must be started in a goroutine before
// clients connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan targeted, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run is the hub's event loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (total: %d)", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected (total: %d)", total)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if msg.familyID != "" && client.familyID != msg.familyID {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer, drop the connection.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastToFamily queues a message for every client of one family.
func (h *Hub) BroadcastToFamily(familyID string, data []byte) {
	select {
	case h.broadcast <- targeted{familyID: familyID, data: data}:
	default:
		log.Println("Broadcast channel full, dropping message")
	}
}

// Broadcast queues a message for every connected client.
func (h *Hub) Broadcast(data []byte) {
	h.BroadcastToFamily("", data)
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client is one WebSocket connection, pinned to a family.
type Client struct {
	hub      *Hub
	familyID string
	send     chan []byte
}

// NewClient creates a client for the given family.
func NewClient(hub *Hub, familyID string) *Client {
	return &Client{
		hub:      hub,
		familyID: familyID,
		send:     make(chan []byte, 256),
	}
}

// Send returns the client's outbound channel.
func (c *Client) Send() chan []byte {
	return c.send
}
