// Package websocket pushes device updates to connected dashboards.
package websocket

import (
	"context"
	"sort"
	"sync"

	"iot-sentinel/internal/logging"
	"iot-sentinel/internal/metrics"
	"iot-sentinel/internal/models"
)

// Message types sent to clients.
const (
	MessageTypeDeviceUpdate = "device_update"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

// Message is the envelope for every websocket frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub tracks connected clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	done       chan struct{}
	doneOnce   sync.Once
	mu         sync.RWMutex
}

// NewHub creates a hub. Run it with RunWithContext.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// RunWithContext runs the hub until ctx is cancelled, then closes every
// client.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// Shutdown first, then client lifecycle, then broadcasts.
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

// Serve implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error { return h.RunWithContext(ctx) }

// String implements fmt.Stringer for the supervisor.
func (h *Hub) String() string { return "websocket-hub" }

// Done is closed once the hub has stopped.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(n))
	logging.Info().Str("component", "websocket").Int("total_clients", n).Msg("websocket client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(n))
	logging.Info().Str("component", "websocket").Int("total_clients", n).Msg("websocket client disconnected")
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := h.sortedClients()
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	h.doneOnce.Do(func() { close(h.done) })

	metrics.WebsocketClients.Set(0)
	logging.Info().
		Str("component", "websocket").
		Int("clients_closed", len(clients)).
		Msg("websocket hub stopped")
}

// sortedClients must be called with mu held.
func (h *Hub) sortedClients() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	return clients
}

// broadcastToClients drops clients whose send buffer is full.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	var toRemove []*Client
	for _, client := range h.sortedClients() {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}
	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if len(toRemove) > 0 {
		metrics.WebsocketClients.Set(float64(n))
		logging.Warn().Str("component", "websocket").Int("dropped", len(toRemove)).Msg("dropped slow websocket clients")
	}
}

// BroadcastJSON queues a message for every client. It never blocks.
func (h *Hub) BroadcastJSON(messageType string, data any) {
	select {
	case h.broadcast <- Message{Type: messageType, Data: data}:
	default:
		logging.Warn().Str("component", "websocket").Str("message_type", messageType).Msg("broadcast channel full, dropping message")
	}
}

// Notify implements notify.Notifier.
func (h *Hub) Notify(_ context.Context, update models.DeviceUpdate) {
	h.BroadcastJSON(MessageTypeDeviceUpdate, update)
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
