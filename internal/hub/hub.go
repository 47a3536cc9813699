package hub

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/marcelomtsv/telegram/internal/model"
)

const clientBufferSize = 16

// Event is one frame pushed to a subscriber.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client is one connected real-time subscriber.
type Client struct {
	Events chan Event
	Done   chan struct{}
}

// Hub fans flushed batches out to every connected subscriber. Subscribers
// whose buffer is full or whose channel is gone are pruned during the same
// publish pass; there is no separate health-check loop.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool
	closed  bool
}

func New() *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
	}
}

// Subscribe registers a new subscriber. It receives no backlog, only batches
// flushed after this call; the connection ack is sent by the boundary layer.
func (h *Hub) Subscribe() *Client {
	client := &Client{
		Events: make(chan Event, clientBufferSize),
		Done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(client.Done)
		return client
	}
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Info().Int("clientCount", count).Msg("subscriber connected")
	return client
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.Done)

	log.Info().Int("clientCount", len(h.clients)).Msg("subscriber disconnected")
}

// PublishBatch serializes the batch once and delivers it to every subscriber.
func (h *Hub) PublishBatch(batch model.Batch) {
	data, err := json.Marshal(batch)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal batch")
		return
	}
	h.publish(Event{Type: "batch", Data: data})
}

func (h *Hub) publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.Events <- event:
		default:
			// Delivery failed: subscriber is not draining. Prune it.
			delete(h.clients, client)
			close(client.Done)
			log.Warn().Int("clientCount", len(h.clients)).Msg("subscriber not draining, pruned")
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		close(client.Done)
	}
	h.clients = make(map[*Client]bool)
}
